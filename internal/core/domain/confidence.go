package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ConfidenceKind tags how a model expressed its confidence.
type ConfidenceKind string

const (
	ConfidenceMissing   ConfidenceKind = "missing"
	ConfidenceFraction  ConfidenceKind = "fraction"
	ConfidencePercent   ConfidenceKind = "percent"
	ConfidenceLocalized ConfidenceKind = "localized_decimal"
)

// ConfidenceValue is the raw confidence as returned by the model, tagged by representation.
type ConfidenceValue struct {
	Kind  ConfidenceKind
	Value float64
	Raw   string
}

// ParseConfidence classifies a JSON confidence field. A nil or null field is ConfidenceMissing.
func ParseConfidence(raw json.RawMessage) (ConfidenceValue, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ConfidenceValue{Kind: ConfidenceMissing}, nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ConfidenceValue{}, WrapError(ErrLLMMalformedResponse, "parse confidence", err)
		}
		return ParseConfidenceString(s)
	}

	var n float64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return ConfidenceValue{}, WrapError(ErrLLMMalformedResponse, "parse confidence", err)
	}
	return confidenceFromNumber(n, string(trimmed)), nil
}

// ParseConfidenceString accepts "0.85", "85", "85%", "0,85" and "85,5 %".
func ParseConfidenceString(s string) (ConfidenceValue, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return ConfidenceValue{Kind: ConfidenceMissing, Raw: raw}, nil
	}

	percent := false
	if strings.HasSuffix(s, "%") {
		percent = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}

	localized := false
	if strings.Contains(s, ",") {
		localized = true
		if strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return ConfidenceValue{}, WrapError(ErrLLMMalformedResponse, "parse confidence", fmt.Errorf("unrecognized confidence %q", raw))
	}

	switch {
	case percent:
		return ConfidenceValue{Kind: ConfidencePercent, Value: n, Raw: raw}, nil
	case localized:
		return ConfidenceValue{Kind: ConfidenceLocalized, Value: n, Raw: raw}, nil
	default:
		return confidenceFromNumber(n, raw), nil
	}
}

func confidenceFromNumber(n float64, raw string) ConfidenceValue {
	if n > 1 {
		return ConfidenceValue{Kind: ConfidencePercent, Value: n, Raw: raw}
	}
	return ConfidenceValue{Kind: ConfidenceFraction, Value: n, Raw: raw}
}

// Normalize maps any representation onto [0,1].
func (c ConfidenceValue) Normalize() (float64, error) {
	v := c.Value
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, WrapError(ErrLLMMalformedResponse, "normalize confidence", fmt.Errorf("invalid confidence %q", c.Raw))
	}

	switch c.Kind {
	case ConfidenceMissing:
		return 0, nil
	case ConfidenceFraction:
	case ConfidencePercent:
		v = v / 100
	case ConfidenceLocalized:
		if v > 1 {
			v = v / 100
		}
	default:
		return 0, WrapError(ErrLLMMalformedResponse, "normalize confidence", fmt.Errorf("unknown confidence kind %q", c.Kind))
	}

	if v > 1 {
		return 0, WrapError(ErrLLMMalformedResponse, "normalize confidence", fmt.Errorf("confidence out of range %q", c.Raw))
	}
	return v, nil
}
