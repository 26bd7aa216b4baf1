// Package feedbackfile decodes reviewer feedback files (.json, .yaml/.yml and free-form .txt)
// into domain.FeedbackRecord. Keys are matched after folding, so "Documento Analisado",
// "documento_analisado" and "document" all name the reviewed document.
package feedbackfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

// Extensions lists the file types Parse understands.
var Extensions = []string{".json", ".yaml", ".yml", ".txt"}

func Supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

const (
	fieldKey        = "key"
	fieldDocument   = "document"
	fieldStatus     = "status"
	fieldCategory   = "category"
	fieldVerdicts   = "verdicts"
	fieldEvidence   = "evidence"
	fieldReinforce  = "reinforce"
	fieldSuppress   = "suppress"
	fieldDelta      = "confidence_delta"
	fieldReanalysis = "reanalysis"
	fieldReviewer   = "reviewer"
	fieldNotes      = "notes"
	fieldReceivedAt = "received_at"
)

var aliases = map[string]string{
	"key":                           fieldKey,
	"feedback key":                  fieldKey,
	"document":                      fieldDocument,
	"document ref":                  fieldDocument,
	"document id":                   fieldDocument,
	"documento":                     fieldDocument,
	"documento analisado":           fieldDocument,
	"arquivo":                       fieldDocument,
	"arquivo analisado":             fieldDocument,
	"doc":                           fieldDocument,
	"file":                          fieldDocument,
	"status":                        fieldStatus,
	"avaliacao":                     fieldStatus,
	"resultado":                     fieldStatus,
	"correct":                       fieldStatus,
	"category":                      fieldCategory,
	"correct category":              fieldCategory,
	"categoria":                     fieldCategory,
	"categoria correta":             fieldCategory,
	"nova categoria":                fieldCategory,
	"verdicts":                      fieldVerdicts,
	"evidence":                      fieldEvidence,
	"reinforce":                     fieldReinforce,
	"keywords positive":             fieldReinforce,
	"keywords relevantes":           fieldReinforce,
	"palavras chave relevantes":     fieldReinforce,
	"palavras relevantes":           fieldReinforce,
	"suppress":                      fieldSuppress,
	"keywords negative":             fieldSuppress,
	"keywords negativas":            fieldSuppress,
	"palavras chave irrelevantes":   fieldSuppress,
	"palavras irrelevantes":         fieldSuppress,
	"confidence delta":              fieldDelta,
	"ajuste confianca":              fieldDelta,
	"reanalysis":                    fieldReanalysis,
	"request reanalysis":            fieldReanalysis,
	"reanalise":                     fieldReanalysis,
	"marcar reanalise":              fieldReanalysis,
	"solicitar reanalise":           fieldReanalysis,
	"reviewer":                      fieldReviewer,
	"revisor":                       fieldReviewer,
	"notes":                         fieldNotes,
	"observacoes":                   fieldNotes,
	"observacao":                    fieldNotes,
	"justificativa":                 fieldNotes,
	"comentarios":                   fieldNotes,
	"comentarios adicionais":        fieldNotes,
	"notas":                         fieldNotes,
	"received at":                   fieldReceivedAt,
	"alternative categories":        "alternatives",
	"areas secundarias":             "alternatives",
	"categorias alternativas":       "alternatives",
	"incorrect":                     "incorrect",
	"incorreto":                     "incorrect",
}

// per-category keys carry the category name after the prefix
var prefixed = []struct {
	prefix string
	field  string
}{
	{"categoria alternativa ", "alternative"},
	{"alternative ", "alternative"},
	{"trecho evidencia ", "evidence_for"},
	{"evidence ", "evidence_for"},
}

// Parse decodes one feedback file. The document defaults to the file name without its
// extension and "feedback_" prefix.
func Parse(name string, data []byte) (*domain.FeedbackRecord, error) {
	if !utf8.Valid(data) {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, malformed(name, err)
		}
		data = decoded
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var (
		fields map[string]any
		err    error
	)
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".json":
		fields, err = decodeJSON(data)
	case ".yaml", ".yml":
		fields, err = decodeYAML(data)
	case ".txt":
		fields, err = decodeText(data)
	default:
		return nil, malformed(name, fmt.Errorf("unsupported extension %q", ext))
	}
	if err != nil {
		return nil, malformed(name, err)
	}
	if len(fields) == 0 {
		return nil, malformed(name, errors.New("no recognized fields"))
	}

	rec, err := build(fields)
	if err != nil {
		return nil, malformed(name, err)
	}
	if rec.DocumentRef == "" {
		rec.DocumentRef = documentFromName(name)
	}
	return rec, nil
}

func malformed(name string, err error) error {
	return domain.WrapError(domain.ErrMalformedInput, "parse feedback "+name, err)
}

func decodeJSON(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return canonical(raw), nil
}

func decodeYAML(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return canonical(raw), nil
}

// decodeText accepts an embedded JSON object, "key: value" (or "key = value") lines, or a
// checkbox form where "[x] correto" marks the verdict.
func decodeText(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		if fields, err := decodeJSON(trimmed); err == nil && len(fields) > 0 {
			return fields, nil
		}
	}

	raw := make(map[string]any)
	checkbox := ""
	notesKey := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			notesKey = false
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "[x]") {
			switch {
			case strings.Contains(lower, "incorret") || strings.Contains(lower, "incorrect"):
				checkbox = "incorrect"
			case strings.Contains(lower, "corret") || strings.Contains(lower, "correct"):
				checkbox = "correct"
			}
			continue
		}
		key, value, ok := splitLine(line)
		if !ok {
			if notesKey {
				raw["notes"] = strings.TrimSpace(fmt.Sprint(raw["notes"]) + "\n" + line)
			}
			continue
		}
		notesKey = aliases[textnorm.Fold(key)] == fieldNotes
		if notesKey {
			key = "notes"
			if prev, ok := raw["notes"]; ok {
				value = strings.TrimSpace(fmt.Sprint(prev) + "\n" + value)
			}
		}
		raw[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	fields := canonical(raw)
	if checkbox != "" {
		if _, ok := fields[fieldStatus]; !ok {
			fields[fieldStatus] = checkbox
		}
	}
	return fields, nil
}

func splitLine(line string) (string, string, bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// canonical maps raw keys onto field names. Unknown keys are dropped.
func canonical(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for key, value := range raw {
		folded := textnorm.Fold(key)
		if field, ok := aliases[folded]; ok {
			if field == "incorrect" {
				if b, ok := toBool(value); ok {
					out[fieldStatus] = !b
				}
				continue
			}
			out[field] = value
			continue
		}
		for _, p := range prefixed {
			if category, ok := strings.CutPrefix(folded, p.prefix); ok && category != "" {
				bucket, _ := out[p.field].(map[string]any)
				if bucket == nil {
					bucket = make(map[string]any)
					out[p.field] = bucket
				}
				bucket[category] = value
				break
			}
		}
	}
	return out
}

func build(fields map[string]any) (*domain.FeedbackRecord, error) {
	rec := &domain.FeedbackRecord{
		Key:         toString(fields[fieldKey]),
		DocumentRef: toString(fields[fieldDocument]),
		Reviewer:    toString(fields[fieldReviewer]),
		Notes:       toString(fields[fieldNotes]),
		Reinforce:   toList(fields[fieldReinforce]),
		Suppress:    toList(fields[fieldSuppress]),
		Verdicts:    make(map[string]domain.Verdict),
		Evidence:    make(map[string][]string),
	}

	if v, ok := fields[fieldDelta]; ok {
		delta, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("confidence delta %v is not a number", v)
		}
		rec.ConfidenceDelta = delta
	}
	if v, ok := fields[fieldReanalysis]; ok {
		rec.Reanalysis, _ = toBool(v)
	}
	if v := toString(fields[fieldReceivedAt]); v != "" {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.ReceivedAt = at
		}
	}

	if raw, ok := fields[fieldVerdicts].(map[string]any); ok {
		for category, v := range raw {
			rec.Verdicts[strings.TrimSpace(category)] = domain.Verdict(strings.ToLower(toString(v)))
		}
	}
	for category, v := range mapField(fields, "alternative") {
		if selected, ok := toBool(v); ok {
			rec.Verdicts[category] = verdict(selected)
		}
	}
	for _, category := range toList(fields["alternatives"]) {
		rec.Verdicts[category] = domain.VerdictConfirm
	}

	correctCategory := toString(fields[fieldCategory])
	if v, ok := fields[fieldStatus]; ok && !blank(v) {
		correct, ok := toStatus(v)
		if !ok {
			return nil, fmt.Errorf("status %v is neither correct nor incorrect", v)
		}
		switch {
		case correct:
			rec.Verdicts[domain.PrimaryCategory] = domain.VerdictConfirm
		case correctCategory != "":
			rec.Verdicts[domain.PrimaryCategory] = domain.VerdictReject
			rec.Verdicts[correctCategory] = domain.VerdictConfirm
		default:
			rec.Verdicts[domain.PrimaryCategory] = domain.VerdictReject
		}
	} else if correctCategory != "" {
		rec.Verdicts[correctCategory] = domain.VerdictConfirm
	}

	switch raw := fields[fieldEvidence].(type) {
	case map[string]any:
		for category, v := range raw {
			addEvidence(rec, strings.TrimSpace(category), v)
		}
	case nil:
	default:
		if target := firstConfirmed(rec.Verdicts, correctCategory); target != "" {
			addEvidence(rec, target, raw)
		}
	}
	for category, v := range mapField(fields, "evidence_for") {
		addEvidence(rec, category, v)
	}

	if len(rec.Verdicts) == 0 {
		rec.Verdicts = nil
	}
	if len(rec.Evidence) == 0 {
		rec.Evidence = nil
	}
	return rec, nil
}

func addEvidence(rec *domain.FeedbackRecord, category string, v any) {
	if excerpts := toExcerpts(v); len(excerpts) > 0 && category != "" {
		rec.Evidence[category] = append(rec.Evidence[category], excerpts...)
	}
}

func mapField(fields map[string]any, name string) map[string]any {
	m, _ := fields[name].(map[string]any)
	return m
}

func firstConfirmed(verdicts map[string]domain.Verdict, preferred string) string {
	if preferred != "" {
		return preferred
	}
	names := make([]string, 0, len(verdicts))
	for name, v := range verdicts {
		if v == domain.VerdictConfirm && name != domain.PrimaryCategory {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

func verdict(confirm bool) domain.Verdict {
	if confirm {
		return domain.VerdictConfirm
	}
	return domain.VerdictReject
}

var (
	correctWords   = []string{"correct", "correto", "ok", "aprovado", "valido", "validado", "certo", "confirmado", "confirm", "true", "sim", "yes", "1"}
	incorrectWords = []string{"incorrect", "incorreto", "errado", "revisar", "ajustar", "reprocessar", "reject", "rejeitado", "false", "nao", "no", "0"}
)

func toStatus(v any) (bool, bool) {
	if b, ok := v.(bool); ok {
		return b, true
	}
	word := textnorm.Fold(toString(v))
	for _, w := range incorrectWords {
		if word == w {
			return false, true
		}
	}
	for _, w := range correctWords {
		if word == w {
			return true, true
		}
	}
	return false, false
}

// blank reports an untouched template field.
func blank(v any) bool {
	_, isBool := v.(bool)
	return !isBool && toString(v) == ""
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case int:
		return t != 0, true
	case float64:
		return t != 0, true
	}
	switch textnorm.Fold(toString(v)) {
	case "sim", "s", "true", "1", "yes", "y", "x":
		return true, true
	case "nao", "n", "false", "0", "no":
		return false, true
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case int:
		return float64(t), true
	}
	s := strings.TrimSpace(toString(v))
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if percent {
		f /= 100
	}
	return f, true
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// toList accepts a YAML/JSON list or a string separated by commas, semicolons, pipes or newlines.
func toList(v any) []string {
	var items []string
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		for _, item := range t {
			items = append(items, toString(item))
		}
	default:
		items = strings.FieldsFunc(toString(v), func(r rune) bool {
			return r == ',' || r == ';' || r == '|' || r == '\n'
		})
	}
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// toExcerpts keeps evidence text whole; only lists split it.
func toExcerpts(v any) []string {
	if list, ok := v.([]any); ok {
		return toList(list)
	}
	if s := toString(v); s != "" {
		return []string{s}
	}
	return nil
}

func documentFromName(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	return strings.TrimPrefix(base, "feedback_")
}
