// Package extractor reads plain text out of document files by extension.
package extractor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

const defaultMaxBytes = 25 << 20

type readFunc func(path string) (string, error)

// Extractor implements ports.TextExtractor for .txt/.md/.csv/.log, .pdf, .docx, .xlsx and .html.
type Extractor struct {
	maxBytes int64
	readers  map[string]readFunc
}

func New(maxBytes int64) *Extractor {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	e := &Extractor{maxBytes: maxBytes}
	e.readers = map[string]readFunc{
		".txt":  e.readText,
		".md":   e.readText,
		".csv":  e.readText,
		".log":  e.readText,
		".pdf":  readPDF,
		".docx": readDOCX,
		".xlsx": readXLSX,
		".html": e.readHTML,
		".htm":  e.readHTML,
	}
	return e
}

// Supported reports whether name has an extension the extractor understands.
func (e *Extractor) Supported(name string) bool {
	_, ok := e.readers[strings.ToLower(filepath.Ext(name))]
	return ok
}

func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(path))
	read, ok := e.readers[ext]
	if !ok {
		return "", domain.WrapError(domain.ErrMalformedInput, "extract text", fmt.Errorf("unsupported file type %q", ext))
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat source document: %w", err)
	}
	if info.Size() > e.maxBytes {
		return "", domain.WrapError(domain.ErrMalformedInput, "extract text", fmt.Errorf("%s is %d bytes, limit %d", filepath.Base(path), info.Size(), e.maxBytes))
	}

	text, err := read(path)
	if err != nil {
		return "", domain.WrapError(domain.ErrMalformedInput, "extract "+strings.TrimPrefix(ext, "."), err)
	}
	return normalizeSpace(text), nil
}

func (e *Extractor) readText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return decodeText(raw)
}

// decodeText accepts UTF-8 and falls back to Windows-1252, the usual encoding of legacy
// office exports.
func decodeText(raw []byte) (string, error) {
	raw = trimBOM(raw)
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode legacy text: %w", err)
	}
	return string(decoded), nil
}

func trimBOM(raw []byte) []byte {
	if len(raw) >= 3 && raw[0] == 0xEF && raw[1] == 0xBB && raw[2] == 0xBF {
		return raw[3:]
	}
	return raw
}

// normalizeSpace trims every line and collapses runs of blank lines.
func normalizeSpace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
