// Package prompt renders classification requests for chat models and parses their answers.
// Both LLM adapters share it so a model answer means the same thing whichever backend produced it.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

const SystemPrompt = "You are an expert classifier of corporate documents. " +
	"Classify each document by primary category and secondary areas using the full context. " +
	"Always answer with a single valid JSON object."

const retrySystemPrompt = "You are an expert classifier of corporate documents. " +
	"A previous classification of this document had low confidence. " +
	"Re-evaluate it carefully using the notes below and answer with a single valid JSON object."

var fallbackCategories = []string{"Tecnologia", "Juridico", "Financeiro", "Compliance", "Outros"}

type instructions struct {
	Objective        string              `json:"objective"`
	ConfidenceFormat string              `json:"confidence_format"`
	NewCategoryRule  string              `json:"new_category_rule"`
	KnownCategories  []string            `json:"known_categories"`
	CategoryKeywords map[string][]string `json:"category_keywords,omitempty"`
	SimilarContext   []string            `json:"similar_context,omitempty"`
	Focus            string              `json:"focus,omitempty"`
}

type previousAttempt struct {
	Category   string   `json:"category"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale,omitempty"`
	Secondary  []string `json:"secondary_categories,omitempty"`
}

type template struct {
	DocumentName string            `json:"document_name"`
	Attempt      int               `json:"attempt"`
	Instructions instructions      `json:"instructions"`
	Previous     *previousAttempt  `json:"previous_result,omitempty"`
	OutputSchema map[string]string `json:"output_schema"`
	Excerpt      string            `json:"document_excerpt"`
}

var outputSchema = map[string]string{
	"category":             "string",
	"secondary_categories": "array[string]",
	"confidence":           "number",
	"rationale":            "string",
	"keywords":             "array[string]",
	"suggested_category":   "string|null",
}

// Messages returns the system and user messages for one validation attempt.
func Messages(req domain.LLMRequest) (system string, user string, err error) {
	known := req.KnownCategories
	if len(known) == 0 {
		known = fallbackCategories
	}
	t := template{
		DocumentName: req.DocumentName,
		Attempt:      req.Attempt,
		Instructions: instructions{
			Objective:        "Classify the document by primary category and relevant secondary areas.",
			ConfidenceFormat: "Number between 0 and 1.",
			NewCategoryRule:  "If no known category fits, answer with the closest one and propose a new category in suggested_category.",
			KnownCategories:  known,
			CategoryKeywords: req.CategoryHints,
		},
		OutputSchema: outputSchema,
		Excerpt:      req.Text,
	}

	system = SystemPrompt
	if req.Previous != nil {
		system = retrySystemPrompt
		t.Previous = &previousAttempt{
			Category:   req.Previous.Category,
			Confidence: req.Previous.Confidence,
			Rationale:  req.Previous.Rationale,
			Secondary:  req.Previous.SecondaryCategories,
		}
		t.Instructions.SimilarContext = req.Excerpts
		t.Instructions.Focus = "Look for additional textual evidence to raise confidence. If that is not possible, propose a new category."
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return "", "", fmt.Errorf("render classification prompt: %w", err)
	}
	return system, string(raw), nil
}

// answer accepts the English schema and the Portuguese keys older prompts produced.
type answer struct {
	Category      string          `json:"category"`
	Categoria     string          `json:"categoria_principal"`
	Secondary     []string        `json:"secondary_categories"`
	Areas         []string        `json:"areas_secundarias"`
	Confidence    json.RawMessage `json:"confidence"`
	Confianca     json.RawMessage `json:"confianca"`
	Rationale     string          `json:"rationale"`
	Justificativa string          `json:"justificativa"`
	Keywords      []string        `json:"keywords"`
	Motivos       []string        `json:"motivos_chave"`
	Suggested     *string         `json:"suggested_category"`
	NovaCategoria *string         `json:"nova_categoria_sugerida"`
}

// Parse decodes a model answer. Anything that is not a JSON object is malformed.
func Parse(raw string) (domain.LLMResponse, error) {
	body := ExtractJSONObject(raw)
	if body == "" {
		return domain.LLMResponse{}, domain.WrapError(domain.ErrLLMMalformedResponse, "parse model answer", fmt.Errorf("no json object in %q", truncate(raw, 120)))
	}

	var a answer
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return domain.LLMResponse{}, domain.WrapError(domain.ErrLLMMalformedResponse, "parse model answer", err)
	}

	confidenceRaw := a.Confidence
	if len(confidenceRaw) == 0 {
		confidenceRaw = a.Confianca
	}
	confidence, err := domain.ParseConfidence(confidenceRaw)
	if err != nil {
		return domain.LLMResponse{}, err
	}

	out := domain.LLMResponse{
		Category:            firstNonEmpty(a.Category, a.Categoria),
		SecondaryCategories: cleanList(append(a.Secondary, a.Areas...)),
		Confidence:          confidence,
		Rationale:           firstNonEmpty(a.Rationale, a.Justificativa),
		Keywords:            cleanList(append(a.Keywords, a.Motivos...)),
	}
	if a.Suggested != nil {
		out.SuggestedCategory = strings.TrimSpace(*a.Suggested)
	} else if a.NovaCategoria != nil {
		out.SuggestedCategory = strings.TrimSpace(*a.NovaCategoria)
	}
	return out, nil
}

// ExtractJSONObject returns the outermost {...} span of raw, or "" when there is none.
func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func cleanList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, item := range in {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
