package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

func TestMessagesCarryRetryContextOnlyOnRetries(t *testing.T) {
	req := domain.LLMRequest{
		DocumentName:    "fatura.pdf",
		Text:            "boleto vencido",
		KnownCategories: []string{"Financeiro"},
		CategoryHints:   map[string][]string{"Financeiro": {"boleto"}},
		Attempt:         1,
	}
	system, user, err := Messages(req)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if system != SystemPrompt || strings.Contains(user, "previous_result") {
		t.Fatalf("first attempt must not mention a previous result: %s", user)
	}

	req.Attempt = 2
	req.Previous = &domain.Attempt{Category: "Financeiro", Confidence: 0.4}
	req.Excerpts = []string{"Financeiro (similarity 0.80): boleto"}
	system, user, err = Messages(req)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if system == SystemPrompt {
		t.Fatalf("retry must use the re-evaluation prompt")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(user), &decoded); err != nil {
		t.Fatalf("user prompt is not json: %v", err)
	}
	if _, ok := decoded["previous_result"]; !ok {
		t.Fatalf("retry prompt must carry the previous result")
	}
	if !strings.Contains(user, "similarity 0.80") {
		t.Fatalf("retry prompt must carry knowledge excerpts")
	}
}

func TestParseAcceptsBothSchemas(t *testing.T) {
	english := "```json\n{\"category\":\"Financeiro\",\"secondary_categories\":[\"Compliance\",\"compliance\"],\"confidence\":0.91,\"rationale\":\"boleto\",\"suggested_category\":null}\n```"
	resp, err := Parse(english)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if resp.Category != "Financeiro" || len(resp.SecondaryCategories) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Confidence.Kind != domain.ConfidenceFraction || resp.Confidence.Value != 0.91 {
		t.Fatalf("unexpected confidence: %+v", resp.Confidence)
	}

	portuguese := `{"categoria_principal":"Juridico","areas_secundarias":["RH"],"confianca":"87,5%","justificativa":"contrato","nova_categoria_sugerida":"Contratos"}`
	resp, err = Parse(portuguese)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if resp.Category != "Juridico" || resp.Rationale != "contrato" || resp.SuggestedCategory != "Contratos" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Confidence.Kind != domain.ConfidencePercent || resp.Confidence.Value != 87.5 {
		t.Fatalf("unexpected confidence: %+v", resp.Confidence)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "I think it is finance", `{"category": "A", "confidence": "high"}`, `{"category": }`} {
		if _, err := Parse(raw); !domain.IsKind(err, domain.ErrLLMMalformedResponse) {
			t.Fatalf("Parse(%q) expected malformed error, got %v", raw, err)
		}
	}
}
