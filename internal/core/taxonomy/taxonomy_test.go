package taxonomy

import (
	"math"
	"reflect"
	"testing"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

var testKeywords = map[string]map[string]float64{
	"Financeiro": {"nota fiscal": 1, "pagamento": 0.5, "boleto": 0.5},
	"Jurídico":   {"contrato": 1, "cláusula": 1},
	"Vazio":      {},
}

func TestScoreIsDeterministicAndFolded(t *testing.T) {
	text := "NOTA FISCAL emitida; pagamento via boleto. Nota fiscal anexa."
	first := Score(text, testKeywords, DefaultPolicy())
	second := Score(text, testKeywords, DefaultPolicy())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Score() is not deterministic")
	}

	best, ok := first.Best()
	if !ok || best.Category != "Financeiro" {
		t.Fatalf("expected Financeiro as best, got %+v", best)
	}
	if best.Score != 1 {
		t.Fatalf("expected full coverage, got %v", best.Score)
	}
	for _, m := range best.Matches {
		if m.Keyword == "nota fiscal" && m.Occurrences != 2 {
			t.Fatalf("expected 2 occurrences of nota fiscal, got %d", m.Occurrences)
		}
	}
	if len(first.Scores) != 2 {
		t.Fatalf("categories without keywords must be skipped, got %d scores", len(first.Scores))
	}
}

func TestScoreMatchesAccentInsensitiveKeywords(t *testing.T) {
	report := Score("O contrato tem uma CLAUSULA de rescisão", testKeywords, DefaultPolicy())
	if got := report.ScoreOf("juridico"); math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected Jurídico score 1, got %v", got)
	}
}

func TestDecidePromotesOverWeakModelAnswer(t *testing.T) {
	report := Score("contrato com cláusula penal", testKeywords, DefaultPolicy())
	d := Decide(report, LLMView{Category: "Financeiro", Confidence: 0.4}, DefaultPolicy())
	if d.Kind != domain.DecisionPromoteExisting || d.Primary != "Jurídico" {
		t.Fatalf("expected promotion to Jurídico, got %+v", d)
	}
	if d.HeuristicScore != 1 {
		t.Fatalf("expected heuristic score of primary, got %v", d.HeuristicScore)
	}
	if len(d.Secondary) == 0 || d.Secondary[0] != "Financeiro" {
		t.Fatalf("model answer should stay as secondary area, got %v", d.Secondary)
	}
}

func TestDecideNeverOverridesConfidentModel(t *testing.T) {
	report := Score("contrato com cláusula penal", testKeywords, DefaultPolicy())
	d := Decide(report, LLMView{Category: "Financeiro", Confidence: 0.95}, DefaultPolicy())
	if d.Kind != domain.DecisionNoChange || d.Primary != "Financeiro" {
		t.Fatalf("confident model answer must be kept, got %+v", d)
	}
	if len(d.Secondary) != 1 || d.Secondary[0] != "Jurídico" {
		t.Fatalf("expected heuristic winner as secondary, got %v", d.Secondary)
	}
	if d.HeuristicScore != 0 {
		t.Fatalf("expected heuristic score of kept primary to be 0, got %v", d.HeuristicScore)
	}
}

func TestDecideSuggestsNewCategoryFromRecurringTerms(t *testing.T) {
	text := "inventário patrimonial do almoxarifado. inventário de bens do almoxarifado. " +
		"o inventário do almoxarifado foi concluído"
	report := Score(text, testKeywords, DefaultPolicy())
	d := Decide(report, LLMView{Category: "Outros", Confidence: 0.5}, DefaultPolicy())
	if d.Kind != domain.DecisionSuggestNew {
		t.Fatalf("expected suggest_new, got %+v", d)
	}
	if d.Suggested != "Almoxarifado Inventario" {
		t.Fatalf("unexpected suggested label %q", d.Suggested)
	}
	if d.Primary != "Outros" {
		t.Fatalf("suggestion must not replace the primary category, got %q", d.Primary)
	}
}

func TestDecideNoChangeWithWeakEvidence(t *testing.T) {
	report := Score("segue o pagamento", testKeywords, DefaultPolicy())
	d := Decide(report, LLMView{Category: "Financeiro", Confidence: 0.6}, DefaultPolicy())
	if d.Kind != domain.DecisionNoChange || d.Primary != "Financeiro" {
		t.Fatalf("expected no_change, got %+v", d)
	}
	if math.Abs(d.HeuristicScore-0.25) > 1e-9 {
		t.Fatalf("expected heuristic score 0.25, got %v", d.HeuristicScore)
	}
}

func TestDecideFallsBackToUnclassified(t *testing.T) {
	d := Decide(Report{}, LLMView{}, DefaultPolicy())
	if d.Primary != domain.UnclassifiedCategory {
		t.Fatalf("expected %q, got %q", domain.UnclassifiedCategory, d.Primary)
	}
}
