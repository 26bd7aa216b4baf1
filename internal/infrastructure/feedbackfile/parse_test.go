package feedbackfile

import (
	"testing"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

func TestParseNativeJSON(t *testing.T) {
	raw := `{"key":"fb-1","document":"doc-1","verdicts":{"Financeiro":"confirm","Juridico":"reject"},
		"evidence":{"Financeiro":["boleto com vencimento em março"]},"reinforce":["boleto"],
		"confidence_delta":0.01,"reanalysis":true,"received_at":"2026-03-01T10:00:00Z"}`
	rec, err := Parse("feedback_20260301_abc.json", []byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rec.Key != "fb-1" || rec.DocumentRef != "doc-1" || !rec.Reanalysis || rec.ConfidenceDelta != 0.01 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Verdicts["Financeiro"] != domain.VerdictConfirm || rec.Verdicts["Juridico"] != domain.VerdictReject {
		t.Fatalf("unexpected verdicts: %v", rec.Verdicts)
	}
	if len(rec.Evidence["Financeiro"]) != 1 || len(rec.Reinforce) != 1 || rec.ReceivedAt.IsZero() {
		t.Fatalf("unexpected evidence/keywords/time: %+v", rec)
	}
}

func TestParsePortugueseYAML(t *testing.T) {
	raw := `
documento: contrato_locacao.pdf
status: incorreto
categoria_correta: Jurídico
palavras_chave_relevantes: [locação, fiador]
palavras_irrelevantes: "boleto; pagamento"
marcar_reanalise: sim
trecho_evidencia_juridico: O locatário se obriga a pagar o aluguel
observacoes: classificado como financeiro por engano
`
	rec, err := Parse("revisao.yaml", []byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rec.DocumentRef != "contrato_locacao.pdf" || !rec.Reanalysis {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Verdicts[domain.PrimaryCategory] != domain.VerdictReject || rec.Verdicts["Jurídico"] != domain.VerdictConfirm {
		t.Fatalf("unexpected verdicts: %v", rec.Verdicts)
	}
	if len(rec.Reinforce) != 2 || len(rec.Suppress) != 2 {
		t.Fatalf("unexpected keyword lists: %v / %v", rec.Reinforce, rec.Suppress)
	}
	if len(rec.Evidence["juridico"]) != 1 {
		t.Fatalf("unexpected evidence: %v", rec.Evidence)
	}
	if rec.Notes == "" {
		t.Fatalf("notes must be kept")
	}
}

func TestParseKeyValueText(t *testing.T) {
	raw := "Arquivo analisado: nota_fiscal.pdf\nStatus: correto\nCategoria alternativa Compliance: sim\nComentarios: ok\ncontinua aqui\n"
	rec, err := Parse("nota.txt", []byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rec.DocumentRef != "nota_fiscal.pdf" {
		t.Fatalf("unexpected document %q", rec.DocumentRef)
	}
	if rec.Verdicts[domain.PrimaryCategory] != domain.VerdictConfirm || rec.Verdicts["compliance"] != domain.VerdictConfirm {
		t.Fatalf("unexpected verdicts: %v", rec.Verdicts)
	}
	if rec.Notes != "ok\ncontinua aqui" {
		t.Fatalf("unexpected notes %q", rec.Notes)
	}
}

func TestParseCheckboxTextInfersDocumentFromName(t *testing.T) {
	raw := "Revisão do documento\n[ ] Correto\n[x] Incorreto\nCategoria correta: RH\n"
	rec, err := Parse("feedback_holerite_maio.txt", []byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rec.DocumentRef != "holerite_maio" {
		t.Fatalf("unexpected document %q", rec.DocumentRef)
	}
	if rec.Verdicts[domain.PrimaryCategory] != domain.VerdictReject || rec.Verdicts["RH"] != domain.VerdictConfirm {
		t.Fatalf("unexpected verdicts: %v", rec.Verdicts)
	}
}

func TestParseLatin1Text(t *testing.T) {
	raw := []byte("documento: relat\xf3rio.pdf\nstatus: ok\n")
	rec, err := Parse("x.txt", raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rec.DocumentRef != "relatório.pdf" {
		t.Fatalf("latin-1 text must be decoded, got %q", rec.DocumentRef)
	}
}

func TestParseRejectsBrokenFiles(t *testing.T) {
	cases := map[string]string{
		"a.json": `{"document": `,
		"b.yaml": "document: [unclosed",
		"c.txt":  "nothing to see here",
		"d.json": `{"document":"doc-1","status":"maybe"}`,
		"e.json": `{"document":"doc-1","confidence_delta":"lots"}`,
		"f.pdf":  "%PDF",
	}
	for name, raw := range cases {
		if _, err := Parse(name, []byte(raw)); !domain.IsKind(err, domain.ErrMalformedInput) {
			t.Fatalf("Parse(%s) expected ErrMalformedInput, got %v", name, err)
		}
	}
}

func TestSupported(t *testing.T) {
	if !Supported("A.YML") || Supported("a.docx") {
		t.Fatalf("unexpected Supported() result")
	}
}
