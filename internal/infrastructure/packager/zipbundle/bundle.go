// Package zipbundle packages a finalized job as a zip holding the source document, the
// analysis as JSON and a pre-filled feedback.yaml for the reviewer.
package zipbundle

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
)

const feedbackHeader = `# Reviewer feedback. Fill in and drop this file into the feedback inbox.
# status: correct | incorrect. When incorrect, name the right category in correct_category.
# alternatives: secondary categories that also apply. evidence: excerpts that prove a category.
`

type Packager struct {
	root string
	now  func() time.Time
}

func New(root string) (*Packager, error) {
	if root == "" {
		root = "./data/output"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Packager{root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

type analysis struct {
	Job    *domain.Job                 `json:"job"`
	Result domain.ClassificationResult `json:"result"`
}

type feedbackTemplate struct {
	Document        string            `yaml:"document"`
	SourceName      string            `yaml:"source_name"`
	ClassifiedAs    string            `yaml:"classified_as"`
	Confidence      float64           `yaml:"confidence"`
	Status          string            `yaml:"status"`
	CorrectCategory string            `yaml:"correct_category"`
	Alternatives    []string          `yaml:"alternatives"`
	Evidence        map[string]string `yaml:"evidence"`
	Reinforce       []string          `yaml:"reinforce"`
	Suppress        []string          `yaml:"suppress"`
	Reanalysis      bool              `yaml:"reanalysis"`
	Reviewer        string            `yaml:"reviewer"`
	Notes           string            `yaml:"notes"`
}

// Package writes <root>/<category>/<job id>_<document>.zip.
func (p *Packager) Package(ctx context.Context, job *domain.Job, result domain.ClassificationResult) (domain.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, err
	}
	dir := filepath.Join(p.root, textnorm.Slug(result.PrimaryCategory))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Artifact{}, fmt.Errorf("create category output dir: %w", err)
	}
	stem := strings.TrimSuffix(job.SourceName, filepath.Ext(job.SourceName))
	path := filepath.Join(dir, job.ID+"_"+stem+".zip")

	tmp, err := os.CreateTemp(dir, ".bundle-*")
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("create bundle: %w", err)
	}
	tmpName := tmp.Name()
	if err := p.write(tmp, job, result); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return domain.Artifact{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return domain.Artifact{}, fmt.Errorf("close bundle: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return domain.Artifact{}, fmt.Errorf("place bundle: %w", err)
	}
	return domain.Artifact{Path: path, Category: result.PrimaryCategory, CreatedAt: p.now()}, nil
}

func (p *Packager) write(w io.Writer, job *domain.Job, result domain.ClassificationResult) error {
	zw := zip.NewWriter(w)

	if err := addSource(zw, job); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(analysis{Job: job, Result: result}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	if err := addBytes(zw, "analysis.json", raw); err != nil {
		return err
	}

	tmpl, err := yaml.Marshal(newTemplate(result))
	if err != nil {
		return fmt.Errorf("encode feedback template: %w", err)
	}
	if err := addBytes(zw, "feedback.yaml", append([]byte(feedbackHeader), tmpl...)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish bundle: %w", err)
	}
	return nil
}

func newTemplate(result domain.ClassificationResult) feedbackTemplate {
	evidence := map[string]string{result.PrimaryCategory: ""}
	for _, c := range result.SecondaryCategories {
		evidence[c] = ""
	}
	return feedbackTemplate{
		Document:     result.DocumentID,
		SourceName:   result.SourceName,
		ClassifiedAs: result.PrimaryCategory,
		Confidence:   result.Confidence,
		Alternatives: []string{},
		Evidence:     evidence,
		Reinforce:    []string{},
		Suppress:     []string{},
	}
}

func addSource(zw *zip.Writer, job *domain.Job) error {
	src, err := os.Open(job.SourcePath)
	if err != nil {
		return fmt.Errorf("open source for bundle: %w", err)
	}
	defer src.Close()
	w, err := zw.Create(job.SourceName)
	if err != nil {
		return fmt.Errorf("add source to bundle: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy source to bundle: %w", err)
	}
	return nil
}

func addBytes(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s to bundle: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s to bundle: %w", name, err)
	}
	return nil
}
