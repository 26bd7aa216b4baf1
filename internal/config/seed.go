package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

type seedFile struct {
	Categories []domain.CategorySeed `yaml:"categories"`
}

// LoadTaxonomySeed reads the optional category seed file. An empty path yields no seeds.
//
//	categories:
//	  - name: Financeiro
//	    aliases: [finance, financas]
//	    keywords: {boleto: 0.8, fatura: 0.7}
func LoadTaxonomySeed(path string) ([]domain.CategorySeed, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy seed: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse taxonomy seed %s: %w", path, err)
	}
	out := make([]domain.CategorySeed, 0, len(file.Categories))
	for i, seed := range file.Categories {
		seed.Name = strings.TrimSpace(seed.Name)
		if seed.Name == "" {
			return nil, fmt.Errorf("taxonomy seed %s: category #%d has no name", path, i+1)
		}
		out = append(out, seed)
	}
	return out, nil
}
