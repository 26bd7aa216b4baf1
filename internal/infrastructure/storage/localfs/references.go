package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

// ReferenceLibrary keeps one folder of reference documents per category. Folder names are
// category names, so an operator can provision a category by creating a folder.
type ReferenceLibrary struct {
	root string
}

func NewReferenceLibrary(root string) (*ReferenceLibrary, error) {
	if root == "" {
		root = "./data/references"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create reference dir: %w", err)
	}
	return &ReferenceLibrary{root: root}, nil
}

func (l *ReferenceLibrary) ListCategories(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("list reference categories: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *ReferenceLibrary) ListDocuments(_ context.Context, category string) ([]domain.ReferenceDocument, error) {
	dir := filepath.Join(l.root, folderName(category))
	entries, err := listFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list reference documents: %w", err)
	}
	out := make([]domain.ReferenceDocument, 0, len(entries))
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		hash, err := fileHash(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, domain.ReferenceDocument{Category: category, Path: path, Hash: hash})
	}
	return out, nil
}

func (l *ReferenceLibrary) SaveExcerpt(_ context.Context, category, name, text string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(l.root, folderName(category))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create category folder: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, strings.NewReader(text)); err != nil {
		return "", err
	}
	return path, nil
}

// folderName keeps the category name readable but never lets it leave the library root.
func folderName(category string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, strings.TrimSpace(category))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
