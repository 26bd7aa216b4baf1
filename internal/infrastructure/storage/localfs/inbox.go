package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/textnorm"
	"github.com/kirillkom/document-classifier/internal/infrastructure/feedbackfile"
)

// FeedbackInbox reads reviewer feedback files from a folder. Applied files move to
// processed/<category>/, rejected ones to rejected/ next to a .reason.txt note.
type FeedbackInbox struct {
	root string
}

func NewFeedbackInbox(root string) (*FeedbackInbox, error) {
	if root == "" {
		root = "./data/feedback"
	}
	for _, dir := range []string{root, filepath.Join(root, ProcessedDir), filepath.Join(root, "rejected")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create feedback dir: %w", err)
		}
	}
	return &FeedbackInbox{root: root}, nil
}

func (b *FeedbackInbox) Root() string {
	return b.root
}

// Pending parses every supported file. The envelope key is the file name plus a hash of its
// content, so an edited file counts as new feedback.
func (b *FeedbackInbox) Pending(_ context.Context) ([]domain.FeedbackEnvelope, error) {
	entries, err := listFiles(b.root)
	if err != nil {
		return nil, fmt.Errorf("list feedback inbox: %w", err)
	}
	out := make([]domain.FeedbackEnvelope, 0, len(entries))
	for _, e := range entries {
		if !feedbackfile.Supported(e.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.root, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read feedback %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(raw)
		env := domain.FeedbackEnvelope{
			Key:  e.Name() + ":" + hex.EncodeToString(sum[:8]),
			Name: e.Name(),
		}
		env.Record, env.Err = feedbackfile.Parse(e.Name(), raw)
		out = append(out, env)
	}
	return out, nil
}

func (b *FeedbackInbox) Archive(_ context.Context, env domain.FeedbackEnvelope, category string) error {
	folder := "unassigned"
	if strings.TrimSpace(category) != "" {
		folder = textnorm.Slug(category)
	}
	return b.move(env.Name, filepath.Join(b.root, ProcessedDir, folder))
}

func (b *FeedbackInbox) Reject(_ context.Context, env domain.FeedbackEnvelope, reason string) error {
	dir := filepath.Join(b.root, "rejected")
	if err := b.move(env.Name, dir); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, env.Name+".reason.txt"), strings.NewReader(reason+"\n"))
}

func (b *FeedbackInbox) move(name, dir string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create feedback archive dir: %w", err)
	}
	dst := filepath.Join(dir, uniqueName(dir, name))
	if err := os.Rename(filepath.Join(b.root, name), dst); err != nil {
		return fmt.Errorf("move feedback %s: %w", name, err)
	}
	return nil
}
