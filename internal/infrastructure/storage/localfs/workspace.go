package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

const (
	IntakeDir     = "intake"
	ProcessingDir = "processing"
	ProcessedDir  = "processed"
	DeadLetterDir = "dead_letter"
)

// Workspace moves document files through the folder lifecycle:
//
//	intake/ -> processing/ -> processed/<job id>/   (finalized)
//	                      \-> dead_letter/           (with a <file>.json diagnostic)
//	                      \-> intake/                (returned)
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = "./data/workspace"
	}
	for _, dir := range []string{IntakeDir, ProcessingDir, ProcessedDir, DeadLetterDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return &Workspace{root: root}, nil
}

func (w *Workspace) Dir(name string) string {
	return filepath.Join(w.root, name)
}

func (w *Workspace) PendingIntake(_ context.Context) ([]string, error) {
	entries, err := listFiles(w.Dir(IntakeDir))
	if err != nil {
		return nil, fmt.Errorf("list intake: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Claim moves an intake file into processing/ and returns its new path and size.
func (w *Workspace) Claim(_ context.Context, name string) (string, int64, error) {
	if err := validName(name); err != nil {
		return "", 0, err
	}
	src := filepath.Join(w.Dir(IntakeDir), name)
	dst := filepath.Join(w.Dir(ProcessingDir), name)
	if _, err := os.Stat(dst); err == nil {
		return "", 0, domain.WrapError(domain.ErrInvalidInput, "claim intake file", fmt.Errorf("%s is already being processed", name))
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", 0, domain.WrapError(domain.ErrDocumentNotFound, "claim intake file", err)
		}
		return "", 0, fmt.Errorf("claim intake file: %w", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return "", 0, fmt.Errorf("stat claimed file: %w", err)
	}
	return dst, info.Size(), nil
}

func (w *Workspace) ReturnToIntake(_ context.Context, job *domain.Job) error {
	dir := w.Dir(IntakeDir)
	if _, err := os.Stat(job.SourcePath); errors.Is(err, fs.ErrNotExist) {
		if _, err := os.Stat(filepath.Join(dir, job.SourceName)); err == nil {
			return nil
		}
		return domain.WrapError(domain.ErrDocumentNotFound, "return to intake", err)
	}
	dst := filepath.Join(dir, uniqueName(dir, job.SourceName))
	if err := os.Rename(job.SourcePath, dst); err != nil {
		return fmt.Errorf("return to intake: %w", err)
	}
	job.SourcePath = dst
	return nil
}

// DeadLetter parks the source next to a JSON diagnostic. The diagnostic is written even when
// the source is already gone.
func (w *Workspace) DeadLetter(_ context.Context, job *domain.Job, record domain.DeadLetterRecord) error {
	dir := w.Dir(DeadLetterDir)
	name := uniqueName(dir, job.ID+"_"+job.SourceName)
	dst := filepath.Join(dir, name)

	var moveErr error
	if err := os.Rename(job.SourcePath, dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		moveErr = fmt.Errorf("move to dead letter: %w", err)
	}

	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Join(moveErr, fmt.Errorf("encode dead letter record: %w", err))
	}
	if err := writeAtomic(dst+".json", strings.NewReader(string(raw))); err != nil {
		return errors.Join(moveErr, fmt.Errorf("write dead letter record: %w", err))
	}
	return moveErr
}

// Archive keeps the source of a finalized job under processed/<job id>/ for reanalysis.
func (w *Workspace) Archive(_ context.Context, job *domain.Job) (string, error) {
	dir := filepath.Join(w.Dir(ProcessedDir), job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(dir, job.SourceName)
	if err := os.Rename(job.SourcePath, dst); err != nil {
		return "", fmt.Errorf("archive source: %w", err)
	}
	job.SourcePath = dst
	return dst, nil
}

// Restore copies an archived source back into intake under a reanalysis_ name and returns it.
func (w *Workspace) Restore(_ context.Context, documentID, sourceName string) (string, error) {
	if err := validName(documentID); err != nil {
		return "", err
	}
	if err := validName(sourceName); err != nil {
		return "", err
	}
	src, err := os.Open(filepath.Join(w.Dir(ProcessedDir), documentID, sourceName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.WrapError(domain.ErrDocumentNotFound, "restore archived source", err)
		}
		return "", fmt.Errorf("restore archived source: %w", err)
	}
	defer src.Close()

	dir := w.Dir(IntakeDir)
	name := uniqueName(dir, "reanalysis_"+sourceName)
	if err := writeAtomic(filepath.Join(dir, name), src); err != nil {
		return "", fmt.Errorf("restore archived source: %w", err)
	}
	return name, nil
}

// RecoverInFlight moves files left in processing/ by a crash back into intake.
func (w *Workspace) RecoverInFlight(_ context.Context) ([]string, error) {
	entries, err := listFiles(w.Dir(ProcessingDir))
	if err != nil {
		return nil, fmt.Errorf("list processing: %w", err)
	}
	intake := w.Dir(IntakeDir)
	recovered := make([]string, 0, len(entries))
	for _, e := range entries {
		name := uniqueName(intake, e.Name())
		if err := os.Rename(filepath.Join(w.Dir(ProcessingDir), e.Name()), filepath.Join(intake, name)); err != nil {
			slog.Error("recover_in_flight_failed", "document", e.Name(), "error", err)
			continue
		}
		recovered = append(recovered, name)
	}
	return recovered, nil
}

func (w *Workspace) ListDeadLetters(_ context.Context) ([]domain.DeadLetterRecord, error) {
	entries, err := listFiles(w.Dir(DeadLetterDir))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]domain.DeadLetterRecord, 0)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(w.Dir(DeadLetterDir), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read dead letter %s: %w", e.Name(), err)
		}
		var rec domain.DeadLetterRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("dead_letter_record_unreadable", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return domain.WrapError(domain.ErrInvalidInput, "validate file name", fmt.Errorf("invalid name %q", name))
	}
	return nil
}

// uniqueName returns name, or name with a numeric suffix when dir already holds it.
func uniqueName(dir, name string) string {
	if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, fs.ErrNotExist) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := stem + "_" + strconv.Itoa(i) + ext
		if _, err := os.Stat(filepath.Join(dir, candidate)); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}
