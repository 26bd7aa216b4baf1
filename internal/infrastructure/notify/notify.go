// Package notify combines event sinks behind ports.Notifier.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
)

type Noop struct{}

func (Noop) Notify(context.Context, domain.EventKind, map[string]any) error { return nil }

// Log writes every event as a structured log line.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, kind domain.EventKind, payload map[string]any) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, len(payload)*2)
	for k, v := range payload {
		attrs = append(attrs, k, v)
	}
	logger.InfoContext(ctx, string(kind), attrs...)
	return nil
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []ports.Notifier

func (f Fanout) Notify(ctx context.Context, kind domain.EventKind, payload map[string]any) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
