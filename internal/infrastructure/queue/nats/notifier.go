package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/infrastructure/resilience"
)

// Notifier publishes lifecycle events as JSON on <prefix>.<event kind>.
type Notifier struct {
	conn     publisher
	prefix   string
	executor *resilience.Executor
	now      func() time.Time
}

func NewNotifier(conn *nats.Conn, prefix string, executor *resilience.Executor) *Notifier {
	if prefix == "" {
		prefix = "classifier.events"
	}
	return &Notifier{conn: conn, prefix: prefix, executor: executor, now: time.Now}
}

type eventEnvelope struct {
	Kind    domain.EventKind `json:"kind"`
	At      time.Time        `json:"at"`
	Payload map[string]any   `json:"payload"`
}

func (n *Notifier) Subject(kind domain.EventKind) string {
	return n.prefix + "." + string(kind)
}

func (n *Notifier) Notify(ctx context.Context, kind domain.EventKind, payload map[string]any) error {
	raw, err := json.Marshal(eventEnvelope{Kind: kind, At: n.now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	return publish(ctx, n.conn, n.executor, "nats.notify", n.Subject(kind), raw)
}
