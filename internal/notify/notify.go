// Package notify publishes build completion records to Kafka so downstream
// consumers (dashboards, CI gates) learn about finished invocations without
// polling the store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/buildlog-io/buildlog/internal/invocation"
	"github.com/buildlog-io/buildlog/internal/metrics"
)

// writeTimeout bounds one publish; the caller is on the stream teardown path
// and must not hang on a slow broker.
const writeTimeout = 5 * time.Second

// Message is the completion record published per finished invocation.
type Message struct {
	InvocationID string     `json:"invocation_id"`
	Status       string     `json:"status"`
	Command      string     `json:"command,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`
}

// producer is the slice of kafka.Writer the notifier uses, extracted so
// tests can capture messages without a broker.
type producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier publishes completion records. A nil Notifier is valid and
// publishes nothing, so callers need no enabled check.
type Notifier struct {
	writer producer
	reg    *metrics.Registry
	logger *slog.Logger
}

// New creates a notifier publishing to topic on the given brokers. Messages
// are keyed by invocation id so replays for one invocation stay ordered
// within a partition. A nil logger falls back to slog.Default.
func New(brokers []string, topic string, reg *metrics.Registry, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           writeTimeout,
	}

	return &Notifier{
		writer: w,
		reg:    reg,
		logger: logger,
	}
}

// BuildFinished publishes a completion record for inv. Publishing is best
// effort: failures are counted and logged, never surfaced to the stream.
func (n *Notifier) BuildFinished(ctx context.Context, inv *invocation.Invocation) {
	if n == nil || inv == nil {
		return
	}

	msg := Message{
		InvocationID: inv.ID,
		Status:       string(inv.Status),
		Command:      inv.Command,
		StartedAt:    inv.Start,
		FinishedAt:   inv.End,
	}
	if inv.End != nil {
		msg.DurationMS = inv.End.Sub(inv.Start).Milliseconds()
	}

	value, err := json.Marshal(msg)
	if err != nil {
		n.fail(inv.ID, err)
		return
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(inv.ID),
		Value: value,
	})
	if err != nil {
		n.fail(inv.ID, err)
		return
	}

	n.reg.NotifyTotal.WithLabelValues("sent").Inc()
}

func (n *Notifier) fail(invocationID string, err error) {
	n.reg.NotifyTotal.WithLabelValues("error").Inc()
	n.logger.Warn("Completion notification failed",
		slog.String("invocation_id", invocationID),
		slog.String("error", err.Error()))
}

// Close flushes and closes the underlying writer.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}

	if err := n.writer.Close(); err != nil {
		return fmt.Errorf("close notifier: %w", err)
	}

	return nil
}
