// Package worker ships committed audit events from the outbox to the event
// stream. The engine itself never blocks on Kafka: events commit with their
// unit of work and this worker drains them afterwards.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"tally/internal/audit"
)

// Sink receives serialized audit events. Production uses KafkaSink; tests
// use a recording fake.
type Sink interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// KafkaSink publishes audit events to a Kafka topic.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink builds a sink over an existing franz-go client.
func NewKafkaSink(client *kgo.Client, topic string) *KafkaSink {
	return &KafkaSink{client: client, topic: topic}
}

// Publish produces one record synchronously, keyed by transaction id so all
// events for a transaction land in one partition, in order.
func (s *KafkaSink) Publish(ctx context.Context, key string, payload []byte) error {
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(key),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Worker drains unpublished audit events to the sink on an interval.
type Worker struct {
	store     audit.Store
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval overrides the drain interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize overrides how many events are drained per pass.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New constructs a Worker.
func New(store audit.Store, sink Sink, opts ...Option) *Worker {
	w := &Worker{
		store:     store,
		sink:      sink,
		interval:  2 * time.Second,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the outbox until the context is cancelled. Publish failures for
// a pass are logged and retried on the next tick; events are only marked
// published after the sink accepts them.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Drain(ctx); err != nil && w.logger != nil {
				w.logger.ErrorContext(ctx, "audit outbox drain failed", "error", err)
			}
		}
	}
}

// Drain performs one outbox pass. Exported so tests and shutdown paths can
// force a flush.
func (w *Worker) Drain(ctx context.Context) error {
	events, err := w.store.ListUnpublished(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("list unpublished: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	shipped := make([]uuid.UUID, 0, len(events))
	for _, event := range events {
		payload, err := json.Marshal(wirePayload(event))
		if err != nil {
			return fmt.Errorf("marshal audit event %s: %w", event.ID, err)
		}
		if err := w.sink.Publish(ctx, event.TransactionID.String(), payload); err != nil {
			// Ship what succeeded so far; the rest retries next tick.
			break
		}
		shipped = append(shipped, event.ID)
	}

	if len(shipped) == 0 {
		return nil
	}
	return w.store.MarkPublished(ctx, shipped)
}

type payload struct {
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	Actor         string `json:"actor"`
	Action        string `json:"action"`
	TransactionID string `json:"transaction_id"`
	MatchID       string `json:"match_id,omitempty"`
	ObligationID  string `json:"obligation_id,omitempty"`
	Detail        string `json:"detail,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

func wirePayload(event audit.Event) payload {
	p := payload{
		ID:            event.ID.String(),
		Timestamp:     event.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:         event.Actor,
		Action:        string(event.Action),
		TransactionID: event.TransactionID.String(),
		Detail:        event.Detail,
		RequestID:     event.RequestID,
	}
	if event.MatchID != nil {
		p.MatchID = event.MatchID.String()
	}
	if event.ObligationID != nil {
		p.ObligationID = event.ObligationID.String()
	}
	return p
}
