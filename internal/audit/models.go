// Package audit records reconciliation events: one immutable entry per
// transaction state transition, carrying the actor, the action, and the
// affected transaction and match. Events are append-only; nothing in the
// engine mutates or deletes them.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tally/pkg/domain"
)

// Action names a state transition or resolution step.
type Action string

const (
	ActionTransactionIngested   Action = "transaction_ingested"
	ActionTransactionDuplicate  Action = "transaction_duplicate"
	ActionTransactionUnmatched  Action = "transaction_unmatched"
	ActionTransactionApproved   Action = "transaction_approved"
	ActionTransactionRejected   Action = "transaction_rejected"
	ActionTransactionEscalated  Action = "transaction_escalated"
	ActionStudentConfirmation   Action = "student_confirmation_requested"
	ActionDuplicateMerged       Action = "duplicate_merged"
	ActionObligationProvisioned Action = "obligation_provisioned"
)

// Event is one reconciliation audit entry. Keep it transport-agnostic so
// stores and sinks can fan out.
type Event struct {
	ID            uuid.UUID
	Timestamp     time.Time
	Actor         string
	Action        Action
	TransactionID domain.TransactionID
	MatchID       *domain.MatchID
	ObligationID  *domain.ObligationID
	Detail        string
	RequestID     string
}

// Appender is the write-side contract services depend on. Implemented by
// both stores, so events append inside the caller's unit of work.
type Appender interface {
	Append(ctx context.Context, event Event) error
}

// Store persists events and exposes the outbox surface for the Kafka worker.
type Store interface {
	Appender
	ListByTransaction(ctx context.Context, txID domain.TransactionID) ([]Event, error)
	// ListUnpublished returns events not yet shipped to the event stream,
	// oldest first.
	ListUnpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}
