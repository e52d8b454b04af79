// Package postgres persists audit events using a transactional outbox:
// events insert in the caller's unit of work and the outbox worker ships
// unpublished rows to the event stream afterwards.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"tally/internal/audit"
	"tally/pkg/domain"
	txcontext "tally/pkg/platform/tx"
)

// Store implements audit.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts one audit event. Runs inside the caller's transaction when
// one is carried in context, so the event commits atomically with the state
// transition it records.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	var matchID, obligationID *uuid.UUID
	if event.MatchID != nil {
		mid := uuid.UUID(*event.MatchID)
		matchID = &mid
	}
	if event.ObligationID != nil {
		oid := uuid.UUID(*event.ObligationID)
		obligationID = &oid
	}

	query := `
		INSERT INTO recon_events (
			id, ts, actor, action, transaction_id, match_id, obligation_id,
			detail, request_id, published
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.Actor,
		string(event.Action),
		uuid.UUID(event.TransactionID),
		matchID,
		obligationID,
		event.Detail,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByTransaction returns the audit trail for one transaction, oldest
// first.
func (s *Store) ListByTransaction(ctx context.Context, txID domain.TransactionID) ([]audit.Event, error) {
	query := `
		SELECT id, ts, actor, action, transaction_id, match_id, obligation_id,
		       detail, request_id
		FROM recon_events
		WHERE transaction_id = $1
		ORDER BY ts ASC
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, uuid.UUID(txID))
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListUnpublished returns events the outbox worker has not shipped yet.
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]audit.Event, error) {
	query := `
		SELECT id, ts, actor, action, transaction_id, match_id, obligation_id,
		       detail, request_id
		FROM recon_events
		WHERE NOT published
		ORDER BY ts ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unpublished audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkPublished flags events as shipped.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE recon_events SET published = TRUE WHERE id = ANY($1)`,
		pq.Array(raw),
	)
	if err != nil {
		return fmt.Errorf("mark audit events published: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event        audit.Event
			action       string
			txID         uuid.UUID
			matchID      *uuid.UUID
			obligationID *uuid.UUID
		)
		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.Actor,
			&action,
			&txID,
			&matchID,
			&obligationID,
			&event.Detail,
			&event.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Action = audit.Action(action)
		event.TransactionID = domain.TransactionID(txID)
		if matchID != nil {
			mid := domain.MatchID(*matchID)
			event.MatchID = &mid
		}
		if obligationID != nil {
			oid := domain.ObligationID(*obligationID)
			event.ObligationID = &oid
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
