// Package postgres persists reconcile entities in PostgreSQL and provides
// the unit of work that admission and manual actions run inside. Uniqueness
// of (source, source_event_id) and of checksum among non-duplicate rows is
// enforced by partial unique indexes, so concurrent admits serialize in the
// database rather than in the application.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	auditpg "tally/internal/audit/store/postgres"
	"tally/internal/audit"
	"tally/internal/reconcile"
	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/sentinel"
	txcontext "tally/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// Store implements reconcile.Stores and reconcile.UnitOfWork on PostgreSQL.
type Store struct {
	db     *sql.DB
	events *auditpg.Store
}

// New creates a PostgreSQL-backed reconcile store.
func New(db *sql.DB) *Store {
	return &Store{db: db, events: auditpg.New(db)}
}

// RunInTx opens a transaction, hands fn a context carrying it, and commits
// when fn succeeds. The rollback in the deferred path is a no-op after
// commit.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, st reconcile.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTxTimeout)
		defer cancel()
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, dbtx), s); err != nil {
		return err
	}
	return dbtx.Commit()
}

// Transactions implements reconcile.Stores.
func (s *Store) Transactions() reconcile.TransactionStore { return &transactionStore{s} }

// Obligations implements reconcile.Stores.
func (s *Store) Obligations() reconcile.ObligationStore { return &obligationStore{s} }

// Matches implements reconcile.Stores.
func (s *Store) Matches() reconcile.MatchStore { return &matchStore{s} }

// Exceptions implements reconcile.Stores.
func (s *Store) Exceptions() reconcile.ExceptionStore { return &exceptionStore{s} }

// Events implements reconcile.Stores.
func (s *Store) Events() audit.Appender { return s.events }

// EventStore exposes the backing audit store for the outbox worker and the
// audit trail reads.
func (s *Store) EventStore() *auditpg.Store { return s.events }

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const transactionColumns = `
	id, source, source_event_id, reference, amount, payer_name, paid_at,
	checksum, status, matched_obligation_id, confidence, reasons,
	duplicate_of, student_hint, item_hint, created_at, updated_at
`

type transactionStore struct{ s *Store }

// Insert writes one transaction. ON CONFLICT DO NOTHING covers both the
// source-event and the checksum unique indexes; zero rows affected means a
// concurrent admit won the race and the caller re-runs its duplicate check.
func (t *transactionStore) Insert(ctx context.Context, tx *reconcile.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT DO NOTHING
	`
	res, err := t.s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(tx.ID),
		string(tx.Source),
		tx.SourceEventID,
		tx.Reference,
		tx.Amount,
		tx.PayerName,
		tx.PaidAt,
		tx.Checksum,
		string(tx.Status),
		obligationIDValue(tx.MatchedObligationID),
		tx.Confidence,
		pq.Array(reasonsToStrings(tx.Reasons)),
		transactionIDValue(tx.DuplicateOf),
		studentIDValue(tx.StudentHint),
		itemIDValue(tx.ItemHint),
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert transaction rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("transaction uniqueness violated: %w", sentinel.ErrConflict)
	}
	return nil
}

func (t *transactionStore) Get(ctx context.Context, id domain.TransactionID) (*reconcile.PaymentTransaction, error) {
	row := t.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`,
		uuid.UUID(id),
	)
	return scanTransaction(row)
}

func (t *transactionStore) GetBySourceEvent(ctx context.Context, source reconcile.Source, eventID string) (*reconcile.PaymentTransaction, error) {
	row := t.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE source = $1 AND source_event_id = $2`,
		string(source), eventID,
	)
	return scanTransaction(row)
}

// GetByChecksum returns the non-duplicate holder of a checksum, the winner a
// later content duplicate links to.
func (t *transactionStore) GetByChecksum(ctx context.Context, checksum string) (*reconcile.PaymentTransaction, error) {
	row := t.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE checksum = $1 AND status <> 'duplicate'`,
		checksum,
	)
	return scanTransaction(row)
}

func (t *transactionStore) UpdateDecision(ctx context.Context, tx *reconcile.PaymentTransaction) error {
	if err := reconcile.ValidateReasons(tx.Reasons); err != nil {
		return err
	}
	query := `
		UPDATE payment_transactions
		SET status = $2, matched_obligation_id = $3, confidence = $4,
		    reasons = $5, duplicate_of = $6, updated_at = $7
		WHERE id = $1
	`
	res, err := t.s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(tx.ID),
		string(tx.Status),
		obligationIDValue(tx.MatchedObligationID),
		tx.Confidence,
		pq.Array(reasonsToStrings(tx.Reasons)),
		transactionIDValue(tx.DuplicateOf),
		tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transaction rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("transaction not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (t *transactionStore) ListByStatus(ctx context.Context, status reconcile.TransactionStatus, limit int) ([]*reconcile.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.s.execer(ctx).QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions by status: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func (t *transactionStore) StatusCounts(ctx context.Context) (map[reconcile.TransactionStatus]int, error) {
	rows, err := t.s.execer(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM payment_transactions GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("count transactions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[reconcile.TransactionStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[reconcile.TransactionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

const obligationColumns = `
	id, item_id, student_id, reference, expected_amount, currency, due_date,
	amount_paid_total, status, created_at, updated_at
`

type obligationStore struct{ s *Store }

func (o *obligationStore) Insert(ctx context.Context, obligation *reconcile.PaymentObligation) error {
	query := `
		INSERT INTO payment_obligations (` + obligationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`
	res, err := o.s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(obligation.ID),
		uuid.UUID(obligation.ItemID),
		uuid.UUID(obligation.StudentID),
		obligation.Reference,
		obligation.ExpectedAmount,
		obligation.Currency,
		nullableTime(obligation.DueDate),
		obligation.AmountPaidTotal,
		string(obligation.Status),
		obligation.CreatedAt,
		obligation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert obligation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert obligation rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("obligation uniqueness violated: %w", sentinel.ErrConflict)
	}
	return nil
}

func (o *obligationStore) Get(ctx context.Context, id domain.ObligationID) (*reconcile.PaymentObligation, error) {
	row := o.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM payment_obligations WHERE id = $1`,
		uuid.UUID(id),
	)
	return scanObligation(row)
}

func (o *obligationStore) GetForUpdate(ctx context.Context, id domain.ObligationID) (*reconcile.PaymentObligation, error) {
	row := o.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM payment_obligations WHERE id = $1 FOR UPDATE`,
		uuid.UUID(id),
	)
	return scanObligation(row)
}

func (o *obligationStore) GetByReference(ctx context.Context, reference string) (*reconcile.PaymentObligation, error) {
	row := o.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+obligationColumns+` FROM payment_obligations WHERE reference = $1`,
		reconcile.NormalizeReference(reference),
	)
	return scanObligation(row)
}

func (o *obligationStore) ListOpen(ctx context.Context) ([]*reconcile.PaymentObligation, error) {
	return o.list(ctx,
		`SELECT `+obligationColumns+` FROM payment_obligations WHERE status <> 'paid' ORDER BY id ASC`,
	)
}

func (o *obligationStore) ListOpenByAmount(ctx context.Context, amount, tolerance decimal.Decimal) ([]*reconcile.PaymentObligation, error) {
	return o.list(ctx,
		`SELECT `+obligationColumns+` FROM payment_obligations
		 WHERE status <> 'paid' AND ABS(expected_amount - $1) <= $2
		 ORDER BY id ASC`,
		amount, tolerance,
	)
}

func (o *obligationStore) ListByStudent(ctx context.Context, studentID domain.StudentID) ([]*reconcile.PaymentObligation, error) {
	return o.list(ctx,
		`SELECT `+obligationColumns+` FROM payment_obligations WHERE status <> 'paid' AND student_id = $1 ORDER BY id ASC`,
		uuid.UUID(studentID),
	)
}

func (o *obligationStore) ListByItem(ctx context.Context, itemID domain.ItemID) ([]*reconcile.PaymentObligation, error) {
	return o.list(ctx,
		`SELECT `+obligationColumns+` FROM payment_obligations WHERE status <> 'paid' AND item_id = $1 ORDER BY id ASC`,
		uuid.UUID(itemID),
	)
}

func (o *obligationStore) Credit(ctx context.Context, id domain.ObligationID, amount decimal.Decimal, status reconcile.ObligationStatus) error {
	query := `
		UPDATE payment_obligations
		SET amount_paid_total = amount_paid_total + $2, status = $3, updated_at = NOW()
		WHERE id = $1
	`
	res, err := o.s.execer(ctx).ExecContext(ctx, query, uuid.UUID(id), amount, string(status))
	if err != nil {
		return fmt.Errorf("credit obligation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit obligation rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("obligation not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (o *obligationStore) list(ctx context.Context, query string, args ...any) ([]*reconcile.PaymentObligation, error) {
	rows, err := o.s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list obligations: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.PaymentObligation
	for rows.Next() {
		obligation, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obligation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate obligations: %w", err)
	}
	return out, nil
}

const matchColumns = `
	id, transaction_id, obligation_id, confidence, reasons, decision,
	created_at, updated_at
`

type matchStore struct{ s *Store }

func (m *matchStore) Insert(ctx context.Context, match *reconcile.PaymentMatch) error {
	if err := reconcile.ValidateReasons(match.Reasons); err != nil {
		return err
	}
	query := `
		INSERT INTO payment_matches (` + matchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := m.s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(match.ID),
		uuid.UUID(match.TransactionID),
		uuid.UUID(match.ObligationID),
		match.Confidence,
		pq.Array(reasonsToStrings(match.Reasons)),
		string(match.Decision),
		match.CreatedAt,
		match.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (m *matchStore) Get(ctx context.Context, id domain.MatchID) (*reconcile.PaymentMatch, error) {
	row := m.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM payment_matches WHERE id = $1`,
		uuid.UUID(id),
	)
	return scanMatch(row)
}

func (m *matchStore) ListByTransaction(ctx context.Context, txID domain.TransactionID) ([]*reconcile.PaymentMatch, error) {
	rows, err := m.s.execer(ctx).QueryContext(ctx,
		`SELECT `+matchColumns+` FROM payment_matches WHERE transaction_id = $1 ORDER BY confidence DESC, id ASC`,
		uuid.UUID(txID),
	)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.PaymentMatch
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return out, nil
}

func (m *matchStore) Best(ctx context.Context, txID domain.TransactionID) (*reconcile.PaymentMatch, error) {
	row := m.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM payment_matches WHERE transaction_id = $1 ORDER BY confidence DESC, id ASC LIMIT 1`,
		uuid.UUID(txID),
	)
	return scanMatch(row)
}

func (m *matchStore) UpdateDecision(ctx context.Context, id domain.MatchID, decision reconcile.MatchDecision) error {
	res, err := m.s.execer(ctx).ExecContext(ctx,
		`UPDATE payment_matches SET decision = $2, updated_at = NOW() WHERE id = $1`,
		uuid.UUID(id), string(decision),
	)
	if err != nil {
		return fmt.Errorf("update match decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update match rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("match not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

const exceptionColumns = `
	id, match_id, transaction_id, status, assignee, created_at, resolved_at,
	resolved_by
`

type exceptionStore struct{ s *Store }

func (e *exceptionStore) Insert(ctx context.Context, exception *reconcile.Exception) error {
	query := `
		INSERT INTO recon_exceptions (` + exceptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := e.s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(exception.ID),
		uuid.UUID(exception.MatchID),
		uuid.UUID(exception.TransactionID),
		string(exception.Status),
		exception.Assignee,
		exception.CreatedAt,
		exception.ResolvedAt,
		exception.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("insert exception: %w", err)
	}
	return nil
}

func (e *exceptionStore) Get(ctx context.Context, id domain.ExceptionID) (*reconcile.Exception, error) {
	row := e.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+exceptionColumns+` FROM recon_exceptions WHERE id = $1`,
		uuid.UUID(id),
	)
	return scanException(row)
}

func (e *exceptionStore) GetByTransaction(ctx context.Context, txID domain.TransactionID) (*reconcile.Exception, error) {
	row := e.s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+exceptionColumns+` FROM recon_exceptions WHERE transaction_id = $1 ORDER BY created_at DESC LIMIT 1`,
		uuid.UUID(txID),
	)
	return scanException(row)
}

// Resolve closes an open exception. The status predicate makes concurrent
// resolutions race safely: the loser sees zero rows and gets
// ErrInvalidState instead of double-closing.
func (e *exceptionStore) Resolve(ctx context.Context, id domain.ExceptionID, actor string) error {
	res, err := e.s.execer(ctx).ExecContext(ctx,
		`UPDATE recon_exceptions SET status = 'resolved', resolved_at = NOW(), resolved_by = $2 WHERE id = $1 AND status = 'open'`,
		uuid.UUID(id), actor,
	)
	if err != nil {
		return fmt.Errorf("resolve exception: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve exception rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var status string
	err = e.s.execer(ctx).QueryRowContext(ctx,
		`SELECT status FROM recon_exceptions WHERE id = $1`, uuid.UUID(id),
	).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("exception not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check exception status: %w", err)
	}
	return fmt.Errorf("exception already resolved: %w", sentinel.ErrInvalidState)
}

func (e *exceptionStore) List(ctx context.Context, filter reconcile.ExceptionFilter) ([]*reconcile.Exception, error) {
	query := `
		SELECT e.id, e.match_id, e.transaction_id, e.status, e.assignee,
		       e.created_at, e.resolved_at, e.resolved_by
		FROM recon_exceptions e
		JOIN payment_transactions t ON t.id = e.transaction_id
		LEFT JOIN payment_matches m ON m.id = e.match_id
		LEFT JOIN payment_obligations o ON o.id = m.obligation_id
		WHERE ($1 = '' OR e.status = $1)
		  AND ($2 = '' OR e.assignee = $2)
		  AND ($3::uuid IS NULL OR o.student_id = $3 OR t.student_hint = $3)
		  AND ($4 = '' OR $4 = ANY(t.reasons))
		ORDER BY e.created_at ASC
	`
	rows, err := e.s.execer(ctx).QueryContext(ctx, query,
		string(filter.Status),
		filter.Assignee,
		studentIDValue(filter.Student),
		string(filter.Reason),
	)
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	defer rows.Close()

	var out []*reconcile.Exception
	for rows.Next() {
		exception, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exception)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exceptions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*reconcile.PaymentTransaction, error) {
	var (
		tx                  reconcile.PaymentTransaction
		id                  uuid.UUID
		source, status      string
		matchedObligationID uuid.NullUUID
		duplicateOf         uuid.NullUUID
		studentHint         uuid.NullUUID
		itemHint            uuid.NullUUID
		reasons             []string
	)
	err := row.Scan(
		&id, &source, &tx.SourceEventID, &tx.Reference, &tx.Amount,
		&tx.PayerName, &tx.PaidAt, &tx.Checksum, &status,
		&matchedObligationID, &tx.Confidence, pq.Array(&reasons),
		&duplicateOf, &studentHint, &itemHint, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	tx.ID = domain.TransactionID(id)
	tx.Source = reconcile.Source(source)
	tx.Status = reconcile.TransactionStatus(status)
	tx.Reasons = stringsToReasons(reasons)
	if matchedObligationID.Valid {
		oid := domain.ObligationID(matchedObligationID.UUID)
		tx.MatchedObligationID = &oid
	}
	if duplicateOf.Valid {
		did := domain.TransactionID(duplicateOf.UUID)
		tx.DuplicateOf = &did
	}
	if studentHint.Valid {
		sid := domain.StudentID(studentHint.UUID)
		tx.StudentHint = &sid
	}
	if itemHint.Valid {
		iid := domain.ItemID(itemHint.UUID)
		tx.ItemHint = &iid
	}
	return &tx, nil
}

func scanObligation(row rowScanner) (*reconcile.PaymentObligation, error) {
	var (
		obligation         reconcile.PaymentObligation
		id, itemID, studID uuid.UUID
		status             string
		dueDate            sql.NullTime
	)
	err := row.Scan(
		&id, &itemID, &studID, &obligation.Reference,
		&obligation.ExpectedAmount, &obligation.Currency, &dueDate,
		&obligation.AmountPaidTotal, &status, &obligation.CreatedAt,
		&obligation.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("obligation not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan obligation: %w", err)
	}

	obligation.ID = domain.ObligationID(id)
	obligation.ItemID = domain.ItemID(itemID)
	obligation.StudentID = domain.StudentID(studID)
	obligation.Status = reconcile.ObligationStatus(status)
	if dueDate.Valid {
		obligation.DueDate = dueDate.Time
	}
	return &obligation, nil
}

func scanMatch(row rowScanner) (*reconcile.PaymentMatch, error) {
	var (
		match            reconcile.PaymentMatch
		id, txID, oblID  uuid.UUID
		decision         string
		reasons          []string
	)
	err := row.Scan(
		&id, &txID, &oblID, &match.Confidence, pq.Array(&reasons),
		&decision, &match.CreatedAt, &match.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("match not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan match: %w", err)
	}

	match.ID = domain.MatchID(id)
	match.TransactionID = domain.TransactionID(txID)
	match.ObligationID = domain.ObligationID(oblID)
	match.Decision = reconcile.MatchDecision(decision)
	match.Reasons = stringsToReasons(reasons)
	return &match, nil
}

func scanException(row rowScanner) (*reconcile.Exception, error) {
	var (
		exception       reconcile.Exception
		id, mID, txID   uuid.UUID
		status          string
		resolvedAt      sql.NullTime
	)
	err := row.Scan(
		&id, &mID, &txID, &status, &exception.Assignee,
		&exception.CreatedAt, &resolvedAt, &exception.ResolvedBy,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("exception not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan exception: %w", err)
	}

	exception.ID = domain.ExceptionID(id)
	exception.MatchID = domain.MatchID(mID)
	exception.TransactionID = domain.TransactionID(txID)
	exception.Status = reconcile.ExceptionStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		exception.ResolvedAt = &t
	}
	return &exception, nil
}

func reasonsToStrings(reasons []reconcile.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

func stringsToReasons(raw []string) []reconcile.Reason {
	if len(raw) == 0 {
		return nil
	}
	out := make([]reconcile.Reason, len(raw))
	for i, r := range raw {
		out[i] = reconcile.Reason(r)
	}
	return out
}

func obligationIDValue(id *domain.ObligationID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*id), Valid: true}
}

func transactionIDValue(id *domain.TransactionID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*id), Valid: true}
}

func studentIDValue(id *domain.StudentID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*id), Valid: true}
}

func itemIDValue(id *domain.ItemID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*id), Valid: true}
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
