// Package memory provides an in-memory implementation of the reconcile
// stores and unit of work for tests and development. Uniqueness constraints
// are emulated so the admission gate behaves exactly as it does over
// Postgres; units of work are serialized, not rolled back.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/audit"
	auditmemory "tally/internal/audit/store/memory"
	"tally/internal/reconcile"
	"tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

// Store holds all reconcile entities in memory and acts as its own unit of
// work.
type Store struct {
	mu sync.RWMutex

	transactions  map[domain.TransactionID]*reconcile.PaymentTransaction
	bySourceEvent map[string]domain.TransactionID
	byChecksum    map[string]domain.TransactionID

	obligations map[domain.ObligationID]*reconcile.PaymentObligation
	byReference map[string]domain.ObligationID

	matches    map[domain.MatchID]*reconcile.PaymentMatch
	exceptions map[domain.ExceptionID]*reconcile.Exception

	events *auditmemory.Store

	// txMu serializes units of work so concurrent admits race on the
	// uniqueness maps the same way they race on database constraints.
	txMu sync.Mutex
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		transactions:  make(map[domain.TransactionID]*reconcile.PaymentTransaction),
		bySourceEvent: make(map[string]domain.TransactionID),
		byChecksum:    make(map[string]domain.TransactionID),
		obligations:   make(map[domain.ObligationID]*reconcile.PaymentObligation),
		byReference:   make(map[string]domain.ObligationID),
		matches:       make(map[domain.MatchID]*reconcile.PaymentMatch),
		exceptions:    make(map[domain.ExceptionID]*reconcile.Exception),
		events:        auditmemory.New(),
	}
}

// RunInTx serializes fn against all other units of work. There is no
// rollback emulation: a failing fn may leave earlier writes applied, which
// matches what tests need from the happy and conflict paths.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, st reconcile.Stores) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s)
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

// EventStore exposes the backing audit store for assertions and for wiring
// the publisher worker in tests.
func (s *Store) EventStore() *auditmemory.Store { return s.events }

func sourceEventKey(source reconcile.Source, eventID string) string {
	return string(source) + ":" + eventID
}

type transactionStore struct{ s *Store }

func (t *transactionStore) Insert(_ context.Context, tx *reconcile.PaymentTransaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if tx.SourceEventID != "" {
		key := sourceEventKey(tx.Source, tx.SourceEventID)
		if _, exists := t.s.bySourceEvent[key]; exists {
			return fmt.Errorf("source event already admitted: %w", sentinel.ErrConflict)
		}
	}
	// Checksum uniqueness holds among non-duplicate rows only; duplicate
	// rows deliberately share the winner's checksum for the audit trail.
	if tx.Status != reconcile.StatusDuplicate {
		if _, exists := t.s.byChecksum[tx.Checksum]; exists {
			return fmt.Errorf("checksum already admitted: %w", sentinel.ErrConflict)
		}
	}

	stored := cloneTransaction(tx)
	t.s.transactions[tx.ID] = stored
	if tx.SourceEventID != "" {
		t.s.bySourceEvent[sourceEventKey(tx.Source, tx.SourceEventID)] = tx.ID
	}
	if tx.Status != reconcile.StatusDuplicate {
		t.s.byChecksum[tx.Checksum] = tx.ID
	}
	return nil
}

func (t *transactionStore) Get(_ context.Context, id domain.TransactionID) (*reconcile.PaymentTransaction, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tx, ok := t.s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction not found: %w", sentinel.ErrNotFound)
	}
	return cloneTransaction(tx), nil
}

func (t *transactionStore) GetBySourceEvent(_ context.Context, source reconcile.Source, eventID string) (*reconcile.PaymentTransaction, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.bySourceEvent[sourceEventKey(source, eventID)]
	if !ok {
		return nil, fmt.Errorf("source event not found: %w", sentinel.ErrNotFound)
	}
	return cloneTransaction(t.s.transactions[id]), nil
}

func (t *transactionStore) GetByChecksum(_ context.Context, checksum string) (*reconcile.PaymentTransaction, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.byChecksum[checksum]
	if !ok {
		return nil, fmt.Errorf("checksum not found: %w", sentinel.ErrNotFound)
	}
	return cloneTransaction(t.s.transactions[id]), nil
}

func (t *transactionStore) UpdateDecision(_ context.Context, tx *reconcile.PaymentTransaction) error {
	if err := reconcile.ValidateReasons(tx.Reasons); err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	stored, ok := t.s.transactions[tx.ID]
	if !ok {
		return fmt.Errorf("transaction not found: %w", sentinel.ErrNotFound)
	}
	stored.Status = tx.Status
	stored.MatchedObligationID = tx.MatchedObligationID
	stored.Confidence = tx.Confidence
	stored.Reasons = append([]reconcile.Reason(nil), tx.Reasons...)
	stored.DuplicateOf = tx.DuplicateOf
	stored.UpdatedAt = tx.UpdatedAt
	return nil
}

func (t *transactionStore) ListByStatus(_ context.Context, status reconcile.TransactionStatus, limit int) ([]*reconcile.PaymentTransaction, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []*reconcile.PaymentTransaction
	for _, tx := range t.s.transactions {
		if tx.Status == status {
			out = append(out, cloneTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *transactionStore) StatusCounts(_ context.Context) (map[reconcile.TransactionStatus]int, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	counts := make(map[reconcile.TransactionStatus]int)
	for _, tx := range t.s.transactions {
		counts[tx.Status]++
	}
	return counts, nil
}

type obligationStore struct{ s *Store }

func (o *obligationStore) Insert(_ context.Context, obligation *reconcile.PaymentObligation) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	ref := reconcile.NormalizeReference(obligation.Reference)
	if _, exists := o.s.byReference[ref]; exists {
		return fmt.Errorf("obligation reference already exists: %w", sentinel.ErrConflict)
	}
	o.s.obligations[obligation.ID] = cloneObligation(obligation)
	o.s.byReference[ref] = obligation.ID
	return nil
}

func (o *obligationStore) Get(_ context.Context, id domain.ObligationID) (*reconcile.PaymentObligation, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	obligation, ok := o.s.obligations[id]
	if !ok {
		return nil, fmt.Errorf("obligation not found: %w", sentinel.ErrNotFound)
	}
	return cloneObligation(obligation), nil
}

// GetForUpdate is Get: units of work are already serialized by txMu, so the
// read is as fresh as a locked row read would be.
func (o *obligationStore) GetForUpdate(ctx context.Context, id domain.ObligationID) (*reconcile.PaymentObligation, error) {
	return o.Get(ctx, id)
}

func (o *obligationStore) GetByReference(_ context.Context, reference string) (*reconcile.PaymentObligation, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	id, ok := o.s.byReference[reconcile.NormalizeReference(reference)]
	if !ok {
		return nil, fmt.Errorf("obligation not found: %w", sentinel.ErrNotFound)
	}
	return cloneObligation(o.s.obligations[id]), nil
}

func (o *obligationStore) ListOpen(_ context.Context) ([]*reconcile.PaymentObligation, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.collect(func(ob *reconcile.PaymentObligation) bool {
		return ob.Status != reconcile.ObligationPaid
	}), nil
}

func (o *obligationStore) ListOpenByAmount(_ context.Context, amount, tolerance decimal.Decimal) ([]*reconcile.PaymentObligation, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.collect(func(ob *reconcile.PaymentObligation) bool {
		return ob.Status != reconcile.ObligationPaid &&
			ob.ExpectedAmount.Sub(amount).Abs().Cmp(tolerance) <= 0
	}), nil
}

func (o *obligationStore) ListByStudent(_ context.Context, studentID domain.StudentID) ([]*reconcile.PaymentObligation, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.collect(func(ob *reconcile.PaymentObligation) bool {
		return ob.Status != reconcile.ObligationPaid && ob.StudentID == studentID
	}), nil
}

func (o *obligationStore) ListByItem(_ context.Context, itemID domain.ItemID) ([]*reconcile.PaymentObligation, error) {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.collect(func(ob *reconcile.PaymentObligation) bool {
		return ob.Status != reconcile.ObligationPaid && ob.ItemID == itemID
	}), nil
}

func (o *obligationStore) Credit(_ context.Context, id domain.ObligationID, amount decimal.Decimal, status reconcile.ObligationStatus) error {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	obligation, ok := o.s.obligations[id]
	if !ok {
		return fmt.Errorf("obligation not found: %w", sentinel.ErrNotFound)
	}
	obligation.AmountPaidTotal = obligation.AmountPaidTotal.Add(amount)
	obligation.Status = status
	obligation.UpdatedAt = time.Now()
	return nil
}

// collect assumes the caller holds at least a read lock.
func (o *obligationStore) collect(keep func(*reconcile.PaymentObligation) bool) []*reconcile.PaymentObligation {
	var out []*reconcile.PaymentObligation
	for _, ob := range o.s.obligations {
		if keep(ob) {
			out = append(out, cloneObligation(ob))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

type matchStore struct{ s *Store }

func (m *matchStore) Insert(_ context.Context, match *reconcile.PaymentMatch) error {
	if err := reconcile.ValidateReasons(match.Reasons); err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.matches[match.ID] = cloneMatch(match)
	return nil
}

func (m *matchStore) Get(_ context.Context, id domain.MatchID) (*reconcile.PaymentMatch, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	match, ok := m.s.matches[id]
	if !ok {
		return nil, fmt.Errorf("match not found: %w", sentinel.ErrNotFound)
	}
	return cloneMatch(match), nil
}

func (m *matchStore) ListByTransaction(_ context.Context, txID domain.TransactionID) ([]*reconcile.PaymentMatch, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return m.byTransaction(txID), nil
}

func (m *matchStore) Best(_ context.Context, txID domain.TransactionID) (*reconcile.PaymentMatch, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	matches := m.byTransaction(txID)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no match for transaction: %w", sentinel.ErrNotFound)
	}
	return matches[0], nil
}

func (m *matchStore) UpdateDecision(_ context.Context, id domain.MatchID, decision reconcile.MatchDecision) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	match, ok := m.s.matches[id]
	if !ok {
		return fmt.Errorf("match not found: %w", sentinel.ErrNotFound)
	}
	match.Decision = decision
	match.UpdatedAt = time.Now()
	return nil
}

// byTransaction assumes the caller holds at least a read lock. Results come
// back confidence-descending with id tiebreak, so index 0 is the best match.
func (m *matchStore) byTransaction(txID domain.TransactionID) []*reconcile.PaymentMatch {
	var out []*reconcile.PaymentMatch
	for _, match := range m.s.matches {
		if match.TransactionID == txID {
			out = append(out, cloneMatch(match))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Confidence.Cmp(out[j].Confidence); cmp != 0 {
			return cmp > 0
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

type exceptionStore struct{ s *Store }

func (e *exceptionStore) Insert(_ context.Context, exception *reconcile.Exception) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.s.exceptions[exception.ID] = cloneException(exception)
	return nil
}

func (e *exceptionStore) Get(_ context.Context, id domain.ExceptionID) (*reconcile.Exception, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	exception, ok := e.s.exceptions[id]
	if !ok {
		return nil, fmt.Errorf("exception not found: %w", sentinel.ErrNotFound)
	}
	return cloneException(exception), nil
}

func (e *exceptionStore) GetByTransaction(_ context.Context, txID domain.TransactionID) (*reconcile.Exception, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	for _, exception := range e.s.exceptions {
		if exception.TransactionID == txID {
			return cloneException(exception), nil
		}
	}
	return nil, fmt.Errorf("exception not found: %w", sentinel.ErrNotFound)
}

func (e *exceptionStore) Resolve(_ context.Context, id domain.ExceptionID, actor string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	exception, ok := e.s.exceptions[id]
	if !ok {
		return fmt.Errorf("exception not found: %w", sentinel.ErrNotFound)
	}
	if exception.Status == reconcile.ExceptionResolved {
		return fmt.Errorf("exception already resolved: %w", sentinel.ErrInvalidState)
	}
	now := time.Now()
	exception.Status = reconcile.ExceptionResolved
	exception.ResolvedAt = &now
	exception.ResolvedBy = actor
	return nil
}

func (e *exceptionStore) List(_ context.Context, filter reconcile.ExceptionFilter) ([]*reconcile.Exception, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	var out []*reconcile.Exception
	for _, exception := range e.s.exceptions {
		if e.matches(exception, filter) {
			out = append(out, cloneException(exception))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// matches assumes the caller holds at least a read lock.
func (e *exceptionStore) matches(exception *reconcile.Exception, filter reconcile.ExceptionFilter) bool {
	if filter.Status != "" && exception.Status != filter.Status {
		return false
	}
	if filter.Assignee != "" && exception.Assignee != filter.Assignee {
		return false
	}
	if filter.Student == nil && filter.Reason == "" {
		return true
	}

	tx, ok := e.s.transactions[exception.TransactionID]
	if !ok {
		return false
	}
	if filter.Reason != "" && !containsReason(tx.Reasons, filter.Reason) {
		return false
	}
	if filter.Student != nil {
		return e.transactionConcernsStudent(exception, tx, *filter.Student)
	}
	return true
}

// transactionConcernsStudent resolves the student behind a review item via
// the candidate obligation, falling back to the structural hint.
func (e *exceptionStore) transactionConcernsStudent(exception *reconcile.Exception, tx *reconcile.PaymentTransaction, studentID domain.StudentID) bool {
	if match, ok := e.s.matches[exception.MatchID]; ok {
		if obligation, ok := e.s.obligations[match.ObligationID]; ok {
			return obligation.StudentID == studentID
		}
	}
	return tx.StudentHint != nil && *tx.StudentHint == studentID
}

func containsReason(reasons []reconcile.Reason, want reconcile.Reason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func cloneTransaction(tx *reconcile.PaymentTransaction) *reconcile.PaymentTransaction {
	out := *tx
	out.Reasons = append([]reconcile.Reason(nil), tx.Reasons...)
	return &out
}

func cloneObligation(o *reconcile.PaymentObligation) *reconcile.PaymentObligation {
	out := *o
	return &out
}

func cloneMatch(m *reconcile.PaymentMatch) *reconcile.PaymentMatch {
	out := *m
	out.Reasons = append([]reconcile.Reason(nil), m.Reasons...)
	return &out
}

func cloneException(e *reconcile.Exception) *reconcile.Exception {
	out := *e
	return &out
}
