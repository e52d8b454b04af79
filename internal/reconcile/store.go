package reconcile

import (
	"context"

	"github.com/shopspring/decimal"

	"tally/internal/audit"
	"tally/internal/roster"
	"tally/pkg/domain"
)

// TransactionStore persists payment transactions. Insert must be rejected
// with sentinel.ErrConflict when the (source, source_event_id) or checksum
// uniqueness constraint is violated; that conflict is how concurrent admits
// serialize.
type TransactionStore interface {
	Insert(ctx context.Context, tx *PaymentTransaction) error
	Get(ctx context.Context, id domain.TransactionID) (*PaymentTransaction, error)
	GetBySourceEvent(ctx context.Context, source Source, eventID string) (*PaymentTransaction, error)
	GetByChecksum(ctx context.Context, checksum string) (*PaymentTransaction, error)
	// UpdateDecision persists the evolving fields only: status, matched
	// obligation, confidence, reasons, duplicate link. Identifying fields
	// never change after insert.
	UpdateDecision(ctx context.Context, tx *PaymentTransaction) error
	ListByStatus(ctx context.Context, status TransactionStatus, limit int) ([]*PaymentTransaction, error)
	StatusCounts(ctx context.Context) (map[TransactionStatus]int, error)
}

// ObligationStore persists payment obligations.
type ObligationStore interface {
	Insert(ctx context.Context, obligation *PaymentObligation) error
	Get(ctx context.Context, id domain.ObligationID) (*PaymentObligation, error)
	// GetForUpdate reads the obligation with a row lock held for the rest of
	// the current unit of work, so credit decisions run against committed
	// state rather than a pre-transaction snapshot.
	GetForUpdate(ctx context.Context, id domain.ObligationID) (*PaymentObligation, error)
	GetByReference(ctx context.Context, reference string) (*PaymentObligation, error)
	// ListOpen returns obligations that can still accept credit
	// (unpaid and partially paid).
	ListOpen(ctx context.Context) ([]*PaymentObligation, error)
	ListOpenByAmount(ctx context.Context, amount, tolerance decimal.Decimal) ([]*PaymentObligation, error)
	ListByStudent(ctx context.Context, studentID domain.StudentID) ([]*PaymentObligation, error)
	ListByItem(ctx context.Context, itemID domain.ItemID) ([]*PaymentObligation, error)
	// Credit adds amount to the obligation's paid total and sets the
	// recomputed status in the same write.
	Credit(ctx context.Context, id domain.ObligationID, amount decimal.Decimal, status ObligationStatus) error
}

// MatchStore persists candidate pairings.
type MatchStore interface {
	Insert(ctx context.Context, match *PaymentMatch) error
	Get(ctx context.Context, id domain.MatchID) (*PaymentMatch, error)
	ListByTransaction(ctx context.Context, txID domain.TransactionID) ([]*PaymentMatch, error)
	// Best returns the highest-confidence match for a transaction, or
	// sentinel.ErrNotFound when none exists.
	Best(ctx context.Context, txID domain.TransactionID) (*PaymentMatch, error)
	UpdateDecision(ctx context.Context, id domain.MatchID, decision MatchDecision) error
}

// ExceptionFilter narrows exception listings.
type ExceptionFilter struct {
	Assignee string
	Status   ExceptionStatus
	Student  *domain.StudentID
	Reason   Reason
}

// ExceptionStore persists human review work items.
type ExceptionStore interface {
	Insert(ctx context.Context, exception *Exception) error
	Get(ctx context.Context, id domain.ExceptionID) (*Exception, error)
	GetByTransaction(ctx context.Context, txID domain.TransactionID) (*Exception, error)
	// Resolve closes the exception. Resolving an already-resolved exception
	// returns sentinel.ErrInvalidState so bulk actions can treat it as a
	// no-op rather than an error.
	Resolve(ctx context.Context, id domain.ExceptionID, actor string) error
	List(ctx context.Context, filter ExceptionFilter) ([]*Exception, error)
}

// Stores bundles the per-entity stores participating in one unit of work.
type Stores interface {
	Transactions() TransactionStore
	Obligations() ObligationStore
	Matches() MatchStore
	Exceptions() ExceptionStore
	Events() audit.Appender
}

// UnitOfWork executes fn atomically: either every write inside fn commits
// or none do. The context handed to fn carries the transaction; store calls
// inside fn must use it. Storage conflicts surface to the caller
// uncommitted.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// Directory exposes known student identities for payer-name matching.
type Directory interface {
	Students(ctx context.Context) ([]roster.Student, error)
}

// RecentCache is an advisory fast path over recently admitted event ids.
// Purely an optimization: the storage uniqueness constraint remains the
// correctness boundary, so a cold or unavailable cache only costs a lookup.
type RecentCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}
