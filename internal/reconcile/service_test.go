package reconcile_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"tally/internal/audit"
	"tally/internal/reconcile"
	"tally/internal/reconcile/store/memory"
	"tally/internal/reference"
	"tally/internal/roster"
	rostermemory "tally/internal/roster/store/memory"
	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/requestcontext"
)

// =============================================================================
// Reconciliation Service Test Suite
// =============================================================================
// Justification for unit tests: the admission gate, the decision policy side
// effects, and the manual review actions form the core state machine. The
// in-memory store emulates the same uniqueness constraints as Postgres, so
// the full lifecycle is exercised without a database.

type ServiceSuite struct {
	suite.Suite
	store    *memory.Store
	students *rostermemory.StudentStore
	codec    *reference.Codec
	service  *reconcile.Service
	cfg      reconcile.Config
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = memory.New()
	s.students = rostermemory.NewStudentStore()
	s.cfg = reconcile.DefaultConfig()

	var err error
	s.codec, err = reference.NewCodec("test-salt", "TLY")
	s.Require().NoError(err)

	engine, err := reconcile.NewEngine(
		s.store.Obligations(),
		roster.NewDirectory(s.students),
		s.codec,
		s.cfg,
	)
	s.Require().NoError(err)

	s.service, err = reconcile.NewService(s.store, engine, s.cfg)
	s.Require().NoError(err)
}

// paidAt is a fixed payment date so checksums and scores are reproducible.
var paidAt = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func (s *ServiceSuite) newStudent(name, code string) roster.Student {
	student := &roster.Student{
		ID:       domain.NewStudentID(),
		FullName: name,
		Code:     code,
	}
	s.Require().NoError(s.students.Insert(context.Background(), student))
	return *student
}

// newObligation seeds an obligation with its attempt-0 codec reference.
func (s *ServiceSuite) newObligation(student roster.Student, expected string) *reconcile.PaymentObligation {
	itemID := domain.NewItemID()
	ref, err := s.codec.Generate(itemID, student.ID, 0)
	s.Require().NoError(err)

	now := time.Now()
	obligation := &reconcile.PaymentObligation{
		ID:              domain.NewObligationID(),
		ItemID:          itemID,
		StudentID:       student.ID,
		Reference:       ref,
		ExpectedAmount:  decimal.RequireFromString(expected),
		Currency:        "NGN",
		AmountPaidTotal: decimal.Zero,
		Status:          reconcile.ObligationUnpaid,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.Require().NoError(s.store.Obligations().Insert(context.Background(), obligation))
	return obligation
}

func (s *ServiceSuite) events(txID domain.TransactionID) []audit.Event {
	events, err := s.store.EventStore().ListByTransaction(context.Background(), txID)
	s.Require().NoError(err)
	return events
}

func (s *ServiceSuite) actions(txID domain.TransactionID) []audit.Action {
	var out []audit.Action
	for _, event := range s.events(txID) {
		out = append(out, event.Action)
	}
	return out
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *ServiceSuite) TestNewService() {
	engine, err := reconcile.NewEngine(s.store.Obligations(), nil, s.codec, s.cfg)
	s.Require().NoError(err)

	s.Run("nil unit of work returns error", func() {
		_, err := reconcile.NewService(nil, engine, s.cfg)
		s.Error(err)
		s.Contains(err.Error(), "unit of work is required")
	})

	s.Run("nil engine returns error", func() {
		_, err := reconcile.NewService(s.store, nil, s.cfg)
		s.Error(err)
		s.Contains(err.Error(), "matching engine is required")
	})
}

// =============================================================================
// Admission Tests
// =============================================================================

func (s *ServiceSuite) TestAdmitValidation() {
	ctx := context.Background()

	s.Run("missing source is rejected", func() {
		_, err := s.service.Admit(ctx, reconcile.Candidate{
			Amount: decimal.NewFromInt(100),
			PaidAt: paidAt,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("non-positive amount is rejected", func() {
		_, err := s.service.Admit(ctx, reconcile.Candidate{
			Source: "flutterwave",
			Amount: decimal.Zero,
			PaidAt: paidAt,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("missing paid-at is rejected", func() {
		_, err := s.service.Admit(ctx, reconcile.Candidate{
			Source: "flutterwave",
			Amount: decimal.NewFromInt(100),
		})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *ServiceSuite) TestAdmitExactReferenceAutoApproves() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	res, err := s.service.Admit(ctx, reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-1001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(22000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	})
	s.Require().NoError(err)
	s.False(res.Idempotent)

	tx := res.Transaction
	s.Equal(reconcile.StatusApproved, tx.Status)
	s.True(tx.Confidence.Equal(decimal.NewFromInt(1)))
	s.Equal([]reconcile.Reason{reconcile.ReasonExactReference}, tx.Reasons)
	s.Require().NotNil(tx.MatchedObligationID)
	s.Equal(obligation.ID, *tx.MatchedObligationID)

	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.ObligationPaid, credited.Status)
	s.True(credited.AmountPaidTotal.Equal(decimal.NewFromInt(22000)))

	match, err := s.store.Matches().Best(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.DecisionApproved, match.Decision)

	s.Equal([]audit.Action{
		audit.ActionTransactionIngested,
		audit.ActionTransactionApproved,
	}, s.actions(tx.ID))
}

func (s *ServiceSuite) TestAdmitDeliveryIdempotency() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	candidate := reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-2001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(22000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	}

	first, err := s.service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.False(first.Idempotent)

	second, err := s.service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.True(second.Idempotent)
	s.Equal(first.Transaction.ID, second.Transaction.ID)
	s.Equal(reconcile.StatusApproved, second.Transaction.Status)

	// No new state: the obligation was credited exactly once and the audit
	// trail did not grow.
	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.True(credited.AmountPaidTotal.Equal(decimal.NewFromInt(22000)))
	s.Len(s.events(first.Transaction.ID), 2)
}

func (s *ServiceSuite) TestAdmitContentDuplicate() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	candidate := reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-3001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(22000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	}
	first, err := s.service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.Equal(reconcile.StatusApproved, first.Transaction.Status)

	// Same content under a fresh event id is a second report of the same
	// real-world payment.
	candidate.SourceEventID = "evt-3002"
	second, err := s.service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.False(second.Idempotent)

	dup := second.Transaction
	s.Equal(reconcile.StatusDuplicate, dup.Status)
	s.Require().NotNil(dup.DuplicateOf)
	s.Equal(first.Transaction.ID, *dup.DuplicateOf)

	// The duplicate is never credited.
	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.True(credited.AmountPaidTotal.Equal(decimal.NewFromInt(22000)))

	s.Equal([]audit.Action{audit.ActionTransactionDuplicate}, s.actions(dup.ID))
}

func (s *ServiceSuite) TestAdmitNoCandidatesUnmatched() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	s.newObligation(student, "22000")

	res, err := s.service.Admit(ctx, reconcile.Candidate{
		Source:    reconcile.SourceStatementUpload,
		Reference: "NO-SUCH-REF",
		Amount:    decimal.NewFromInt(137),
		PaidAt:    paidAt,
		PayerName: "Unknown Payer",
	})
	s.Require().NoError(err)

	tx := res.Transaction
	s.Equal(reconcile.StatusUnmatched, tx.Status)
	s.Nil(tx.MatchedObligationID)

	_, err = s.store.Matches().Best(ctx, tx.ID)
	s.Error(err)

	s.Equal([]audit.Action{
		audit.ActionTransactionIngested,
		audit.ActionTransactionUnmatched,
	}, s.actions(tx.ID))
}

func (s *ServiceSuite) TestAdmitAmbiguousEscalates() {
	ctx := context.Background()
	a := s.newStudent("Amina Yusuf", "STD-001")
	b := s.newStudent("Bola Adeyemi", "STD-002")
	s.newObligation(a, "5000")
	s.newObligation(b, "5000")

	res, err := s.service.Admit(ctx, reconcile.Candidate{
		Source:    reconcile.SourceStatementUpload,
		Amount:    decimal.NewFromInt(5000),
		PaidAt:    paidAt,
		PayerName: "Cash Deposit",
	})
	s.Require().NoError(err)

	tx := res.Transaction
	s.Equal(reconcile.StatusNeedsReview, tx.Status)
	s.Contains(tx.Reasons, reconcile.ReasonAmbiguousCandidate)

	exception, err := s.store.Exceptions().GetByTransaction(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.ExceptionOpen, exception.Status)

	events := s.events(tx.ID)
	s.Require().Len(events, 2)
	s.Equal(audit.ActionTransactionEscalated, events[1].Action)
	s.Equal("ambiguous candidates", events[1].Detail)
}

func (s *ServiceSuite) TestAdmitOverpayWithheld() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "5000")

	// Partially credit so a full payment would overshoot.
	err := s.store.Obligations().Credit(ctx, obligation.ID,
		decimal.NewFromInt(4000), reconcile.ObligationPartiallyPaid)
	s.Require().NoError(err)

	res, err := s.service.Admit(ctx, reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-4001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(5000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	})
	s.Require().NoError(err)

	tx := res.Transaction
	s.Equal(reconcile.StatusNeedsReview, tx.Status)

	// The exact reference matched, but the credit was withheld.
	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.True(credited.AmountPaidTotal.Equal(decimal.NewFromInt(4000)))

	events := s.events(tx.ID)
	s.Require().Len(events, 2)
	s.Equal("credit would exceed expected amount", events[1].Detail)
}

// =============================================================================
// Manual Action Tests
// =============================================================================

// admitForReview sets up one needs_review transaction via a single
// amount-plus-hint candidate.
func (s *ServiceSuite) admitForReview(student roster.Student, obligation *reconcile.PaymentObligation, eventID string) *reconcile.PaymentTransaction {
	res, err := s.service.Admit(context.Background(), reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: eventID,
		Amount:        obligation.ExpectedAmount,
		PaidAt:        paidAt,
		PayerName:     "John Doe",
		StudentHint:   &student.ID,
	})
	s.Require().NoError(err)
	s.Require().Equal(reconcile.StatusNeedsReview, res.Transaction.Status)
	return res.Transaction
}

func (s *ServiceSuite) TestApprove() {
	ctx := requestcontext.WithActor(context.Background(), "bursar@school")
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "8000")
	tx := s.admitForReview(student, obligation, "evt-5001")

	updated, err := s.service.Approve(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.StatusApproved, updated.Status)
	s.Require().NotNil(updated.MatchedObligationID)
	s.Equal(obligation.ID, *updated.MatchedObligationID)

	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.ObligationPaid, credited.Status)

	exception, err := s.store.Exceptions().GetByTransaction(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.ExceptionResolved, exception.Status)
	s.Equal("bursar@school", exception.ResolvedBy)

	events := s.events(tx.ID)
	s.Require().Len(events, 3)
	s.Equal(audit.ActionTransactionApproved, events[2].Action)
	s.Equal("bursar@school", events[2].Actor)
}

func (s *ServiceSuite) TestApproveTerminalConflicts() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "8000")
	tx := s.admitForReview(student, obligation, "evt-5002")

	_, err := s.service.Approve(ctx, tx.ID)
	s.Require().NoError(err)

	// Re-deciding a terminal transaction is refused, not repeated.
	_, err = s.service.Approve(ctx, tx.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.True(credited.AmountPaidTotal.Equal(decimal.NewFromInt(8000)))
}

func (s *ServiceSuite) TestApproveOverpayConflicts() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "8000")
	tx := s.admitForReview(student, obligation, "evt-5003")

	err := s.store.Obligations().Credit(ctx, obligation.ID,
		decimal.NewFromInt(7000), reconcile.ObligationPartiallyPaid)
	s.Require().NoError(err)

	_, err = s.service.Approve(ctx, tx.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Contains(err.Error(), "overpay")
}

func (s *ServiceSuite) TestApproveNotFound() {
	_, err := s.service.Approve(context.Background(), domain.NewTransactionID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestReject() {
	ctx := requestcontext.WithActor(context.Background(), "bursar@school")
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "8000")
	tx := s.admitForReview(student, obligation, "evt-6001")

	updated, err := s.service.Reject(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.StatusRejected, updated.Status)

	// No ledger effect.
	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.True(credited.AmountPaidTotal.IsZero())

	match, err := s.store.Matches().Best(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.DecisionRejected, match.Decision)

	exception, err := s.store.Exceptions().GetByTransaction(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.ExceptionResolved, exception.Status)
}

func (s *ServiceSuite) TestRequestStudentConfirmation() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "8000")
	tx := s.admitForReview(student, obligation, "evt-7001")

	updated, err := s.service.RequestStudentConfirmation(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.StatusNeedsStudentConfirmation, updated.Status)

	// The review item stays open while confirmation is pending.
	exception, err := s.store.Exceptions().GetByTransaction(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.ExceptionOpen, exception.Status)

	s.Run("only needs_review can be parked", func() {
		_, err := s.service.RequestStudentConfirmation(ctx, tx.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("approval still works from confirmation", func() {
		approved, err := s.service.Approve(ctx, tx.ID)
		s.Require().NoError(err)
		s.Equal(reconcile.StatusApproved, approved.Status)
	})
}

func (s *ServiceSuite) TestMergeDuplicates() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	candidate := reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-8001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(22000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	}
	primary, err := s.service.Admit(ctx, candidate)
	s.Require().NoError(err)

	candidate.SourceEventID = "evt-8002"
	dup, err := s.service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.Require().Equal(reconcile.StatusDuplicate, dup.Transaction.Status)

	merged, err := s.service.MergeDuplicates(ctx, dup.Transaction.ID, primary.Transaction.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.StatusDuplicate, merged.Status)
	s.Require().NotNil(merged.MatchedObligationID)
	s.Equal(obligation.ID, *merged.MatchedObligationID)
	s.Require().NotNil(merged.DuplicateOf)
	s.Equal(primary.Transaction.ID, *merged.DuplicateOf)

	// Merging is bookkeeping; the obligation keeps a single credit.
	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.True(credited.AmountPaidTotal.Equal(decimal.NewFromInt(22000)))

	s.Run("non-duplicate cannot be merged", func() {
		_, err := s.service.MergeDuplicates(ctx, primary.Transaction.ID, dup.Transaction.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("primary without obligation is refused", func() {
		res, err := s.service.Admit(ctx, reconcile.Candidate{
			Source:    reconcile.SourceStatementUpload,
			Reference: "NO-SUCH-REF",
			Amount:    decimal.NewFromInt(321),
			PaidAt:    paidAt,
		})
		s.Require().NoError(err)
		s.Require().Equal(reconcile.StatusUnmatched, res.Transaction.Status)

		_, err = s.service.MergeDuplicates(ctx, dup.Transaction.ID, res.Transaction.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

// =============================================================================
// Rematch Tests
// =============================================================================

func (s *ServiceSuite) TestRematchAfterProvisioning() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")

	// Admitted before any obligation exists.
	itemID := domain.NewItemID()
	ref, err := s.codec.Generate(itemID, student.ID, 0)
	s.Require().NoError(err)

	res, err := s.service.Admit(ctx, reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-9001",
		Reference:     ref,
		Amount:        decimal.NewFromInt(15000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	})
	s.Require().NoError(err)
	s.Require().Equal(reconcile.StatusUnmatched, res.Transaction.Status)

	// The obligation arrives late with the same reference.
	now := time.Now()
	obligation := &reconcile.PaymentObligation{
		ID:              domain.NewObligationID(),
		ItemID:          itemID,
		StudentID:       student.ID,
		Reference:       ref,
		ExpectedAmount:  decimal.NewFromInt(15000),
		Currency:        "NGN",
		AmountPaidTotal: decimal.Zero,
		Status:          reconcile.ObligationUnpaid,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.Require().NoError(s.store.Obligations().Insert(ctx, obligation))

	transitioned, err := s.service.Rematch(ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, transitioned)

	tx, err := s.service.Get(ctx, res.Transaction.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.StatusApproved, tx.Status)

	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.ObligationPaid, credited.Status)

	events := s.events(tx.ID)
	s.Require().Len(events, 3)
	s.Equal(audit.ActionTransactionApproved, events[2].Action)
	s.Equal("rematch", events[2].Detail)

	s.Run("second pass finds nothing", func() {
		transitioned, err := s.service.Rematch(ctx, 10)
		s.Require().NoError(err)
		s.Zero(transitioned)
	})
}

// =============================================================================
// Read Model Tests
// =============================================================================

func (s *ServiceSuite) TestGetNotFound() {
	_, err := s.service.Get(context.Background(), domain.NewTransactionID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestSummary() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	_, err := s.service.Admit(ctx, reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-a001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(22000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	})
	s.Require().NoError(err)

	_, err = s.service.Admit(ctx, reconcile.Candidate{
		Source:    reconcile.SourceStatementUpload,
		Reference: "NO-SUCH-REF",
		Amount:    decimal.NewFromInt(111),
		PaidAt:    paidAt,
	})
	s.Require().NoError(err)

	summary, err := s.service.Summary(ctx)
	s.Require().NoError(err)
	s.Equal(2, summary.Total)
	s.Equal(1, summary.ByStatus[reconcile.StatusApproved])
	s.Equal(1, summary.ByStatus[reconcile.StatusUnmatched])
}

// =============================================================================
// Recent-Event Cache Tests
// =============================================================================

type fakeCache struct {
	mu   sync.Mutex
	seen map[string]bool
	hits int
}

func newFakeCache() *fakeCache {
	return &fakeCache{seen: make(map[string]bool)}
}

func (c *fakeCache) Seen(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[key] {
		c.hits++
		return true, nil
	}
	return false, nil
}

func (c *fakeCache) Remember(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = true
	return nil
}

func (s *ServiceSuite) TestReplayFastPath() {
	ctx := context.Background()
	cache := newFakeCache()

	engine, err := reconcile.NewEngine(
		s.store.Obligations(),
		roster.NewDirectory(s.students),
		s.codec,
		s.cfg,
	)
	s.Require().NoError(err)
	service, err := reconcile.NewService(s.store, engine, s.cfg,
		reconcile.WithRecentCache(cache))
	s.Require().NoError(err)

	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	candidate := reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-b001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(22000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	}
	first, err := service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.False(first.Idempotent)

	second, err := service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.True(second.Idempotent)
	s.Equal(first.Transaction.ID, second.Transaction.ID)
	s.Equal(1, cache.hits)
}

// =============================================================================
// Concurrency Guard Tests
// =============================================================================

// fillingUnitOfWork runs fill once, right before the next unit of work,
// simulating a concurrent admission landing between matching and the write
// transaction.
type fillingUnitOfWork struct {
	inner reconcile.UnitOfWork
	fill  func()
}

func (u *fillingUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context, st reconcile.Stores) error) error {
	if u.fill != nil {
		fill := u.fill
		u.fill = nil
		fill()
	}
	return u.inner.RunInTx(ctx, fn)
}

func (s *ServiceSuite) TestAdmitWithholdsCreditWhenObligationFillsConcurrently() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	uow := &fillingUnitOfWork{inner: s.store}
	uow.fill = func() {
		s.Require().NoError(s.store.Obligations().Credit(ctx, obligation.ID,
			decimal.NewFromInt(22000), reconcile.ObligationPaid))
	}
	engine, err := reconcile.NewEngine(
		s.store.Obligations(),
		roster.NewDirectory(s.students),
		s.codec,
		s.cfg,
	)
	s.Require().NoError(err)
	service, err := reconcile.NewService(uow, engine, s.cfg)
	s.Require().NoError(err)

	// Matching saw the obligation unpaid; by the time the write transaction
	// runs another admission has filled it. The credit must be withheld.
	res, err := service.Admit(ctx, reconcile.Candidate{
		Source:    reconcile.SourceStatementUpload,
		Reference: obligation.Reference,
		Amount:    decimal.NewFromInt(22000),
		PaidAt:    paidAt,
		PayerName: "Amina Yusuf",
	})
	s.Require().NoError(err)

	tx := res.Transaction
	s.Equal(reconcile.StatusNeedsReview, tx.Status)

	// Exactly one credit landed; the paid total never passed the expected
	// amount.
	credited, err := s.store.Obligations().Get(ctx, obligation.ID)
	s.Require().NoError(err)
	s.True(credited.AmountPaidTotal.Equal(decimal.NewFromInt(22000)))
	s.Equal(reconcile.ObligationPaid, credited.Status)

	match, err := s.store.Matches().Best(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.DecisionPending, match.Decision)

	exception, err := s.store.Exceptions().GetByTransaction(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.ExceptionOpen, exception.Status)

	events := s.events(tx.ID)
	s.Require().Len(events, 2)
	s.Equal(audit.ActionTransactionEscalated, events[1].Action)
	s.Equal("credit would exceed expected amount", events[1].Detail)
}

// countingObligationStore counts pool reads so tests can assert when
// matching work happens.
type countingObligationStore struct {
	reconcile.ObligationStore
	reads atomic.Int32
}

func (c *countingObligationStore) ListOpen(ctx context.Context) ([]*reconcile.PaymentObligation, error) {
	c.reads.Add(1)
	return c.ObligationStore.ListOpen(ctx)
}

func (c *countingObligationStore) ListOpenByAmount(ctx context.Context, amount, tolerance decimal.Decimal) ([]*reconcile.PaymentObligation, error) {
	c.reads.Add(1)
	return c.ObligationStore.ListOpenByAmount(ctx, amount, tolerance)
}

func (c *countingObligationStore) ListByStudent(ctx context.Context, studentID domain.StudentID) ([]*reconcile.PaymentObligation, error) {
	c.reads.Add(1)
	return c.ObligationStore.ListByStudent(ctx, studentID)
}

func (c *countingObligationStore) ListByItem(ctx context.Context, itemID domain.ItemID) ([]*reconcile.PaymentObligation, error) {
	c.reads.Add(1)
	return c.ObligationStore.ListByItem(ctx, itemID)
}

func (s *ServiceSuite) TestReplayedDeliverySkipsMatching() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	pool := &countingObligationStore{ObligationStore: s.store.Obligations()}
	engine, err := reconcile.NewEngine(pool, roster.NewDirectory(s.students), s.codec, s.cfg)
	s.Require().NoError(err)
	service, err := reconcile.NewService(s.store, engine, s.cfg)
	s.Require().NoError(err)

	candidate := reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-c001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(22000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	}
	first, err := service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.False(first.Idempotent)
	afterFirst := pool.reads.Load()
	s.Positive(afterFirst)

	// A replayed delivery is answered from storage before any pool reads.
	second, err := service.Admit(ctx, candidate)
	s.Require().NoError(err)
	s.True(second.Idempotent)
	s.Equal(first.Transaction.ID, second.Transaction.ID)
	s.Equal(afterFirst, pool.reads.Load())
}

// =============================================================================
// Audit Publisher Tests
// =============================================================================

func (s *ServiceSuite) TestAuditEventsFlowThroughPublisher() {
	ctx := context.Background()
	engine, err := reconcile.NewEngine(
		s.store.Obligations(),
		roster.NewDirectory(s.students),
		s.codec,
		s.cfg,
	)
	s.Require().NoError(err)
	service, err := reconcile.NewService(s.store, engine, s.cfg,
		reconcile.WithAuditPublisher(audit.NewPublisher(s.store.EventStore())))
	s.Require().NoError(err)

	student := s.newStudent("Amina Yusuf", "STD-001")
	obligation := s.newObligation(student, "22000")

	res, err := service.Admit(ctx, reconcile.Candidate{
		Source:        "flutterwave",
		SourceEventID: "evt-d001",
		Reference:     obligation.Reference,
		Amount:        decimal.NewFromInt(22000),
		PaidAt:        paidAt,
		PayerName:     "Amina Yusuf",
	})
	s.Require().NoError(err)
	s.Equal(reconcile.StatusApproved, res.Transaction.Status)

	events := s.events(res.Transaction.ID)
	s.Require().Len(events, 2)
	for _, event := range events {
		s.False(event.Timestamp.IsZero())
	}
}
