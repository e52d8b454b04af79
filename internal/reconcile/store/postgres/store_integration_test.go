//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"tally/internal/audit"
	"tally/internal/reconcile"
	"tally/internal/reconcile/store/postgres"
	"tally/pkg/domain"
	"tally/pkg/platform/sentinel"
	"tally/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = postgres.New(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	// Truncate in dependency order
	err := s.postgres.TruncateTables(ctx,
		"recon_events", "recon_exceptions", "payment_matches",
		"payment_transactions", "payment_obligations")
	s.Require().NoError(err)
}

func newTestTransaction(eventID, checksum string) *reconcile.PaymentTransaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &reconcile.PaymentTransaction{
		ID:            domain.NewTransactionID(),
		Source:        "flutterwave",
		SourceEventID: eventID,
		Reference:     "TLY-TEST-REF",
		Amount:        decimal.NewFromInt(22000),
		PayerName:     "Amina Yusuf",
		PaidAt:        now,
		Checksum:      checksum,
		Status:        reconcile.StatusIngested,
		Confidence:    decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (s *PostgresStoreSuite) insertObligation(reference, expected string) *reconcile.PaymentObligation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	obligation := &reconcile.PaymentObligation{
		ID:              domain.NewObligationID(),
		ItemID:          domain.NewItemID(),
		StudentID:       domain.NewStudentID(),
		Reference:       reference,
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

// TestConcurrentInsertSameEvent verifies that concurrent inserts of the same
// delivery produce exactly one winner.
func (s *PostgresStoreSuite) TestConcurrentInsertSameEvent() {
	ctx := context.Background()
	const goroutines = 50

	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Distinct checksums so only the event constraint is in play.
			tx := newTestTransaction("evt-concurrent", "checksum-"+uuid.NewString())
			err := s.store.Transactions().Insert(ctx, tx)
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, sentinel.ErrConflict) {
				conflictCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one insert should win")
	s.Equal(int32(goroutines-1), conflictCount.Load(), "all others should conflict")

	found, err := s.store.Transactions().GetBySourceEvent(ctx, "flutterwave", "evt-concurrent")
	s.Require().NoError(err)
	s.Equal(reconcile.StatusIngested, found.Status)
}

func (s *PostgresStoreSuite) TestChecksumConstraint() {
	ctx := context.Background()

	winner := newTestTransaction("evt-c1", "shared-checksum")
	s.Require().NoError(s.store.Transactions().Insert(ctx, winner))

	s.Run("second non-duplicate conflicts", func() {
		err := s.store.Transactions().Insert(ctx, newTestTransaction("evt-c2", "shared-checksum"))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("duplicate row may share the checksum", func() {
		dup := newTestTransaction("evt-c3", "shared-checksum")
		dup.Status = reconcile.StatusDuplicate
		dup.DuplicateOf = &winner.ID
		s.Require().NoError(s.store.Transactions().Insert(ctx, dup))

		// Lookup still answers with the winner.
		found, err := s.store.Transactions().GetByChecksum(ctx, "shared-checksum")
		s.Require().NoError(err)
		s.Equal(winner.ID, found.ID)
	})

	s.Run("statement rows without event ids never conflict", func() {
		for i := 0; i < 3; i++ {
			tx := newTestTransaction("", "stmt-checksum-"+domain.NewTransactionID().String())
			tx.Source = reconcile.SourceStatementUpload
			s.Require().NoError(s.store.Transactions().Insert(ctx, tx))
		}
	})
}

func (s *PostgresStoreSuite) TestUnitOfWorkRollsBack() {
	ctx := context.Background()
	boom := errors.New("boom")

	tx := newTestTransaction("evt-rollback", "rollback-checksum")
	err := s.store.RunInTx(ctx, func(ctx context.Context, st reconcile.Stores) error {
		if err := st.Transactions().Insert(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.Transactions().Get(ctx, tx.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestTransactionDecisionRoundTrip() {
	ctx := context.Background()
	obligation := s.insertObligation("TLY-RT-0001", "22000")

	tx := newTestTransaction("evt-rt1", "rt-checksum")
	s.Require().NoError(s.store.Transactions().Insert(ctx, tx))

	tx.Status = reconcile.StatusApproved
	tx.MatchedObligationID = &obligation.ID
	tx.Confidence = decimal.NewFromInt(1)
	tx.Reasons = []reconcile.Reason{reconcile.ReasonExactReference}
	tx.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.Transactions().UpdateDecision(ctx, tx))

	found, err := s.store.Transactions().Get(ctx, tx.ID)
	s.Require().NoError(err)
	s.Equal(reconcile.StatusApproved, found.Status)
	s.Require().NotNil(found.MatchedObligationID)
	s.Equal(obligation.ID, *found.MatchedObligationID)
	s.True(found.Confidence.Equal(decimal.NewFromInt(1)))
	s.Equal([]reconcile.Reason{reconcile.ReasonExactReference}, found.Reasons)

	counts, err := s.store.Transactions().StatusCounts(ctx)
	s.Require().NoError(err)
	s.Equal(1, counts[reconcile.StatusApproved])
}

func (s *PostgresStoreSuite) TestObligationCreditAndOpenLists() {
	ctx := context.Background()
	obligation := s.insertObligation("TLY-CR-0001", "10000")

	s.Run("duplicate reference conflicts", func() {
		clone := *obligation
		clone.ID = domain.NewObligationID()
		clone.ItemID = domain.NewItemID()
		err := s.store.Obligations().Insert(ctx, &clone)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("same item and student pair conflicts", func() {
		clone := *obligation
		clone.ID = domain.NewObligationID()
		clone.Reference = "TLY-CR-0002"
		err := s.store.Obligations().Insert(ctx, &clone)
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("credit accumulates", func() {
		err := s.store.Obligations().Credit(ctx, obligation.ID,
			decimal.NewFromInt(4000), reconcile.ObligationPartiallyPaid)
		s.Require().NoError(err)

		credited, err := s.store.Obligations().Get(ctx, obligation.ID)
		s.Require().NoError(err)
		s.True(credited.AmountPaidTotal.Equal(decimal.NewFromInt(4000)))
		s.Equal(reconcile.ObligationPartiallyPaid, credited.Status)

		open, err := s.store.Obligations().ListOpenByAmount(ctx,
			decimal.NewFromInt(10000), decimal.RequireFromString("0.01"))
		s.Require().NoError(err)
		s.Len(open, 1)
	})

	s.Run("locked read sees in-transaction state", func() {
		errRollback := errors.New("rollback")
		err := s.store.RunInTx(ctx, func(ctx context.Context, st reconcile.Stores) error {
			locked, err := st.Obligations().GetForUpdate(ctx, obligation.ID)
			s.Require().NoError(err)
			s.True(locked.AmountPaidTotal.Equal(decimal.NewFromInt(4000)))

			if err := st.Obligations().Credit(ctx, obligation.ID,
				decimal.NewFromInt(1000), reconcile.ObligationPartiallyPaid); err != nil {
				return err
			}
			again, err := st.Obligations().GetForUpdate(ctx, obligation.ID)
			s.Require().NoError(err)
			s.True(again.AmountPaidTotal.Equal(decimal.NewFromInt(5000)))
			return errRollback
		})
		s.ErrorIs(err, errRollback)

		// The rollback discarded the extra credit.
		fresh, err := s.store.Obligations().Get(ctx, obligation.ID)
		s.Require().NoError(err)
		s.True(fresh.AmountPaidTotal.Equal(decimal.NewFromInt(4000)))
	})

	s.Run("paid obligations leave the open lists", func() {
		err := s.store.Obligations().Credit(ctx, obligation.ID,
			decimal.NewFromInt(6000), reconcile.ObligationPaid)
		s.Require().NoError(err)

		open, err := s.store.Obligations().ListOpen(ctx)
		s.Require().NoError(err)
		s.Empty(open)
	})

	s.Run("crediting a missing obligation fails", func() {
		err := s.store.Obligations().Credit(ctx, domain.NewObligationID(),
			decimal.NewFromInt(1), reconcile.ObligationPaid)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestExceptionLifecycle() {
	ctx := context.Background()
	obligation := s.insertObligation("TLY-EX-0001", "5000")

	tx := newTestTransaction("evt-ex1", "ex-checksum")
	tx.StudentHint = &obligation.StudentID
	s.Require().NoError(s.store.Transactions().Insert(ctx, tx))
	tx.Status = reconcile.StatusNeedsReview
	tx.Reasons = []reconcile.Reason{reconcile.ReasonAmountMatch, reconcile.ReasonStudentHintMatch}
	s.Require().NoError(s.store.Transactions().UpdateDecision(ctx, tx))

	now := time.Now().UTC().Truncate(time.Microsecond)
	match := &reconcile.PaymentMatch{
		ID:            domain.NewMatchID(),
		TransactionID: tx.ID,
		ObligationID:  obligation.ID,
		Confidence:    decimal.RequireFromString("0.65"),
		Reasons:       tx.Reasons,
		Decision:      reconcile.DecisionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.Require().NoError(s.store.Matches().Insert(ctx, match))

	exception := &reconcile.Exception{
		ID:            domain.NewExceptionID(),
		MatchID:       match.ID,
		TransactionID: tx.ID,
		Status:        reconcile.ExceptionOpen,
		CreatedAt:     now,
	}
	s.Require().NoError(s.store.Exceptions().Insert(ctx, exception))

	s.Run("filters resolve the student through the match", func() {
		rows, err := s.store.Exceptions().List(ctx, reconcile.ExceptionFilter{
			Status:  reconcile.ExceptionOpen,
			Student: &obligation.StudentID,
		})
		s.Require().NoError(err)
		s.Require().Len(rows, 1)
		s.Equal(exception.ID, rows[0].ID)
	})

	s.Run("reason filter matches the reasons array", func() {
		rows, err := s.store.Exceptions().List(ctx, reconcile.ExceptionFilter{
			Reason: reconcile.ReasonStudentHintMatch,
		})
		s.Require().NoError(err)
		s.Len(rows, 1)

		rows, err = s.store.Exceptions().List(ctx, reconcile.ExceptionFilter{
			Reason: reconcile.ReasonExactReference,
		})
		s.Require().NoError(err)
		s.Empty(rows)
	})

	s.Run("resolve is one-shot", func() {
		s.Require().NoError(s.store.Exceptions().Resolve(ctx, exception.ID, "bursar@school"))

		resolved, err := s.store.Exceptions().Get(ctx, exception.ID)
		s.Require().NoError(err)
		s.Equal(reconcile.ExceptionResolved, resolved.Status)
		s.Equal("bursar@school", resolved.ResolvedBy)
		s.NotNil(resolved.ResolvedAt)

		err = s.store.Exceptions().Resolve(ctx, exception.ID, "someone@else")
		s.ErrorIs(err, sentinel.ErrInvalidState)
	})

	s.Run("resolving a missing exception reports not found", func() {
		err := s.store.Exceptions().Resolve(ctx, domain.NewExceptionID(), "x")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestEventOutbox() {
	ctx := context.Background()

	tx := newTestTransaction("evt-ob1", "ob-checksum")
	s.Require().NoError(s.store.Transactions().Insert(ctx, tx))

	err := s.store.Events().Append(ctx, audit.Event{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		Actor:         "system",
		Action:        audit.ActionTransactionIngested,
		TransactionID: tx.ID,
	})
	s.Require().NoError(err)

	unpublished, err := s.store.EventStore().ListUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(unpublished, 1)

	err = s.store.EventStore().MarkPublished(ctx, []uuid.UUID{unpublished[0].ID})
	s.Require().NoError(err)

	unpublished, err = s.store.EventStore().ListUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Empty(unpublished)

	trail, err := s.store.EventStore().ListByTransaction(ctx, tx.ID)
	s.Require().NoError(err)
	s.Len(trail, 1)
}
