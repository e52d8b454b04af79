// Package provision creates payment obligations when billable items are
// assigned to students. References come from the deterministic codec;
// a reference collision bumps the attempt counter instead of failing the
// assignment.
package provision

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"tally/internal/audit"
	"tally/internal/reconcile"
	"tally/internal/reference"
	"tally/internal/roster"
	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/sentinel"
	"tally/pkg/requestcontext"
)

// Service assigns items to students and provisions the resulting
// obligations.
type Service struct {
	uow      reconcile.UnitOfWork
	items    roster.ItemStore
	students roster.StudentStore
	codec    *reference.Codec
	maxRefs  int
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMaxReferenceAttempts bounds reference regeneration on collision.
func WithMaxReferenceAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRefs = n
		}
	}
}

// NewService constructs a provisioning service.
func NewService(uow reconcile.UnitOfWork, items roster.ItemStore, students roster.StudentStore, codec *reference.Codec, opts ...Option) (*Service, error) {
	if uow == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "unit of work is required")
	}
	if codec == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "reference codec is required")
	}
	s := &Service{
		uow:      uow,
		items:    items,
		students: students,
		codec:    codec,
		maxRefs:  reconcile.DefaultConfig().MaxReferenceAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AssignItem provisions an obligation for one (item, student) pair. Calling
// it again for the same pair returns the existing obligation, so assignment
// is idempotent and safe to run lazily on first query.
func (s *Service) AssignItem(ctx context.Context, itemID domain.ItemID, studentID domain.StudentID) (*reconcile.PaymentObligation, error) {
	item, err := s.items.Get(ctx, itemID)
	if err != nil {
		return nil, translateNotFound(err, "payment item")
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	student, err := s.students.Get(ctx, studentID)
	if err != nil {
		return nil, translateNotFound(err, "student")
	}

	var obligation *reconcile.PaymentObligation
	err = s.uow.RunInTx(ctx, func(ctx context.Context, st reconcile.Stores) error {
		if existing := s.findExisting(ctx, st, itemID, studentID); existing != nil {
			obligation = existing
			return nil
		}

		now := requestcontext.Now(ctx)
		for attempt := 0; attempt < s.maxRefs; attempt++ {
			ref, err := s.codec.Generate(itemID, studentID, attempt)
			if err != nil {
				return err
			}
			candidate := &reconcile.PaymentObligation{
				ID:             domain.NewObligationID(),
				ItemID:         itemID,
				StudentID:      studentID,
				Reference:      ref,
				ExpectedAmount: item.ExpectedAmount,
				Currency:       item.Currency,
				DueDate:        item.DueDate,
				Status:         reconcile.ObligationUnpaid,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			err = st.Obligations().Insert(ctx, candidate)
			if errors.Is(err, sentinel.ErrConflict) {
				// Either a concurrent assignment of this pair or a
				// reference collision; re-check before bumping the attempt.
				if existing := s.findExisting(ctx, st, itemID, studentID); existing != nil {
					obligation = existing
					return nil
				}
				continue
			}
			if err != nil {
				return err
			}
			obligation = candidate
			return st.Events().Append(ctx, audit.Event{
				ID:           uuid.New(),
				Timestamp:    now,
				Actor:        requestcontext.Actor(ctx),
				Action:       audit.ActionObligationProvisioned,
				ObligationID: &candidate.ID,
				Detail:       "item " + itemID.String() + " assigned to student " + student.Code,
				RequestID:    requestcontext.RequestID(ctx),
			})
		}
		return dErrors.New(dErrors.CodeConflict, "could not generate a unique reference")
	})
	if err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "obligation provisioned",
			"obligation_id", obligation.ID,
			"item_id", itemID,
			"student_id", studentID,
		)
	}
	return obligation, nil
}

// AssignItemToAll provisions obligations for every known student, for
// cohort-wide items. Existing assignments are skipped.
func (s *Service) AssignItemToAll(ctx context.Context, itemID domain.ItemID) (int, error) {
	students, err := s.students.List(ctx)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, student := range students {
		if _, err := s.AssignItem(ctx, itemID, student.ID); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// findExisting resolves an earlier assignment of the pair through the
// deterministic references the codec could have issued for it. Lookup by
// reference sees paid obligations too, so a fully settled assignment stays
// idempotent instead of reappearing as a conflict.
func (s *Service) findExisting(ctx context.Context, st reconcile.Stores, itemID domain.ItemID, studentID domain.StudentID) *reconcile.PaymentObligation {
	refs, err := s.codec.Candidates(itemID, studentID, s.maxRefs)
	if err != nil {
		return nil
	}
	for _, ref := range refs {
		o, err := st.Obligations().GetByReference(ctx, ref)
		if err != nil {
			continue
		}
		if o.ItemID == itemID && o.StudentID == studentID {
			return o
		}
	}
	return nil
}

func translateNotFound(err error, what string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	}
	return err
}
