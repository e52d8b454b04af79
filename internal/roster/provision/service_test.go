package provision

import (
	"context"
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
)

// =============================================================================
// Provisioning Service Test Suite
// =============================================================================

type ProvisionSuite struct {
	suite.Suite
	store    *memory.Store
	items    *rostermemory.ItemStore
	students *rostermemory.StudentStore
	codec    *reference.Codec
	service  *Service
}

func TestProvisionSuite(t *testing.T) {
	suite.Run(t, new(ProvisionSuite))
}

func (s *ProvisionSuite) SetupTest() {
	s.store = memory.New()
	s.items = rostermemory.NewItemStore()
	s.students = rostermemory.NewStudentStore()

	var err error
	s.codec, err = reference.NewCodec("provision-salt", "TLY")
	s.Require().NoError(err)

	s.service, err = NewService(s.store, s.items, s.students, s.codec)
	s.Require().NoError(err)
}

func (s *ProvisionSuite) newStudent(name, code string) roster.Student {
	student := &roster.Student{ID: domain.NewStudentID(), FullName: name, Code: code}
	s.Require().NoError(s.students.Insert(context.Background(), student))
	return *student
}

func (s *ProvisionSuite) newItem(title, amount string) roster.PaymentItem {
	item := &roster.PaymentItem{
		ID:             domain.NewItemID(),
		Title:          title,
		ExpectedAmount: decimal.RequireFromString(amount),
		Currency:       "NGN",
		DueDate:        time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:      time.Now(),
	}
	s.Require().NoError(s.items.Insert(context.Background(), item))
	return *item
}

func (s *ProvisionSuite) TestNewService() {
	s.Run("nil unit of work returns error", func() {
		_, err := NewService(nil, s.items, s.students, s.codec)
		s.Error(err)
	})
	s.Run("nil codec returns error", func() {
		_, err := NewService(s.store, s.items, s.students, nil)
		s.Error(err)
	})
}

func (s *ProvisionSuite) TestAssignItem() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	item := s.newItem("Second Term Fees", "22000")

	obligation, err := s.service.AssignItem(ctx, item.ID, student.ID)
	s.Require().NoError(err)
	s.Equal(item.ID, obligation.ItemID)
	s.Equal(student.ID, obligation.StudentID)
	s.Equal(reconcile.ObligationUnpaid, obligation.Status)
	s.True(obligation.ExpectedAmount.Equal(item.ExpectedAmount))

	// The reference is the deterministic attempt-0 encoding.
	expectedRef, err := s.codec.Generate(item.ID, student.ID, 0)
	s.Require().NoError(err)
	s.Equal(expectedRef, obligation.Reference)

	// A provisioning event lands in the audit trail.
	events, err := s.store.EventStore().ListUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(audit.ActionObligationProvisioned, events[0].Action)
	s.Require().NotNil(events[0].ObligationID)
	s.Equal(obligation.ID, *events[0].ObligationID)
}

func (s *ProvisionSuite) TestAssignItemIsIdempotent() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	item := s.newItem("Second Term Fees", "22000")

	first, err := s.service.AssignItem(ctx, item.ID, student.ID)
	s.Require().NoError(err)

	second, err := s.service.AssignItem(ctx, item.ID, student.ID)
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)

	open, err := s.store.Obligations().ListByStudent(ctx, student.ID)
	s.Require().NoError(err)
	s.Len(open, 1)

	// No second provisioning event either.
	events, err := s.store.EventStore().ListUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *ProvisionSuite) TestAssignItemSettledPairStaysIdempotent() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	item := s.newItem("Second Term Fees", "22000")

	first, err := s.service.AssignItem(ctx, item.ID, student.ID)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Obligations().Credit(ctx, first.ID,
		decimal.NewFromInt(22000), reconcile.ObligationPaid))

	// A fully settled assignment still resolves to the existing obligation
	// instead of surfacing the reference conflict.
	again, err := s.service.AssignItem(ctx, item.ID, student.ID)
	s.Require().NoError(err)
	s.Equal(first.ID, again.ID)
	s.Equal(reconcile.ObligationPaid, again.Status)
}

func (s *ProvisionSuite) TestAssignItemReferenceCollision() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	item := s.newItem("Second Term Fees", "22000")

	// Occupy the attempt-0 reference with an unrelated obligation so the
	// assignment has to bump to attempt 1.
	takenRef, err := s.codec.Generate(item.ID, student.ID, 0)
	s.Require().NoError(err)
	now := time.Now()
	squatter := &reconcile.PaymentObligation{
		ID:             domain.NewObligationID(),
		ItemID:         domain.NewItemID(),
		StudentID:      domain.NewStudentID(),
		Reference:      takenRef,
		ExpectedAmount: decimal.NewFromInt(1),
		Currency:       "NGN",
		Status:         reconcile.ObligationUnpaid,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.Require().NoError(s.store.Obligations().Insert(ctx, squatter))

	obligation, err := s.service.AssignItem(ctx, item.ID, student.ID)
	s.Require().NoError(err)

	attempt1, err := s.codec.Generate(item.ID, student.ID, 1)
	s.Require().NoError(err)
	s.Equal(attempt1, obligation.Reference)
}

func (s *ProvisionSuite) TestAssignItemErrors() {
	ctx := context.Background()
	student := s.newStudent("Amina Yusuf", "STD-001")
	item := s.newItem("Second Term Fees", "22000")

	s.Run("unknown item", func() {
		_, err := s.service.AssignItem(ctx, domain.NewItemID(), student.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("unknown student", func() {
		_, err := s.service.AssignItem(ctx, item.ID, domain.NewStudentID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ProvisionSuite) TestAssignItemToAll() {
	ctx := context.Background()
	s.newStudent("Amina Yusuf", "STD-001")
	s.newStudent("Bola Adeyemi", "STD-002")
	s.newStudent("Chioma Eze", "STD-003")
	item := s.newItem("Sports Levy", "1500")

	assigned, err := s.service.AssignItemToAll(ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(3, assigned)

	// Re-running changes nothing.
	assigned, err = s.service.AssignItemToAll(ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(3, assigned)

	events, err := s.store.EventStore().ListUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Len(events, 3)
}
