package reconcile

import (
	"context"
	"errors"

	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/sentinel"
)

// QueueAction is a uniform bulk action over review items. Merging is not a
// bulk action; it pairs a duplicate with a chosen primary and has its own
// operation.
type QueueAction string

const (
	QueueActionApprove             QueueAction = "approve"
	QueueActionReject              QueueAction = "reject"
	QueueActionRequestConfirmation QueueAction = "request_student_confirmation"
)

// IsValid reports whether the action belongs to the closed vocabulary.
func (a QueueAction) IsValid() bool {
	switch a {
	case QueueActionApprove, QueueActionReject, QueueActionRequestConfirmation:
		return true
	}
	return false
}

// ExceptionRow is one review item hydrated for display: the work item, the
// transaction under review, and the best-known candidate match with its
// reason codes.
type ExceptionRow struct {
	Exception   *Exception
	Transaction *PaymentTransaction
	BestMatch   *PaymentMatch
}

// BulkOutcomeStatus classifies one id's result within a bulk action.
type BulkOutcomeStatus string

const (
	BulkApplied BulkOutcomeStatus = "applied"
	BulkNoop    BulkOutcomeStatus = "noop"
	BulkFailed  BulkOutcomeStatus = "failed"
)

// BulkOutcome reports one id's result. A batch never aborts on one member;
// already-resolved items come back as noop, failures carry the error text.
type BulkOutcome struct {
	ExceptionID   domain.ExceptionID
	TransactionID domain.TransactionID
	Status        BulkOutcomeStatus
	Error         string
}

// ListExceptions returns review items matching the filter, each hydrated
// with its transaction and best candidate match.
func (s *Service) ListExceptions(ctx context.Context, filter ExceptionFilter) ([]ExceptionRow, error) {
	var rows []ExceptionRow
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		exceptions, err := st.Exceptions().List(ctx, filter)
		if err != nil {
			return err
		}
		rows = make([]ExceptionRow, 0, len(exceptions))
		for _, ex := range exceptions {
			tx, err := st.Transactions().Get(ctx, ex.TransactionID)
			if err != nil {
				return err
			}
			row := ExceptionRow{Exception: ex, Transaction: tx}
			match, err := st.Matches().Best(ctx, ex.TransactionID)
			switch {
			case err == nil:
				row.BestMatch = match
			case !errors.Is(err, sentinel.ErrNotFound):
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// BulkResolve applies one action uniformly over a set of exception ids.
// Each id commits (or fails) independently and reports its own outcome;
// partial failures never abort the batch.
func (s *Service) BulkResolve(ctx context.Context, action QueueAction, ids []domain.ExceptionID) ([]BulkOutcome, error) {
	if !action.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "unknown queue action: "+string(action))
	}

	outcomes := make([]BulkOutcome, 0, len(ids))
	for _, id := range ids {
		outcomes = append(outcomes, s.resolveOne(ctx, action, id))
	}
	return outcomes, nil
}

func (s *Service) resolveOne(ctx context.Context, action QueueAction, id domain.ExceptionID) BulkOutcome {
	outcome := BulkOutcome{ExceptionID: id}

	var exception *Exception
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		var err error
		exception, err = st.Exceptions().Get(ctx, id)
		return err
	})
	if errors.Is(err, sentinel.ErrNotFound) {
		outcome.Status = BulkFailed
		outcome.Error = "exception not found"
		return outcome
	}
	if err != nil {
		outcome.Status = BulkFailed
		outcome.Error = err.Error()
		return outcome
	}

	outcome.TransactionID = exception.TransactionID
	if exception.Status == ExceptionResolved {
		outcome.Status = BulkNoop
		return outcome
	}

	switch action {
	case QueueActionApprove:
		_, err = s.Approve(ctx, exception.TransactionID)
	case QueueActionReject:
		_, err = s.Reject(ctx, exception.TransactionID)
	case QueueActionRequestConfirmation:
		_, err = s.RequestStudentConfirmation(ctx, exception.TransactionID)
	}
	if err != nil {
		// A conflict means another actor resolved it between our read and
		// the action; that is a no-op, not a batch failure.
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			outcome.Status = BulkNoop
			return outcome
		}
		outcome.Status = BulkFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Status = BulkApplied
	return outcome
}
