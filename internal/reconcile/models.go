// Package reconcile implements the payment reconciliation engine: admission
// of externally reported payment events, matching against student payment
// obligations, decision policy, and the human review queue.
package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
)

// TransactionStatus is the lifecycle state of a reported payment event.
type TransactionStatus string

const (
	StatusIngested                 TransactionStatus = "ingested"
	StatusApproved                 TransactionStatus = "approved"
	StatusNeedsReview              TransactionStatus = "needs_review"
	StatusUnmatched                TransactionStatus = "unmatched"
	StatusDuplicate                TransactionStatus = "duplicate"
	StatusRejected                 TransactionStatus = "rejected"
	StatusNeedsStudentConfirmation TransactionStatus = "needs_student_confirmation"
)

// IsValid reports whether the status belongs to the closed vocabulary.
func (s TransactionStatus) IsValid() bool {
	switch s {
	case StatusIngested, StatusApproved, StatusNeedsReview, StatusUnmatched,
		StatusDuplicate, StatusRejected, StatusNeedsStudentConfirmation:
		return true
	}
	return false
}

// IsTerminal reports whether re-running the decision policy on this status is
// a no-op. Terminal transactions are never revisited automatically.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusDuplicate:
		return true
	}
	return false
}

// ObligationStatus tracks how much of an obligation has been credited.
type ObligationStatus string

const (
	ObligationUnpaid        ObligationStatus = "unpaid"
	ObligationPartiallyPaid ObligationStatus = "partially_paid"
	ObligationPaid          ObligationStatus = "paid"
)

// Reason is one independent signal contributing to a match's confidence.
// The vocabulary is closed: the matcher, the queue, and the reporting layer
// all share this set, validated at construction.
type Reason string

const (
	ReasonExactReference     Reason = "exact_reference"
	ReasonAmountMatch        Reason = "amount_match"
	ReasonPayerHintMatch     Reason = "payer_hint_match"
	ReasonItemHintMatch      Reason = "item_hint_match"
	ReasonStudentHintMatch   Reason = "student_hint_match"
	ReasonDateProximityMatch Reason = "date_proximity_match"
	ReasonAmbiguousCandidate Reason = "ambiguous_candidate"
)

// IsValid reports whether the reason belongs to the closed vocabulary.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonExactReference, ReasonAmountMatch, ReasonPayerHintMatch,
		ReasonItemHintMatch, ReasonStudentHintMatch, ReasonDateProximityMatch,
		ReasonAmbiguousCandidate:
		return true
	}
	return false
}

// ValidateReasons rejects any reason outside the closed vocabulary. Guards
// against silent drift between the matcher and the reporting layer.
func ValidateReasons(reasons []Reason) error {
	for _, r := range reasons {
		if !r.IsValid() {
			return dErrors.New(dErrors.CodeInvariantViolation, "unknown match reason: "+string(r))
		}
	}
	return nil
}

// MatchDecision is the resolution state of one candidate pairing.
type MatchDecision string

const (
	DecisionPending  MatchDecision = "pending"
	DecisionApproved MatchDecision = "approved"
	DecisionRejected MatchDecision = "rejected"
)

// ExceptionStatus is the lifecycle of a human review item.
type ExceptionStatus string

const (
	ExceptionOpen     ExceptionStatus = "open"
	ExceptionResolved ExceptionStatus = "resolved"
)

// Source identifies where a payment event was reported from: a statement
// upload or a named payment gateway.
type Source string

// SourceStatementUpload marks rows parsed from staff-uploaded bank statements.
// Gateway sources carry the gateway's name (e.g. "flutterwave").
const SourceStatementUpload Source = "statement_upload"

// PaymentObligation is one student's expectation to pay for one payment item.
// Mutated only by successful matches; never deleted while referencing
// transactions exist.
type PaymentObligation struct {
	ID              domain.ObligationID
	ItemID          domain.ItemID
	StudentID       domain.StudentID
	Reference       string
	ExpectedAmount  decimal.Decimal
	Currency        string
	DueDate         time.Time
	AmountPaidTotal decimal.Decimal
	Status          ObligationStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Remaining returns the uncredited portion of the obligation.
func (o *PaymentObligation) Remaining() decimal.Decimal {
	return o.ExpectedAmount.Sub(o.AmountPaidTotal)
}

// PaymentTransaction is one externally reported payment event. Identifying
// fields (source, event id, reference, amount, payer, paid-at, checksum) are
// immutable after creation; only the decision fields evolve.
type PaymentTransaction struct {
	ID            domain.TransactionID
	Source        Source
	SourceEventID string
	Reference     string
	Amount        decimal.Decimal
	PayerName     string
	PaidAt        time.Time
	Checksum      string

	Status              TransactionStatus
	MatchedObligationID *domain.ObligationID
	Confidence          decimal.Decimal
	Reasons             []Reason
	DuplicateOf         *domain.TransactionID

	// Structural hints supplied by the source (gateway metadata), trusted
	// above text heuristics during matching.
	StudentHint *domain.StudentID
	ItemHint    *domain.ItemID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentMatch is a candidate pairing between one transaction and one
// obligation. Many pending matches may exist per transaction when the
// engine is unsure; at most one is ever approved.
type PaymentMatch struct {
	ID            domain.MatchID
	TransactionID domain.TransactionID
	ObligationID  domain.ObligationID
	Confidence    decimal.Decimal
	Reasons       []Reason
	Decision      MatchDecision
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Exception is an open human-review work item wrapping a match that the
// decision policy could not auto-resolve.
type Exception struct {
	ID            domain.ExceptionID
	MatchID       domain.MatchID
	TransactionID domain.TransactionID
	Status        ExceptionStatus
	Assignee      string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	ResolvedBy    string
}

// Candidate is the normalized inbound record produced by the parsing and
// webhook-receiving layers. Gateway payload signatures are verified before a
// Candidate is ever constructed; the engine never sees unverified events.
type Candidate struct {
	Source        Source
	SourceEventID string
	Reference     string
	Amount        decimal.Decimal
	PaidAt        time.Time
	PayerName     string
	StudentHint   *domain.StudentID
	ItemHint      *domain.ItemID
}

// Validate rejects malformed candidates before anything is persisted.
func (c Candidate) Validate() error {
	if c.Source == "" {
		return dErrors.New(dErrors.CodeBadRequest, "candidate source is required")
	}
	if !c.Amount.IsPositive() {
		return dErrors.New(dErrors.CodeBadRequest, "candidate amount must be positive")
	}
	if c.PaidAt.IsZero() {
		return dErrors.New(dErrors.CodeBadRequest, "candidate paid-at date is required")
	}
	return nil
}

// MatchCandidate is one scored obligation candidate for a transaction,
// produced by the matching engine in confidence-descending order.
type MatchCandidate struct {
	Obligation *PaymentObligation
	Confidence decimal.Decimal
	Reasons    []Reason
}

// AdmitResult reports the outcome of admitting one candidate.
type AdmitResult struct {
	Transaction *PaymentTransaction
	// Idempotent is true when the candidate's (source, event id) was already
	// admitted; no new state was written.
	Idempotent bool
}

// Summary is the status-breakdown read model for dashboards, computed as a
// pure aggregate over transaction status.
type Summary struct {
	ByStatus map[TransactionStatus]int
	Total    int
}
