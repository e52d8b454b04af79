// Package roster holds the billable items and student identities the
// reconciliation engine matches against. It is the engine's minimal in-repo
// provider of "a queryable set of obligations": assigning an item to a
// student provisions an obligation with a generated reference.
package roster

import (
	"time"

	"github.com/shopspring/decimal"

	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
)

// Student is a known payer identity. Code is the short student number that
// shows up in gateway metadata and statement rows (e.g. "std_001").
type Student struct {
	ID       domain.StudentID
	FullName string
	Code     string
}

// PaymentItem is a billable item. Immutable once obligations exist except
// for administrative edits; owned by the creator.
type PaymentItem struct {
	ID             domain.ItemID
	Title          string
	ExpectedAmount decimal.Decimal
	Currency       string
	DueDate        time.Time
	AvailableFrom  *time.Time
	AvailableUntil *time.Time
	OwnerID        string
	CreatedAt      time.Time
}

// Validate rejects items that cannot produce obligations.
func (i PaymentItem) Validate() error {
	if i.Title == "" {
		return dErrors.New(dErrors.CodeValidation, "item title is required")
	}
	if !i.ExpectedAmount.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "item expected amount must be positive")
	}
	if i.Currency == "" {
		return dErrors.New(dErrors.CodeValidation, "item currency is required")
	}
	return nil
}
