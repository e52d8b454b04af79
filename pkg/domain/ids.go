// Package domain defines typed identifiers shared across the engine.
//
// Every entity gets its own UUID-backed type so the compiler rejects
// cross-entity assignments (a TransactionID can never be passed where an
// ObligationID is expected). Parse helpers enforce the invariant that IDs
// are valid, non-nil UUIDs at trust boundaries.
package domain

import (
	"github.com/google/uuid"

	dErrors "tally/pkg/domain-errors"
)

type (
	// StudentID identifies a student in the roster.
	StudentID uuid.UUID
	// ItemID identifies a billable payment item.
	ItemID uuid.UUID
	// ObligationID identifies one student's expectation to pay for one item.
	ObligationID uuid.UUID
	// TransactionID identifies one externally reported payment event.
	TransactionID uuid.UUID
	// MatchID identifies a candidate transaction/obligation pairing.
	MatchID uuid.UUID
	// ExceptionID identifies an open human-review work item.
	ExceptionID uuid.UUID
)

func parseUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be empty")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return parsed, nil
}

// ParseStudentID parses and validates a student ID.
func ParseStudentID(raw string) (StudentID, error) {
	parsed, err := parseUUID(raw)
	return StudentID(parsed), err
}

// ParseItemID parses and validates an item ID.
func ParseItemID(raw string) (ItemID, error) {
	parsed, err := parseUUID(raw)
	return ItemID(parsed), err
}

// ParseTransactionID parses and validates a transaction ID.
func ParseTransactionID(raw string) (TransactionID, error) {
	parsed, err := parseUUID(raw)
	return TransactionID(parsed), err
}

// ParseExceptionID parses and validates an exception ID.
func ParseExceptionID(raw string) (ExceptionID, error) {
	parsed, err := parseUUID(raw)
	return ExceptionID(parsed), err
}

func (id StudentID) String() string     { return uuid.UUID(id).String() }
func (id ItemID) String() string        { return uuid.UUID(id).String() }
func (id ObligationID) String() string  { return uuid.UUID(id).String() }
func (id TransactionID) String() string { return uuid.UUID(id).String() }
func (id MatchID) String() string       { return uuid.UUID(id).String() }
func (id ExceptionID) String() string   { return uuid.UUID(id).String() }

func (id StudentID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ItemID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id ObligationID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id TransactionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id MatchID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id ExceptionID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }

// NewStudentID returns a fresh random student ID.
func NewStudentID() StudentID { return StudentID(uuid.New()) }

// NewItemID returns a fresh random item ID.
func NewItemID() ItemID { return ItemID(uuid.New()) }

// NewObligationID returns a fresh random obligation ID.
func NewObligationID() ObligationID { return ObligationID(uuid.New()) }

// NewTransactionID returns a fresh random transaction ID.
func NewTransactionID() TransactionID { return TransactionID(uuid.New()) }

// NewMatchID returns a fresh random match ID.
func NewMatchID() MatchID { return MatchID(uuid.New()) }

// NewExceptionID returns a fresh random exception ID.
func NewExceptionID() ExceptionID { return ExceptionID(uuid.New()) }
