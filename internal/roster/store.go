package roster

import (
	"context"

	"tally/pkg/domain"
)

// StudentStore persists student identities.
type StudentStore interface {
	Insert(ctx context.Context, student *Student) error
	Get(ctx context.Context, id domain.StudentID) (*Student, error)
	GetByCode(ctx context.Context, code string) (*Student, error)
	List(ctx context.Context) ([]Student, error)
}

// ItemStore persists billable items.
type ItemStore interface {
	Insert(ctx context.Context, item *PaymentItem) error
	Get(ctx context.Context, id domain.ItemID) (*PaymentItem, error)
	List(ctx context.Context) ([]PaymentItem, error)
}

// Directory adapts the student store to the matcher's payer-recognition
// read contract.
type Directory struct {
	students StudentStore
}

// NewDirectory constructs a Directory over the student store.
func NewDirectory(students StudentStore) *Directory {
	return &Directory{students: students}
}

// Students returns all known student identities.
func (d *Directory) Students(ctx context.Context) ([]Student, error) {
	return d.students.List(ctx)
}
