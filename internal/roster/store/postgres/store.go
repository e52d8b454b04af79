// Package postgres persists roster entities in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tally/internal/roster"
	"tally/pkg/domain"
	"tally/pkg/platform/sentinel"
)

// StudentStore persists students in PostgreSQL.
type StudentStore struct {
	db *sql.DB
}

// NewStudentStore creates a PostgreSQL-backed student store.
func NewStudentStore(db *sql.DB) *StudentStore {
	return &StudentStore{db: db}
}

func (s *StudentStore) Insert(ctx context.Context, student *roster.Student) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO students (id, full_name, code) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		uuid.UUID(student.ID), student.FullName, student.Code,
	)
	if err != nil {
		return fmt.Errorf("insert student: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert student rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("student code already exists: %w", sentinel.ErrConflict)
	}
	return nil
}

func (s *StudentStore) Get(ctx context.Context, id domain.StudentID) (*roster.Student, error) {
	return scanStudent(s.db.QueryRowContext(ctx,
		`SELECT id, full_name, code FROM students WHERE id = $1`, uuid.UUID(id),
	))
}

func (s *StudentStore) GetByCode(ctx context.Context, code string) (*roster.Student, error) {
	return scanStudent(s.db.QueryRowContext(ctx,
		`SELECT id, full_name, code FROM students WHERE code = $1`, code,
	))
}

func (s *StudentStore) List(ctx context.Context) ([]roster.Student, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, full_name, code FROM students ORDER BY code ASC`)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	var out []roster.Student
	for rows.Next() {
		student, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *student)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate students: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (*roster.Student, error) {
	var (
		student roster.Student
		id      uuid.UUID
	)
	err := row.Scan(&id, &student.FullName, &student.Code)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("student not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan student: %w", err)
	}
	student.ID = domain.StudentID(id)
	return &student, nil
}

// ItemStore persists billable items in PostgreSQL.
type ItemStore struct {
	db *sql.DB
}

// NewItemStore creates a PostgreSQL-backed item store.
func NewItemStore(db *sql.DB) *ItemStore {
	return &ItemStore{db: db}
}

func (s *ItemStore) Insert(ctx context.Context, item *roster.PaymentItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_items (id, title, expected_amount, currency, due_date, available_from, available_until, owner_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.UUID(item.ID),
		item.Title,
		item.ExpectedAmount,
		item.Currency,
		nullableTime(item.DueDate),
		item.AvailableFrom,
		item.AvailableUntil,
		nullableOwner(item.OwnerID),
		item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (s *ItemStore) Get(ctx context.Context, id domain.ItemID) (*roster.PaymentItem, error) {
	return scanItem(s.db.QueryRowContext(ctx,
		`SELECT id, title, expected_amount, currency, due_date, available_from, available_until, owner_id, created_at
		 FROM payment_items WHERE id = $1`,
		uuid.UUID(id),
	))
}

func (s *ItemStore) List(ctx context.Context) ([]roster.PaymentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, expected_amount, currency, due_date, available_from, available_until, owner_id, created_at
		 FROM payment_items ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []roster.PaymentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func scanItem(row rowScanner) (*roster.PaymentItem, error) {
	var (
		item    roster.PaymentItem
		id      uuid.UUID
		dueDate sql.NullTime
		ownerID sql.NullString
	)
	err := row.Scan(
		&id, &item.Title, &item.ExpectedAmount, &item.Currency, &dueDate,
		&item.AvailableFrom, &item.AvailableUntil, &ownerID, &item.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	item.ID = domain.ItemID(id)
	if dueDate.Valid {
		item.DueDate = dueDate.Time
	}
	if ownerID.Valid {
		item.OwnerID = ownerID.String
	}
	return &item, nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullableOwner(owner string) sql.NullString {
	if owner == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: owner, Valid: true}
}
