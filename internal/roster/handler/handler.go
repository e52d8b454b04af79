// Package handler exposes roster management over HTTP: registering
// students and items and assigning items, which provisions obligations.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tally/internal/platform/middleware"
	"tally/internal/reconcile"
	"tally/internal/roster"
	"tally/pkg/domain"
	"tally/pkg/platform/httputil"
	"tally/pkg/requestcontext"
)

// Provisioner assigns items to students.
type Provisioner interface {
	AssignItem(ctx context.Context, itemID domain.ItemID, studentID domain.StudentID) (*reconcile.PaymentObligation, error)
	AssignItemToAll(ctx context.Context, itemID domain.ItemID) (int, error)
}

// Handler handles roster endpoints.
type Handler struct {
	students    roster.StudentStore
	items       roster.ItemStore
	provisioner Provisioner
	logger      *slog.Logger
}

// New creates a roster Handler.
func New(students roster.StudentStore, items roster.ItemStore, provisioner Provisioner, logger *slog.Logger) *Handler {
	return &Handler{
		students:    students,
		items:       items,
		provisioner: provisioner,
		logger:      logger,
	}
}

// Register registers the roster routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.Actor)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.Timeout(15 * time.Second))

	router.Post("/students", h.handleCreateStudent)
	router.Post("/items", h.handleCreateItem)
	router.Post("/items/{id}/assignments", h.handleAssign)

	r.Mount("/roster", router)
}

type createStudentRequest struct {
	FullName string `json:"full_name"`
	Code     string `json:"code"`
}

type studentView struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Code     string `json:"code"`
}

func (h *Handler) handleCreateStudent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[createStudentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	student := &roster.Student{
		ID:       domain.NewStudentID(),
		FullName: req.FullName,
		Code:     req.Code,
	}
	if err := h.students.Insert(ctx, student); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, studentView{
		ID:       student.ID.String(),
		FullName: student.FullName,
		Code:     student.Code,
	})
}

type createItemRequest struct {
	Title          string          `json:"title"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Currency       string          `json:"currency"`
	DueDate        time.Time       `json:"due_date,omitempty"`
	OwnerID        string          `json:"owner_id,omitempty"`
}

type itemView struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Currency       string          `json:"currency"`
	DueDate        time.Time       `json:"due_date,omitempty"`
}

func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[createItemRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	item := &roster.PaymentItem{
		ID:             domain.NewItemID(),
		Title:          req.Title,
		ExpectedAmount: req.ExpectedAmount,
		Currency:       req.Currency,
		DueDate:        req.DueDate,
		OwnerID:        req.OwnerID,
		CreatedAt:      requestcontext.Now(ctx),
	}
	if err := item.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.items.Insert(ctx, item); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, itemView{
		ID:             item.ID.String(),
		Title:          item.Title,
		ExpectedAmount: item.ExpectedAmount,
		Currency:       item.Currency,
		DueDate:        item.DueDate,
	})
}

type assignRequest struct {
	StudentID string `json:"student_id,omitempty"`
	All       bool   `json:"all,omitempty"`
}

type obligationView struct {
	ID             string          `json:"id"`
	ItemID         string          `json:"item_id"`
	StudentID      string          `json:"student_id"`
	Reference      string          `json:"reference"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
}

type assignAllResponse struct {
	Assigned int `json:"assigned"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	itemID, err := domain.ParseItemID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.Decode[assignRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	if req.All {
		assigned, err := h.provisioner.AssignItemToAll(ctx, itemID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, assignAllResponse{Assigned: assigned})
		return
	}

	studentID, err := domain.ParseStudentID(req.StudentID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	obligation, err := h.provisioner.AssignItem(ctx, itemID, studentID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, obligationView{
		ID:             obligation.ID.String(),
		ItemID:         obligation.ItemID.String(),
		StudentID:      obligation.StudentID.String(),
		Reference:      obligation.Reference,
		ExpectedAmount: obligation.ExpectedAmount,
		Currency:       obligation.Currency,
		Status:         string(obligation.Status),
	})
}
