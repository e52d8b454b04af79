// Package handler exposes the reconciliation engine over HTTP. Routing and
// authentication live in the outer gateway; these endpoints assume the
// actor header is already trustworthy.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tally/internal/audit"
	"tally/internal/platform/middleware"
	"tally/internal/reconcile"
	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/httputil"
	"tally/pkg/requestcontext"
)

// Service defines the reconciliation operations the handler depends on.
type Service interface {
	Admit(ctx context.Context, c reconcile.Candidate) (reconcile.AdmitResult, error)
	Get(ctx context.Context, id domain.TransactionID) (*reconcile.PaymentTransaction, error)
	Summary(ctx context.Context) (reconcile.Summary, error)
	Rematch(ctx context.Context, limit int) (int, error)
	ListExceptions(ctx context.Context, filter reconcile.ExceptionFilter) ([]reconcile.ExceptionRow, error)
	BulkResolve(ctx context.Context, action reconcile.QueueAction, ids []domain.ExceptionID) ([]reconcile.BulkOutcome, error)
	MergeDuplicates(ctx context.Context, duplicateID, primaryID domain.TransactionID) (*reconcile.PaymentTransaction, error)
}

// Trail reads a transaction's audit events.
type Trail interface {
	ListByTransaction(ctx context.Context, txID domain.TransactionID) ([]audit.Event, error)
}

// Handler handles reconciliation endpoints.
type Handler struct {
	service Service
	trail   Trail
	logger  *slog.Logger
}

// New creates a reconciliation Handler.
func New(service Service, trail Trail, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		trail:   trail,
		logger:  logger,
	}
}

// Register registers the reconciliation routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Recovery(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.Actor)
	router.Use(middleware.Logger(h.logger))
	router.Use(middleware.Timeout(30 * time.Second))

	router.Post("/transactions", h.handleAdmit)
	router.Get("/transactions/{id}", h.handleGetTransaction)
	router.Get("/transactions/{id}/events", h.handleListEvents)
	router.Get("/summary", h.handleSummary)
	router.Post("/rematch", h.handleRematch)
	router.Get("/exceptions", h.handleListExceptions)
	router.Post("/exceptions/resolve", h.handleBulkResolve)
	router.Post("/merges", h.handleMerge)

	r.Mount("/reconcile", router)
}

// handleAdmit admits one normalized candidate. Replays of an already
// admitted (source, event id) return the earlier transaction with 200; new
// admissions return 201.
func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[admitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	candidate := reconcile.Candidate{
		Source:        reconcile.Source(req.Source),
		SourceEventID: req.SourceEventID,
		Reference:     req.Reference,
		Amount:        req.Amount,
		PaidAt:        req.PaidAt,
		PayerName:     req.PayerName,
	}
	if req.StudentHint != "" {
		studentID, err := domain.ParseStudentID(req.StudentHint)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		candidate.StudentHint = &studentID
	}
	if req.ItemHint != "" {
		itemID, err := domain.ParseItemID(req.ItemHint)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		candidate.ItemHint = &itemID
	}

	result, err := h.service.Admit(ctx, candidate)
	if err != nil {
		h.writeServiceError(w, r, "admit candidate", err)
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, admitResponse{
		Transaction: toTransactionView(result.Transaction),
		Idempotent:  result.Idempotent,
	})
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := domain.ParseTransactionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tx, err := h.service.Get(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, "get transaction", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTransactionView(tx))
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := domain.ParseTransactionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.trail.ListByTransaction(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, "list transaction events", err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, event := range events {
		views = append(views, toEventView(event))
	}
	httputil.WriteJSON(w, http.StatusOK, eventListResponse{Events: views})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "reconciliation summary", err)
		return
	}
	byStatus := make(map[string]int, len(summary.ByStatus))
	for status, n := range summary.ByStatus {
		byStatus[string(status)] = n
	}
	httputil.WriteJSON(w, http.StatusOK, summaryResponse{ByStatus: byStatus, Total: summary.Total})
}

func (h *Handler) handleRematch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[rematchRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	transitioned, err := h.service.Rematch(ctx, req.Limit)
	if err != nil {
		h.writeServiceError(w, r, "rematch", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rematchResponse{Transitioned: transitioned})
}

func (h *Handler) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := reconcile.ExceptionFilter{
		Assignee: r.URL.Query().Get("assignee"),
		Status:   reconcile.ExceptionStatus(r.URL.Query().Get("status")),
		Reason:   reconcile.Reason(r.URL.Query().Get("reason")),
	}
	if raw := r.URL.Query().Get("student"); raw != "" {
		studentID, err := domain.ParseStudentID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.Student = &studentID
	}

	rows, err := h.service.ListExceptions(ctx, filter)
	if err != nil {
		h.writeServiceError(w, r, "list exceptions", err)
		return
	}
	views := make([]exceptionRowView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toExceptionRowView(row))
	}
	httputil.WriteJSON(w, http.StatusOK, exceptionListResponse{Exceptions: views})
}

func (h *Handler) handleBulkResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[bulkResolveRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	ids := make([]domain.ExceptionID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := domain.ParseExceptionID(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		ids = append(ids, id)
	}

	outcomes, err := h.service.BulkResolve(ctx, reconcile.QueueAction(req.Action), ids)
	if err != nil {
		h.writeServiceError(w, r, "bulk resolve", err)
		return
	}
	views := make([]bulkOutcomeView, 0, len(outcomes))
	for _, outcome := range outcomes {
		view := bulkOutcomeView{
			ExceptionID: outcome.ExceptionID.String(),
			Status:      string(outcome.Status),
			Error:       outcome.Error,
		}
		if !outcome.TransactionID.IsNil() {
			view.TransactionID = outcome.TransactionID.String()
		}
		views = append(views, view)
	}
	httputil.WriteJSON(w, http.StatusOK, bulkResolveResponse{Outcomes: views})
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.Decode[mergeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	duplicateID, err := domain.ParseTransactionID(req.DuplicateID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	primaryID, err := domain.ParseTransactionID(req.PrimaryID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	tx, err := h.service.MergeDuplicates(ctx, duplicateID, primaryID)
	if err != nil {
		h.writeServiceError(w, r, "merge duplicates", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTransactionView(tx))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	code := dErrors.CodeOf(err)
	if code == dErrors.CodeInternal || code == dErrors.CodeUnavailable {
		h.logger.ErrorContext(ctx, op+" failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	} else if h.logger != nil {
		h.logger.WarnContext(ctx, op+" rejected",
			"request_id", requestcontext.RequestID(ctx),
			"code", code,
			"error", err,
		)
	}
	httputil.WriteError(w, err)
}
