package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/audit"
	"tally/internal/reconcile"
)

type admitRequest struct {
	Source        string          `json:"source"`
	SourceEventID string          `json:"source_event_id,omitempty"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at"`
	PayerName     string          `json:"payer_name"`
	StudentHint   string          `json:"student_hint,omitempty"`
	ItemHint      string          `json:"item_hint,omitempty"`
}

type transactionView struct {
	ID                  string          `json:"id"`
	Source              string          `json:"source"`
	SourceEventID       string          `json:"source_event_id,omitempty"`
	Reference           string          `json:"reference"`
	Amount              decimal.Decimal `json:"amount"`
	PayerName           string          `json:"payer_name"`
	PaidAt              time.Time       `json:"paid_at"`
	Status              string          `json:"status"`
	MatchedObligationID string          `json:"matched_obligation_id,omitempty"`
	Confidence          decimal.Decimal `json:"confidence"`
	Reasons             []string        `json:"reasons"`
	DuplicateOf         string          `json:"duplicate_of,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type admitResponse struct {
	Transaction transactionView `json:"transaction"`
	Idempotent  bool            `json:"idempotent"`
}

type matchView struct {
	ID           string          `json:"id"`
	ObligationID string          `json:"obligation_id"`
	Confidence   decimal.Decimal `json:"confidence"`
	Reasons      []string        `json:"reasons"`
	Decision     string          `json:"decision"`
}

type exceptionRowView struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Assignee    string          `json:"assignee,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Transaction transactionView `json:"transaction"`
	BestMatch   *matchView      `json:"best_match,omitempty"`
}

type exceptionListResponse struct {
	Exceptions []exceptionRowView `json:"exceptions"`
}

type bulkResolveRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

type bulkOutcomeView struct {
	ExceptionID   string `json:"exception_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

type bulkResolveResponse struct {
	Outcomes []bulkOutcomeView `json:"outcomes"`
}

type mergeRequest struct {
	DuplicateID string `json:"duplicate_id"`
	PrimaryID   string `json:"primary_id"`
}

type rematchRequest struct {
	Limit int `json:"limit"`
}

type rematchResponse struct {
	Transitioned int `json:"transitioned"`
}

type summaryResponse struct {
	ByStatus map[string]int `json:"by_status"`
	Total    int            `json:"total"`
}

type eventView struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	MatchID      string    `json:"match_id,omitempty"`
	ObligationID string    `json:"obligation_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

type eventListResponse struct {
	Events []eventView `json:"events"`
}

func toTransactionView(tx *reconcile.PaymentTransaction) transactionView {
	view := transactionView{
		ID:            tx.ID.String(),
		Source:        string(tx.Source),
		SourceEventID: tx.SourceEventID,
		Reference:     tx.Reference,
		Amount:        tx.Amount,
		PayerName:     tx.PayerName,
		PaidAt:        tx.PaidAt,
		Status:        string(tx.Status),
		Confidence:    tx.Confidence,
		Reasons:       reasonsToStrings(tx.Reasons),
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}
	if tx.MatchedObligationID != nil {
		view.MatchedObligationID = tx.MatchedObligationID.String()
	}
	if tx.DuplicateOf != nil {
		view.DuplicateOf = tx.DuplicateOf.String()
	}
	return view
}

func toMatchView(m *reconcile.PaymentMatch) *matchView {
	if m == nil {
		return nil
	}
	return &matchView{
		ID:           m.ID.String(),
		ObligationID: m.ObligationID.String(),
		Confidence:   m.Confidence,
		Reasons:      reasonsToStrings(m.Reasons),
		Decision:     string(m.Decision),
	}
}

func toExceptionRowView(row reconcile.ExceptionRow) exceptionRowView {
	return exceptionRowView{
		ID:          row.Exception.ID.String(),
		Status:      string(row.Exception.Status),
		Assignee:    row.Exception.Assignee,
		CreatedAt:   row.Exception.CreatedAt,
		Transaction: toTransactionView(row.Transaction),
		BestMatch:   toMatchView(row.BestMatch),
	}
}

func toEventView(event audit.Event) eventView {
	view := eventView{
		ID:        event.ID.String(),
		Timestamp: event.Timestamp,
		Actor:     event.Actor,
		Action:    string(event.Action),
		Detail:    event.Detail,
	}
	if event.MatchID != nil {
		view.MatchID = event.MatchID.String()
	}
	if event.ObligationID != nil {
		view.ObligationID = event.ObligationID.String()
	}
	return view
}

func reasonsToStrings(reasons []reconcile.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}
