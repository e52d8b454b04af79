package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"tally/internal/audit"
	"tally/internal/reconcile/metrics"
	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/sentinel"
	"tally/pkg/requestcontext"
)

// Service orchestrates admission, matching, decision, and the manual review
// actions. Every admission and every manual action runs its writes in a
// single unit of work; matching reads run against the pool beforehand since
// scoring depends only on the candidate's immutable fields.
type Service struct {
	uow       UnitOfWork
	engine    *Engine
	cfg       Config
	cache     RecentCache
	publisher *audit.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics attaches reconciliation metrics.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRecentCache attaches the advisory seen-event cache. Admission remains
// correct without it; the cache only short-cuts matching for replays.
func WithRecentCache(cache RecentCache) ServiceOption {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithAuditPublisher routes audit events through a publisher instead of
// appending to the unit of work's event store directly. The publisher fills
// event defaults; appends still commit with the surrounding transaction.
func WithAuditPublisher(p *audit.Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithTracer sets the tracer for admission spans.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// NewService constructs the reconciliation service.
func NewService(uow UnitOfWork, engine *Engine, cfg Config, opts ...ServiceOption) (*Service, error) {
	if uow == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "unit of work is required")
	}
	if engine == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "matching engine is required")
	}
	s := &Service{
		uow:    uow,
		engine: engine,
		cfg:    cfg,
		tracer: noop.NewTracerProvider().Tracer("reconcile"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Admit takes one normalized candidate through the ingestion gate and, when
// it is neither a replay nor a content duplicate, through matching and
// decision. A uniqueness conflict from a concurrent admit is re-run once as
// a duplicate check; the loser never errors on an honest race.
func (s *Service) Admit(ctx context.Context, c Candidate) (AdmitResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "reconcile.Admit",
		trace.WithAttributes(attribute.String("source", string(c.Source))))
	defer span.End()

	if err := c.Validate(); err != nil {
		return AdmitResult{}, err
	}
	checksum := ContentChecksum(c)

	if res, ok := s.replayFastPath(ctx, c); ok {
		return res, nil
	}

	// A replayed delivery must not pay for matching: known delivery ids are
	// answered from storage before any matching work runs.
	if c.SourceEventID != "" {
		existing, err := s.findDelivery(ctx, c)
		if err != nil {
			return AdmitResult{}, err
		}
		if existing != nil {
			return AdmitResult{Transaction: existing, Idempotent: true}, nil
		}
	}

	res, err := s.admitOnce(ctx, c, checksum)
	if errors.Is(err, sentinel.ErrConflict) {
		s.metrics.IncrementConflictRetry()
		res, err = s.admitOnce(ctx, c, checksum)
		if errors.Is(err, sentinel.ErrConflict) {
			return AdmitResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "admission conflict persisted after retry")
		}
	}
	if err != nil {
		return AdmitResult{}, err
	}

	span.SetAttributes(attribute.String("status", string(res.Transaction.Status)))

	s.rememberEvent(ctx, c)
	s.metrics.IncrementOutcome(string(res.Transaction.Status), string(c.Source))
	s.metrics.ObserveAdmitLatency(time.Since(start))
	if s.logger != nil {
		s.logger.InfoContext(ctx, "candidate admitted",
			"transaction_id", res.Transaction.ID,
			"source", c.Source,
			"status", res.Transaction.Status,
			"idempotent", res.Idempotent,
		)
	}
	return res, nil
}

// replayFastPath consults the advisory cache and, on a hit, confirms the
// replay against storage before matching work is spent. A miss or cache
// error falls through to the full admission path.
func (s *Service) replayFastPath(ctx context.Context, c Candidate) (AdmitResult, bool) {
	if s.cache == nil || c.SourceEventID == "" {
		return AdmitResult{}, false
	}
	seen, err := s.cache.Seen(ctx, eventCacheKey(c))
	if err != nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "recent-event cache lookup failed", "error", err)
		}
		return AdmitResult{}, false
	}
	if !seen {
		return AdmitResult{}, false
	}

	existing, err := s.findDelivery(ctx, c)
	if err != nil || existing == nil {
		return AdmitResult{}, false
	}
	return AdmitResult{Transaction: existing, Idempotent: true}, true
}

// findDelivery looks up an earlier admission of the same (source, event id)
// delivery. Returns nil without error when this is the first delivery.
func (s *Service) findDelivery(ctx context.Context, c Candidate) (*PaymentTransaction, error) {
	var existing *PaymentTransaction
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		found, err := st.Transactions().GetBySourceEvent(ctx, c.Source, c.SourceEventID)
		if err != nil {
			return err
		}
		existing = found
		return nil
	})
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *Service) admitOnce(ctx context.Context, c Candidate, checksum string) (AdmitResult, error) {
	now := requestcontext.Now(ctx)
	tx := &PaymentTransaction{
		ID:            domain.NewTransactionID(),
		Source:        c.Source,
		SourceEventID: c.SourceEventID,
		Reference:     c.Reference,
		Amount:        c.Amount,
		PayerName:     c.PayerName,
		PaidAt:        c.PaidAt,
		Checksum:      checksum,
		Status:        StatusIngested,
		Confidence:    decimal.Zero,
		StudentHint:   c.StudentHint,
		ItemHint:      c.ItemHint,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	candidates, err := s.engine.Match(ctx, tx)
	if err != nil {
		return AdmitResult{}, err
	}
	s.metrics.ObserveCandidates(len(candidates))
	outcome := Decide(tx, candidates, s.cfg)

	var result AdmitResult
	err = s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		// Delivery idempotency: same (source, event id) means the same
		// delivery, retried. Return the earlier admission unchanged.
		if c.SourceEventID != "" {
			existing, err := st.Transactions().GetBySourceEvent(ctx, c.Source, c.SourceEventID)
			switch {
			case err == nil:
				result = AdmitResult{Transaction: existing, Idempotent: true}
				return nil
			case !errors.Is(err, sentinel.ErrNotFound):
				return err
			}
		}

		// Content identity: a different delivery of the same real-world
		// payment is recorded for audit but excluded from matching.
		prior, err := st.Transactions().GetByChecksum(ctx, checksum)
		switch {
		case err == nil:
			tx.Status = StatusDuplicate
			tx.DuplicateOf = &prior.ID
			if err := st.Transactions().Insert(ctx, tx); err != nil {
				return err
			}
			result = AdmitResult{Transaction: tx}
			return s.emit(ctx, st, s.event(ctx, audit.ActionTransactionDuplicate, tx, nil, nil,
				"content duplicate of "+prior.ID.String()))
		case !errors.Is(err, sentinel.ErrNotFound):
			return err
		}

		if err := st.Transactions().Insert(ctx, tx); err != nil {
			return err
		}
		if err := s.emit(ctx, st, s.event(ctx, audit.ActionTransactionIngested, tx, nil, nil, "")); err != nil {
			return err
		}
		if err := s.apply(ctx, st, tx, outcome, ""); err != nil {
			return err
		}
		result = AdmitResult{Transaction: tx}
		return nil
	})
	if err != nil {
		return AdmitResult{}, err
	}
	return result, nil
}

// apply writes one decision outcome: match rows, exception rows, obligation
// credit, the transaction's decision fields, and the transition event.
// Matching read the obligation outside this unit of work, so an approval is
// only final once credit re-verifies the balance under lock; a credit
// withheld here escalates to review instead.
func (s *Service) apply(ctx context.Context, st Stores, tx *PaymentTransaction, outcome Outcome, detail string) error {
	now := requestcontext.Now(ctx)

	switch outcome.Status {
	case StatusApproved:
		obligationID := outcome.Best.Obligation.ID
		credited, err := s.credit(ctx, st, obligationID, tx.Amount)
		if err != nil {
			return err
		}
		if !credited {
			// A concurrent admission filled the obligation after matching
			// read it. Withhold the approval.
			return s.escalate(ctx, st, tx, outcome.Best, now, "credit would exceed expected amount")
		}
		match := &PaymentMatch{
			ID:            domain.NewMatchID(),
			TransactionID: tx.ID,
			ObligationID:  obligationID,
			Confidence:    outcome.Best.Confidence,
			Reasons:       outcome.Best.Reasons,
			Decision:      DecisionApproved,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := st.Matches().Insert(ctx, match); err != nil {
			return err
		}
		tx.Status = StatusApproved
		tx.MatchedObligationID = &obligationID
		tx.Confidence = outcome.Best.Confidence
		tx.Reasons = outcome.Best.Reasons
		tx.UpdatedAt = now
		if err := st.Transactions().UpdateDecision(ctx, tx); err != nil {
			return err
		}
		return s.emit(ctx, st, s.event(ctx, audit.ActionTransactionApproved, tx, &match.ID, &obligationID, detail))

	case StatusNeedsReview:
		if detail == "" {
			detail = escalationDetail(outcome)
		}
		return s.escalate(ctx, st, tx, outcome.Best, now, detail)

	case StatusUnmatched:
		tx.Status = StatusUnmatched
		tx.UpdatedAt = now
		if err := st.Transactions().UpdateDecision(ctx, tx); err != nil {
			return err
		}
		return s.emit(ctx, st, s.event(ctx, audit.ActionTransactionUnmatched, tx, nil, nil, detail))
	}

	return dErrors.New(dErrors.CodeInternal, "unexpected decision outcome: "+string(outcome.Status))
}

// escalate records the best candidate as a pending match, opens a review
// exception, and moves the transaction to needs_review.
func (s *Service) escalate(ctx context.Context, st Stores, tx *PaymentTransaction, best *MatchCandidate, now time.Time, detail string) error {
	match := &PaymentMatch{
		ID:            domain.NewMatchID(),
		TransactionID: tx.ID,
		ObligationID:  best.Obligation.ID,
		Confidence:    best.Confidence,
		Reasons:       best.Reasons,
		Decision:      DecisionPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.Matches().Insert(ctx, match); err != nil {
		return err
	}
	exception := &Exception{
		ID:            domain.NewExceptionID(),
		MatchID:       match.ID,
		TransactionID: tx.ID,
		Status:        ExceptionOpen,
		CreatedAt:     now,
	}
	if err := st.Exceptions().Insert(ctx, exception); err != nil {
		return err
	}
	s.metrics.ExceptionOpened()
	tx.Status = StatusNeedsReview
	tx.Confidence = best.Confidence
	tx.Reasons = best.Reasons
	tx.UpdatedAt = now
	if err := st.Transactions().UpdateDecision(ctx, tx); err != nil {
		return err
	}
	return s.emit(ctx, st, s.event(ctx, audit.ActionTransactionEscalated, tx, &match.ID, nil, detail))
}

func escalationDetail(outcome Outcome) string {
	switch {
	case outcome.Overpay:
		return "credit would exceed expected amount"
	case outcome.Ambiguous:
		return "ambiguous candidates"
	default:
		return "below auto-approve floor"
	}
}

// Approve moves a reviewed transaction to approved with the same ledger side
// effects as auto-approval: the best match is approved, the obligation is
// credited, and the exception closes.
func (s *Service) Approve(ctx context.Context, id domain.TransactionID) (*PaymentTransaction, error) {
	var updated *PaymentTransaction
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		tx, err := st.Transactions().Get(ctx, id)
		if err != nil {
			return notFound(err, "transaction")
		}
		if tx.Status != StatusNeedsReview && tx.Status != StatusNeedsStudentConfirmation {
			return dErrors.New(dErrors.CodeConflict, "transaction is "+string(tx.Status)+", not awaiting review")
		}

		match, err := st.Matches().Best(ctx, tx.ID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeConflict, "no candidate match to approve")
		}
		if err != nil {
			return err
		}
		credited, err := s.credit(ctx, st, match.ObligationID, tx.Amount)
		if err != nil {
			return notFound(err, "obligation")
		}
		if !credited {
			return dErrors.New(dErrors.CodeConflict, "approval would overpay the obligation beyond tolerance")
		}

		if err := st.Matches().UpdateDecision(ctx, match.ID, DecisionApproved); err != nil {
			return err
		}
		tx.Status = StatusApproved
		tx.MatchedObligationID = &match.ObligationID
		tx.Confidence = match.Confidence
		tx.Reasons = match.Reasons
		tx.UpdatedAt = requestcontext.Now(ctx)
		if err := st.Transactions().UpdateDecision(ctx, tx); err != nil {
			return err
		}
		if err := s.closeException(ctx, st, tx.ID); err != nil {
			return err
		}
		updated = tx
		return s.emit(ctx, st, s.event(ctx, audit.ActionTransactionApproved, tx, &match.ID, &match.ObligationID, ""))
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementManualAction("approve")
	return updated, nil
}

// Reject moves a reviewed transaction to rejected with no ledger effect and
// closes the exception.
func (s *Service) Reject(ctx context.Context, id domain.TransactionID) (*PaymentTransaction, error) {
	var updated *PaymentTransaction
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		tx, err := st.Transactions().Get(ctx, id)
		if err != nil {
			return notFound(err, "transaction")
		}
		if tx.Status != StatusNeedsReview && tx.Status != StatusNeedsStudentConfirmation {
			return dErrors.New(dErrors.CodeConflict, "transaction is "+string(tx.Status)+", not awaiting review")
		}

		match, err := st.Matches().Best(ctx, tx.ID)
		switch {
		case err == nil:
			if err := st.Matches().UpdateDecision(ctx, match.ID, DecisionRejected); err != nil {
				return err
			}
		case !errors.Is(err, sentinel.ErrNotFound):
			return err
		}

		tx.Status = StatusRejected
		tx.UpdatedAt = requestcontext.Now(ctx)
		if err := st.Transactions().UpdateDecision(ctx, tx); err != nil {
			return err
		}
		if err := s.closeException(ctx, st, tx.ID); err != nil {
			return err
		}
		updated = tx
		var matchID *domain.MatchID
		if match != nil {
			matchID = &match.ID
		}
		return s.emit(ctx, st, s.event(ctx, audit.ActionTransactionRejected, tx, matchID, nil, ""))
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementManualAction("reject")
	return updated, nil
}

// RequestStudentConfirmation parks a plausible-but-unattested match until
// the student confirms. The exception stays open.
func (s *Service) RequestStudentConfirmation(ctx context.Context, id domain.TransactionID) (*PaymentTransaction, error) {
	var updated *PaymentTransaction
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		tx, err := st.Transactions().Get(ctx, id)
		if err != nil {
			return notFound(err, "transaction")
		}
		if tx.Status != StatusNeedsReview {
			return dErrors.New(dErrors.CodeConflict, "transaction is "+string(tx.Status)+", not awaiting review")
		}
		tx.Status = StatusNeedsStudentConfirmation
		tx.UpdatedAt = requestcontext.Now(ctx)
		if err := st.Transactions().UpdateDecision(ctx, tx); err != nil {
			return err
		}
		updated = tx
		return s.emit(ctx, st, s.event(ctx, audit.ActionStudentConfirmation, tx, nil, nil, ""))
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementManualAction("request_student_confirmation")
	return updated, nil
}

// MergeDuplicates links a duplicate transaction onto the primary's matched
// obligation, making the relationship explicit and auditable. The duplicate
// stays in duplicate status and is never credited; the primary's approval
// and the obligation's balance are untouched.
func (s *Service) MergeDuplicates(ctx context.Context, duplicateID, primaryID domain.TransactionID) (*PaymentTransaction, error) {
	var updated *PaymentTransaction
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		dup, err := st.Transactions().Get(ctx, duplicateID)
		if err != nil {
			return notFound(err, "duplicate transaction")
		}
		if dup.Status != StatusDuplicate {
			return dErrors.New(dErrors.CodeConflict, "transaction is "+string(dup.Status)+", not a duplicate")
		}
		primary, err := st.Transactions().Get(ctx, primaryID)
		if err != nil {
			return notFound(err, "primary transaction")
		}
		if primary.MatchedObligationID == nil {
			return dErrors.New(dErrors.CodeConflict, "primary transaction has no matched obligation")
		}

		dup.DuplicateOf = &primary.ID
		dup.MatchedObligationID = primary.MatchedObligationID
		dup.UpdatedAt = requestcontext.Now(ctx)
		if err := st.Transactions().UpdateDecision(ctx, dup); err != nil {
			return err
		}
		updated = dup
		return s.emit(ctx, st, s.event(ctx, audit.ActionDuplicateMerged, dup, nil, primary.MatchedObligationID,
			"merged onto "+primary.ID.String()))
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementManualAction("merge_duplicates")
	return updated, nil
}

// Rematch re-runs matching and decision over unmatched transactions, for
// use after new obligations are provisioned. Each transaction commits
// independently so one failure does not roll back the batch. Returns how
// many transactions left unmatched status.
func (s *Service) Rematch(ctx context.Context, limit int) (int, error) {
	var pending []*PaymentTransaction
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		var err error
		pending, err = st.Transactions().ListByStatus(ctx, StatusUnmatched, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	transitioned := 0
	for _, tx := range pending {
		candidates, err := s.engine.Match(ctx, tx)
		if err != nil {
			return transitioned, err
		}
		outcome := Decide(tx, candidates, s.cfg)
		if outcome.Status == StatusUnmatched {
			continue
		}
		err = s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
			current, err := st.Transactions().Get(ctx, tx.ID)
			if err != nil {
				return err
			}
			// Someone may have resolved it since the listing.
			if current.Status != StatusUnmatched {
				return nil
			}
			return s.apply(ctx, st, current, outcome, "rematch")
		})
		if err != nil {
			return transitioned, err
		}
		transitioned++
	}
	if s.logger != nil && transitioned > 0 {
		s.logger.InfoContext(ctx, "rematch pass complete", "examined", len(pending), "transitioned", transitioned)
	}
	return transitioned, nil
}

// Get returns one transaction by id.
func (s *Service) Get(ctx context.Context, id domain.TransactionID) (*PaymentTransaction, error) {
	var tx *PaymentTransaction
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		var err error
		tx, err = st.Transactions().Get(ctx, id)
		return notFound(err, "transaction")
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Summary returns the status breakdown for dashboards, computed as a pure
// aggregate over transaction status.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.uow.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		counts, err := st.Transactions().StatusCounts(ctx)
		if err != nil {
			return err
		}
		sum.ByStatus = counts
		for _, n := range counts {
			sum.Total += n
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// credit re-reads the obligation under lock and applies the amount. Returns
// false without writing when the credit would push the paid total past the
// expected amount beyond tolerance; the earlier overpay check ran against a
// pre-transaction snapshot, so this read is the one that counts.
func (s *Service) credit(ctx context.Context, st Stores, id domain.ObligationID, amount decimal.Decimal) (bool, error) {
	obligation, err := st.Obligations().GetForUpdate(ctx, id)
	if err != nil {
		return false, err
	}
	if wouldOverpay(obligation, amount, s.cfg.OverpayTolerance) {
		return false, nil
	}
	newTotal := obligation.AmountPaidTotal.Add(amount)
	status := ObligationStatusAfter(obligation.ExpectedAmount, newTotal, s.cfg.AmountTolerance)
	if err := st.Obligations().Credit(ctx, obligation.ID, amount, status); err != nil {
		return false, err
	}
	return true, nil
}

// emit routes one event through the configured publisher, falling back to
// the unit of work's event store.
func (s *Service) emit(ctx context.Context, st Stores, event audit.Event) error {
	if s.publisher != nil {
		return s.publisher.Emit(ctx, event)
	}
	return st.Events().Append(ctx, event)
}

// closeException resolves the transaction's open exception if one exists.
// Already-resolved and missing exceptions are fine; manual actions must not
// fail because another actor got there first.
func (s *Service) closeException(ctx context.Context, st Stores, txID domain.TransactionID) error {
	exception, err := st.Exceptions().GetByTransaction(ctx, txID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = st.Exceptions().Resolve(ctx, exception.ID, requestcontext.Actor(ctx))
	if errors.Is(err, sentinel.ErrInvalidState) {
		return nil
	}
	if err == nil {
		s.metrics.ExceptionClosed()
	}
	return err
}

func (s *Service) event(ctx context.Context, action audit.Action, tx *PaymentTransaction, matchID *domain.MatchID, obligationID *domain.ObligationID, detail string) audit.Event {
	return audit.Event{
		ID:            uuid.New(),
		Timestamp:     requestcontext.Now(ctx),
		Actor:         requestcontext.Actor(ctx),
		Action:        action,
		TransactionID: tx.ID,
		MatchID:       matchID,
		ObligationID:  obligationID,
		Detail:        detail,
		RequestID:     requestcontext.RequestID(ctx),
	}
}

func (s *Service) rememberEvent(ctx context.Context, c Candidate) {
	if s.cache == nil || c.SourceEventID == "" {
		return
	}
	if err := s.cache.Remember(ctx, eventCacheKey(c)); err != nil && s.logger != nil {
		s.logger.DebugContext(ctx, "recent-event cache write failed", "error", err)
	}
}

func eventCacheKey(c Candidate) string {
	return string(c.Source) + ":" + c.SourceEventID
}

func notFound(err error, what string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	}
	return err
}
