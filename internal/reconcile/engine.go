package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tally/internal/reference"
	"tally/internal/roster"
	"tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
)

// Engine scores candidate obligations against a transaction. Scoring is
// deterministic: identical inputs always produce identical confidences and
// reason lists, with no randomness and fixed-point rounding to 2 decimals.
type Engine struct {
	obligations ObligationStore
	directory   Directory
	codec       *reference.Codec
	cfg         Config
	logger      *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine constructs a matching engine over pool-backed read stores.
func NewEngine(obligations ObligationStore, directory Directory, codec *reference.Codec, cfg Config, opts ...EngineOption) (*Engine, error) {
	if obligations == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "obligation store is required")
	}
	if codec == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "reference codec is required")
	}
	e := &Engine{
		obligations: obligations,
		directory:   directory,
		codec:       codec,
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// gathered accumulates the independent signals for one candidate obligation
// before scoring.
type gathered struct {
	obligation  *PaymentObligation
	exactRef    bool
	amountMatch bool
	studentHint bool
	itemHint    bool
	payerMatch  bool
}

// Match returns scored candidates for the transaction, ordered by
// confidence descending (ties broken by obligation id for determinism).
// Candidates below the relevance floor are discarded.
func (e *Engine) Match(ctx context.Context, tx *PaymentTransaction) ([]MatchCandidate, error) {
	var (
		openObligations   []*PaymentObligation
		amountCandidates  []*PaymentObligation
		studentCandidates []*PaymentObligation
		itemCandidates    []*PaymentObligation
		students          []roster.Student
	)

	// Independent lookups fan out; each goroutine writes its own slot.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		openObligations, err = e.obligations.ListOpen(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		amountCandidates, err = e.obligations.ListOpenByAmount(gctx, tx.Amount, e.cfg.AmountTolerance)
		return err
	})
	if tx.StudentHint != nil {
		g.Go(func() error {
			var err error
			studentCandidates, err = e.obligations.ListByStudent(gctx, *tx.StudentHint)
			return err
		})
	}
	if tx.ItemHint != nil {
		g.Go(func() error {
			var err error
			itemCandidates, err = e.obligations.ListByItem(gctx, *tx.ItemHint)
			return err
		})
	}
	if e.directory != nil {
		g.Go(func() error {
			var err error
			students, err = e.directory.Students(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "gather match candidates")
	}

	studentByID := make(map[domain.StudentID]roster.Student, len(students))
	for _, s := range students {
		studentByID[s.ID] = s
	}

	pool := make(map[domain.ObligationID]*gathered)
	add := func(o *PaymentObligation) *gathered {
		if existing, ok := pool[o.ID]; ok {
			return existing
		}
		entry := &gathered{obligation: o}
		pool[o.ID] = entry
		return entry
	}

	// Reference recognition runs over the open set: exact equality against
	// the codec's candidate set (covers gateway retry references) or the
	// stored reference, plus containment for statement rows that embed the
	// reference in surrounding text.
	normalizedRef := NormalizeReference(tx.Reference)
	if normalizedRef != "" {
		for _, o := range openObligations {
			exact, contained, err := e.referenceSignal(normalizedRef, o)
			if err != nil {
				return nil, err
			}
			if exact {
				add(o).exactRef = true
			} else if contained {
				add(o)
			}
		}
	}

	for _, o := range amountCandidates {
		add(o).amountMatch = true
	}
	for _, o := range studentCandidates {
		add(o).studentHint = true
	}
	for _, o := range itemCandidates {
		add(o).itemHint = true
	}

	// Payer-name recognition: when the payer text resembles a known student,
	// that student's open obligations become candidates.
	normalizedPayer := NormalizePayerName(tx.PayerName)
	if normalizedPayer != "" {
		for _, o := range openObligations {
			student, known := studentByID[o.StudentID]
			if !known {
				continue
			}
			if payerResembles(normalizedPayer, student, e.cfg.NameSimilarityFloor) {
				add(o).payerMatch = true
			}
		}
	}

	// The amount lookup only covers open obligations; structural-hint and
	// payer candidates may still deserve the amount signal.
	for _, entry := range pool {
		if !entry.amountMatch && amountWithinTolerance(tx.Amount, entry.obligation.ExpectedAmount, e.cfg.AmountTolerance) {
			entry.amountMatch = true
		}
	}

	candidates := e.score(tx, pool)

	if e.logger != nil {
		e.logger.DebugContext(ctx, "matching complete",
			"transaction_id", tx.ID,
			"pool_size", len(pool),
			"candidates", len(candidates),
		)
	}
	return candidates, nil
}

// referenceSignal reports exact equality (stored reference or any codec
// retry candidate) and containment for one obligation.
func (e *Engine) referenceSignal(normalizedRef string, o *PaymentObligation) (exact, contained bool, err error) {
	stored := NormalizeReference(o.Reference)
	if stored != "" {
		if normalizedRef == stored {
			return true, false, nil
		}
		if strings.Contains(normalizedRef, stored) || strings.Contains(stored, normalizedRef) {
			contained = true
		}
	}

	refs, err := e.codec.Candidates(o.ItemID, o.StudentID, e.cfg.MaxReferenceAttempts)
	if err != nil {
		return false, false, dErrors.Wrap(err, dErrors.CodeInternal, "expand reference candidates")
	}
	for _, candidate := range refs {
		if normalizedRef == NormalizeReference(candidate) {
			return true, false, nil
		}
	}
	return false, contained, nil
}

func (e *Engine) score(tx *PaymentTransaction, pool map[domain.ObligationID]*gathered) []MatchCandidate {
	candidates := make([]MatchCandidate, 0, len(pool))
	for _, entry := range pool {
		candidate := e.scoreOne(tx, entry)
		if candidate.Confidence.Cmp(e.cfg.RelevanceFloor) >= 0 {
			candidates = append(candidates, candidate)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if cmp := candidates[i].Confidence.Cmp(candidates[j].Confidence); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].Obligation.ID.String() < candidates[j].Obligation.ID.String()
	})

	// Ambiguity: several candidates within a small delta of the leader.
	if len(candidates) > 1 {
		top := candidates[0].Confidence
		if top.Sub(candidates[1].Confidence).Cmp(e.cfg.AmbiguityDelta) <= 0 {
			for i := range candidates {
				if top.Sub(candidates[i].Confidence).Cmp(e.cfg.AmbiguityDelta) <= 0 {
					candidates[i].Reasons = append(candidates[i].Reasons, ReasonAmbiguousCandidate)
				}
			}
		}
	}
	return candidates
}

func (e *Engine) scoreOne(tx *PaymentTransaction, entry *gathered) MatchCandidate {
	// An exact reference is conclusive on its own and short-circuits
	// further scoring.
	if entry.exactRef {
		return MatchCandidate{
			Obligation: entry.obligation,
			Confidence: fullConfidence,
			Reasons:    []Reason{ReasonExactReference},
		}
	}

	confidence := decimal.Zero
	var reasons []Reason

	if entry.amountMatch {
		confidence = confidence.Add(weightAmount)
		reasons = append(reasons, ReasonAmountMatch)
	}
	if entry.studentHint {
		confidence = confidence.Add(weightStudentHint)
		reasons = append(reasons, ReasonStudentHintMatch)
	}
	if entry.payerMatch {
		confidence = confidence.Add(weightPayerHint)
		reasons = append(reasons, ReasonPayerHintMatch)
	}
	if entry.itemHint {
		confidence = confidence.Add(weightItemHint)
		reasons = append(reasons, ReasonItemHintMatch)
	}
	if contribution := dateProximity(tx.PaidAt, entry.obligation.DueDate, e.cfg.DateWindowDays); contribution.IsPositive() {
		confidence = confidence.Add(contribution)
		reasons = append(reasons, ReasonDateProximityMatch)
	}

	confidence = confidence.Round(2)
	if confidence.Cmp(nonExactCap) > 0 {
		confidence = nonExactCap
	}
	return MatchCandidate{
		Obligation: entry.obligation,
		Confidence: confidence,
		Reasons:    reasons,
	}
}

func amountWithinTolerance(amount, expected, tolerance decimal.Decimal) bool {
	return amount.Sub(expected).Abs().Cmp(tolerance) <= 0
}

// dateProximity decays linearly with the distance between the paid date and
// the due date; zero at or beyond the window.
func dateProximity(paidAt, dueDate time.Time, windowDays int) decimal.Decimal {
	if windowDays <= 0 || dueDate.IsZero() {
		return decimal.Zero
	}
	seconds := paidAt.Unix() - dueDate.Unix()
	if seconds < 0 {
		seconds = -seconds
	}
	days := int(seconds / 86400)
	if days >= windowDays {
		return decimal.Zero
	}
	return weightDateMax.
		Mul(decimal.NewFromInt(int64(windowDays - days))).
		Div(decimal.NewFromInt(int64(windowDays))).
		Round(2)
}

// payerResembles reports whether the normalized payer text plausibly refers
// to the student: the student code appears in the text, or the name
// similarity clears the floor.
func payerResembles(normalizedPayer string, student roster.Student, floor float64) bool {
	compactPayer := strings.ReplaceAll(normalizedPayer, " ", "")
	if code := NormalizeReference(student.Code); code != "" {
		compactCode := strings.ReplaceAll(strings.ReplaceAll(code, "-", ""), " ", "")
		if compactCode != "" && strings.Contains(compactPayer, compactCode) {
			return true
		}
	}
	return nameSimilarity(normalizedPayer, NormalizePayerName(student.FullName)) >= floor
}

// nameSimilarity scores how well the payer text covers the student's name
// tokens, using per-token levenshtein distance. Range [0,1].
func nameSimilarity(payer, name string) float64 {
	payerTokens := strings.Fields(payer)
	nameTokens := strings.Fields(name)
	if len(nameTokens) == 0 || len(payerTokens) == 0 {
		return 0
	}

	total := 0.0
	for _, nameTok := range nameTokens {
		best := 0.0
		for _, payerTok := range payerTokens {
			dist := levenshtein(nameTok, payerTok)
			maxLen := len(nameTok)
			if len(payerTok) > maxLen {
				maxLen = len(payerTok)
			}
			if maxLen == 0 {
				continue
			}
			sim := 1 - float64(dist)/float64(maxLen)
			if sim > best {
				best = sim
			}
		}
		total += best
	}
	return total / float64(len(nameTokens))
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if a < b && a < c {
		return a
	}
	if b < c {
		return b
	}
	return c
}
