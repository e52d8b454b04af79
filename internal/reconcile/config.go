package reconcile

import "github.com/shopspring/decimal"

// Config carries the engine's scoring and policy thresholds. Everything here
// is explicit so auto-approval policy is configuration, not an inference
// from reason identity: the default floor of 1.0 is only ever reached by an
// exact reference match, which reproduces the reserved behavior, but a
// deployment may lower the floor to allow partial-credit auto-approval.
type Config struct {
	// AutoApproveFloor is the confidence at or above which an unambiguous
	// best candidate is approved without human review.
	AutoApproveFloor decimal.Decimal
	// RelevanceFloor discards candidates scoring below it entirely.
	RelevanceFloor decimal.Decimal
	// AmbiguityDelta flags the outcome ambiguous when the top two
	// candidates score within this distance of each other.
	AmbiguityDelta decimal.Decimal
	// AmountTolerance is the absolute tolerance for amount equality.
	AmountTolerance decimal.Decimal
	// OverpayTolerance bounds how far an obligation's credited total may
	// exceed its expected amount before the approval is flagged.
	OverpayTolerance decimal.Decimal
	// DateWindowDays is the window for date proximity scoring; the signal
	// decays linearly and is zero beyond the window.
	DateWindowDays int
	// NameSimilarityFloor gates the payer-name fuzzy signal.
	NameSimilarityFloor float64
	// MaxReferenceAttempts bounds how many retry references per obligation
	// are recognized during reverse lookup.
	MaxReferenceAttempts int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		AutoApproveFloor:     decimal.NewFromInt(1),
		RelevanceFloor:       decimal.RequireFromString("0.20"),
		AmbiguityDelta:       decimal.RequireFromString("0.05"),
		AmountTolerance:      decimal.RequireFromString("0.01"),
		OverpayTolerance:     decimal.RequireFromString("0.01"),
		DateWindowDays:       30,
		NameSimilarityFloor:  0.80,
		MaxReferenceAttempts: 5,
	}
}

// Weights for the independent, non-exclusive match signals. An exact
// reference short-circuits scoring at full confidence; everything else
// accumulates and is capped below 1.0 so only exact_reference can reach the
// default auto-approve floor. Structural hints (student, item) carry more
// weight than the fuzzy payer-name signal.
var (
	weightAmount      = decimal.RequireFromString("0.35")
	weightStudentHint = decimal.RequireFromString("0.30")
	weightItemHint    = decimal.RequireFromString("0.30")
	weightPayerHint   = decimal.RequireFromString("0.25")
	weightDateMax     = decimal.RequireFromString("0.15")
	nonExactCap       = decimal.RequireFromString("0.99")
	fullConfidence    = decimal.NewFromInt(1)
)
