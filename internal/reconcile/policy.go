package reconcile

import "github.com/shopspring/decimal"

// Outcome is the result of applying the transition policy to one scored
// transaction.
type Outcome struct {
	Status TransactionStatus
	// Best is the winning candidate, nil when no candidate survived the
	// relevance floor.
	Best *MatchCandidate
	// Ambiguous is set when several candidates scored within the ambiguity
	// delta of each other.
	Ambiguous bool
	// Overpay is set when crediting the transaction would push the
	// obligation's paid total past its expected amount beyond tolerance.
	// Such approvals are withheld and routed to review instead.
	Overpay bool
}

// Decide maps scored candidates onto the transaction state machine. It is a
// pure function so the policy stays centralized and testable: the caller
// performs all writes. Re-deciding a terminal transaction returns its
// existing status unchanged.
func Decide(tx *PaymentTransaction, candidates []MatchCandidate, cfg Config) Outcome {
	if tx.Status.IsTerminal() {
		return Outcome{Status: tx.Status}
	}

	if len(candidates) == 0 {
		return Outcome{Status: StatusUnmatched}
	}

	best := candidates[0]
	ambiguous := hasReason(best.Reasons, ReasonAmbiguousCandidate)

	if best.Confidence.Cmp(cfg.AutoApproveFloor) >= 0 && !ambiguous {
		if wouldOverpay(best.Obligation, tx.Amount, cfg.OverpayTolerance) {
			return Outcome{Status: StatusNeedsReview, Best: &best, Overpay: true}
		}
		return Outcome{Status: StatusApproved, Best: &best}
	}

	return Outcome{Status: StatusNeedsReview, Best: &best, Ambiguous: ambiguous}
}

// ObligationStatusAfter recomputes an obligation's status once paidTotal has
// been credited, comparing against the expected amount with tolerance.
func ObligationStatusAfter(expected, paidTotal, tolerance decimal.Decimal) ObligationStatus {
	if paidTotal.Cmp(expected.Sub(tolerance)) >= 0 {
		return ObligationPaid
	}
	if paidTotal.IsPositive() {
		return ObligationPartiallyPaid
	}
	return ObligationUnpaid
}

func wouldOverpay(o *PaymentObligation, amount, tolerance decimal.Decimal) bool {
	return amount.Cmp(o.Remaining().Add(tolerance)) > 0
}

func hasReason(reasons []Reason, want Reason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
