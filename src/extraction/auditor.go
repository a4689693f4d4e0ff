// src/extraction/auditor.go
package extraction

import (
	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/models"
)

// FailureKind distinguishes why a page failed its balance audit.
type FailureKind string

const (
	FailureNone FailureKind = ""
	// FailureMissingBalances: opening or closing balance absent, nothing to
	// audit against.
	FailureMissingBalances FailureKind = "MISSING_BALANCES"
	// FailureMathMismatch: recomputed closing balance diverges beyond
	// tolerance.
	FailureMathMismatch FailureKind = "MATH_MISMATCH"
)

// Verdict is the auditor's output. Discrepancy is the absolute divergence
// between claimed and computed closing balance; zero unless the failure is a
// math mismatch.
type Verdict struct {
	OK                bool
	Failure           FailureKind
	CalculatedClosing decimal.Decimal
	Discrepancy       decimal.Decimal
}

// Audit recomputes a page's closing balance from its opening balance and
// candidate transactions, and compares against the claimed closing balance
// within tolerance. Pure: never mutates state, only returns a verdict.
func Audit(candidate *PageCandidate, tolerance decimal.Decimal) Verdict {
	if candidate.OpeningBalance == nil || candidate.ClosingBalance == nil {
		return Verdict{Failure: FailureMissingBalances}
	}

	calculated := *candidate.OpeningBalance
	for _, tx := range candidate.Transactions {
		calculated = calculated.Add(tx.Amount)
	}

	discrepancy := calculated.Sub(*candidate.ClosingBalance).Abs()
	if discrepancy.GreaterThan(tolerance) {
		return Verdict{
			Failure:           FailureMathMismatch,
			CalculatedClosing: calculated,
			Discrepancy:       discrepancy,
		}
	}

	return Verdict{OK: true, CalculatedClosing: calculated}
}

// FailureError maps an audit failure to the error taxonomy.
func (v Verdict) FailureError() error {
	switch v.Failure {
	case FailureMissingBalances:
		return models.ErrMissingPageBalances
	case FailureMathMismatch:
		return models.ErrMathMismatch
	default:
		return nil
	}
}
