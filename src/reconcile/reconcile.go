// src/reconcile/reconcile.go
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/texttheater/golang-levenshtein/levenshtein"
	"github.com/username/clearledger/src/models"
)

// Scoring weights. Amount identity dominates: without it a pairing can never
// reach the auto-match threshold.
const (
	amountWeight       = 40.0
	referenceWeight    = 30.0
	counterpartyWeight = 20.0
	dateWeight         = 10.0

	// dateCloseWindowDays is how far from the due date a payment still earns
	// the full date weight. Amount + reference + a payment inside this window
	// must clear the default auto-match threshold on their own: a referenced
	// exact-amount credit a few days around the due date is a match even when
	// the bank's counterparty string resembles nothing on the invoice.
	dateCloseWindowDays = 7.0

	// dateProximityWindowDays is where the date component reaches zero,
	// decaying linearly from the close window's edge.
	dateProximityWindowDays = 30.0
)

// Match is a proposed pairing of one credit transaction with one unpaid
// invoice, with the score that produced it.
type Match struct {
	Transaction *models.Transaction
	Invoice     *models.Invoice
	Score       float64
}

// Matcher proposes transaction/invoice pairings. autoMatchThreshold is the
// minimum score for an automatic match (default 80).
type Matcher struct {
	autoMatchThreshold float64
}

func NewMatcher(autoMatchThreshold float64) *Matcher {
	if autoMatchThreshold <= 0 {
		autoMatchThreshold = 80
	}
	return &Matcher{autoMatchThreshold: autoMatchThreshold}
}

func (m *Matcher) Threshold() float64 {
	return m.autoMatchThreshold
}

// Propose scores every eligible (transaction, invoice) pair and returns the
// pairings at or above the auto-match threshold, best first, each transaction
// and each invoice claimed at most once. Only unmatched credits and unpaid
// invoices are considered, so running it twice over the same ledger proposes
// nothing new.
func (m *Matcher) Propose(transactions []models.Transaction, invoices []models.Invoice) []Match {
	var candidates []Match
	for ti := range transactions {
		tx := &transactions[ti]
		if tx.MatchStatus != models.MatchUnmatched || !tx.IsCredit() {
			continue
		}
		for ii := range invoices {
			inv := &invoices[ii]
			if inv.PaidAt != nil {
				continue
			}
			score := m.Score(tx, inv)
			if score >= m.autoMatchThreshold {
				candidates = append(candidates, Match{Transaction: tx, Invoice: inv, Score: score})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	usedTx := make(map[int64]bool)
	usedInv := make(map[int64]bool)
	matches := candidates[:0]
	for _, c := range candidates {
		if usedTx[c.Transaction.ID] || usedInv[c.Invoice.ID] {
			continue
		}
		usedTx[c.Transaction.ID] = true
		usedInv[c.Invoice.ID] = true
		matches = append(matches, c)
	}
	return matches
}

// Score rates one pairing on a 0..100 scale from four signals: exact amount,
// invoice number appearing in the bank reference or description, counterparty
// name similarity, and payment date proximity to the due date.
func (m *Matcher) Score(tx *models.Transaction, inv *models.Invoice) float64 {
	score := 0.0

	if tx.Amount.Equal(inv.Amount) {
		score += amountWeight
	}
	if referenceMentionsInvoice(tx, inv.InvoiceNumber) {
		score += referenceWeight
	}
	score += counterpartyWeight * nameSimilarity(tx.Counterparty, inv.Counterparty)
	score += dateWeight * dateProximity(tx.Date, inv.DueAt)

	return score
}

// referenceMentionsInvoice looks for the invoice number inside the bank
// reference or, failing that, the free-text description.
func referenceMentionsInvoice(tx *models.Transaction, invoiceNumber string) bool {
	if invoiceNumber == "" {
		return false
	}
	needle := strings.ToLower(invoiceNumber)
	return strings.Contains(strings.ToLower(tx.BankReference), needle) ||
		strings.Contains(strings.ToLower(tx.Description), needle)
}

// nameSimilarity is the Levenshtein ratio of the lowercased names, 0..1.
func nameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.RatioForStrings(
		[]rune(strings.ToLower(a)),
		[]rune(strings.ToLower(b)),
		levenshtein.DefaultOptions,
	)
}

// dateProximity is 1 inside the close window around the due date, then
// decays linearly to 0 at the outer window edge.
func dateProximity(paymentDate, dueAt time.Time) float64 {
	if dueAt.IsZero() {
		return 0
	}
	days := paymentDate.Sub(dueAt).Hours() / 24
	if days < 0 {
		days = -days
	}
	if days <= dateCloseWindowDays {
		return 1
	}
	if days >= dateProximityWindowDays {
		return 0
	}
	return 1 - (days-dateCloseWindowDays)/(dateProximityWindowDays-dateCloseWindowDays)
}
