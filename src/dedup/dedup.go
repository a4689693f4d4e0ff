// src/dedup/dedup.go
package dedup

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/models"
)

// Kind is the three-tier classification of an incoming transaction.
type Kind string

const (
	// KindStrict: same provider ID, or identical (date, amount, reference),
	// or identical (date, amount, counterparty). Skipped outright.
	KindStrict Kind = "STRICT_DUPLICATE"
	// KindFuzzy: close date, close amount, similar description. Not
	// inserted; flagged for manual review.
	KindFuzzy Kind = "FUZZY_DUPLICATE"
	KindNew   Kind = "NEW"
)

// fuzzyAmountTolerance and fuzzyDateWindowDays bound the fuzzy tier.
var fuzzyAmountTolerance = decimal.New(1, -2) // 0.01

const fuzzyDateWindowDays = 2

// Classification pairs the verdict with the existing transaction it matched,
// when any.
type Classification struct {
	Kind       Kind
	Existing   *models.Transaction
	Similarity float64
}

// Classifier holds the fuzzy similarity threshold (percentage, default 70).
type Classifier struct {
	similarityThreshold float64
}

func NewClassifier(similarityThreshold float64) *Classifier {
	if similarityThreshold <= 0 {
		similarityThreshold = 70
	}
	return &Classifier{similarityThreshold: similarityThreshold}
}

// Classify evaluates the tiers in order; first match wins. Strict before
// fuzzy, so re-running the same import always lands on the same strict
// verdict regardless of what fuzzy flags exist.
func (c *Classifier) Classify(incoming models.TransactionDraft, existing []models.Transaction) Classification {
	for i := range existing {
		if isStrictDuplicate(incoming, &existing[i]) {
			return Classification{Kind: KindStrict, Existing: &existing[i]}
		}
	}

	for i := range existing {
		if similarity, ok := c.isFuzzyDuplicate(incoming, &existing[i]); ok {
			return Classification{Kind: KindFuzzy, Existing: &existing[i], Similarity: similarity}
		}
	}

	return Classification{Kind: KindNew}
}

func isStrictDuplicate(incoming models.TransactionDraft, existing *models.Transaction) bool {
	if incoming.ProviderID != "" && incoming.ProviderID == existing.ProviderID {
		return true
	}
	if !sameDay(incoming.Date, existing.Date) || !incoming.Amount.Equal(existing.Amount) {
		return false
	}
	if incoming.Reference != "" && incoming.Reference == existing.BankReference {
		return true
	}
	if incoming.Counterparty != "" && strings.EqualFold(incoming.Counterparty, existing.Counterparty) {
		return true
	}
	return false
}

func (c *Classifier) isFuzzyDuplicate(incoming models.TransactionDraft, existing *models.Transaction) (float64, bool) {
	dayDiff := incoming.Date.Sub(existing.Date).Hours() / 24
	if dayDiff < 0 {
		dayDiff = -dayDiff
	}
	if dayDiff > fuzzyDateWindowDays {
		return 0, false
	}
	if incoming.Amount.Sub(existing.Amount).Abs().GreaterThan(fuzzyAmountTolerance) {
		return 0, false
	}
	similarity := BigramSimilarity(incoming.Description, existing.Description)
	return similarity, similarity >= c.similarityThreshold
}

// BigramSimilarity is the Jaccard coefficient over character bigrams of the
// lowercased strings, scaled to 0..100. Symmetric, and 100 for identical
// non-trivial strings.
func BigramSimilarity(a, b string) float64 {
	aBigrams := bigramSet(strings.ToLower(a))
	bBigrams := bigramSet(strings.ToLower(b))

	if len(aBigrams) == 0 && len(bBigrams) == 0 {
		if strings.EqualFold(a, b) {
			return 100
		}
		return 0
	}
	if len(aBigrams) == 0 || len(bBigrams) == 0 {
		return 0
	}

	intersection := 0
	for bigram := range aBigrams {
		if bBigrams[bigram] {
			intersection++
		}
	}
	union := len(aBigrams) + len(bBigrams) - intersection
	return float64(intersection) / float64(union) * 100
}

func bigramSet(s string) map[string]bool {
	runes := []rune(s)
	set := make(map[string]bool, len(runes))
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = true
	}
	return set
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
