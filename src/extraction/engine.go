// src/extraction/engine.go
package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
)

// PageResult is the terminal outcome of the tier ladder for one page.
type PageResult struct {
	PageNumber  int                   `json:"pageNumber"`
	Status      models.PageStatus     `json:"status"`
	Candidate   *PageCandidate        `json:"candidate,omitempty"`
	RawText     string                `json:"rawText,omitempty"`
	FailureKind FailureKind           `json:"failureKind,omitempty"`
	TierUsed    models.ExtractionTier `json:"tierUsed"`
}

// Options tune the ladder. Zero values fall back to conservative defaults.
type Options struct {
	Tolerance   decimal.Decimal
	MaxAttempts int
	BackoffBase time.Duration
	PageWorkers int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Tolerance.IsZero() {
		opts.Tolerance = decimal.New(1, -2) // 0.01 currency unit
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	if opts.PageWorkers <= 0 {
		opts.PageWorkers = 4
	}
	return opts
}

// Engine drives the per-page extraction ladder: text model, audit, vision
// repair, audit again. Each tier is a stateless function over PageContext;
// the engine sequences them by failure kind. Page failure is isolated, never
// document-fatal.
type Engine struct {
	text   Provider
	vision Provider
	opts   Options
}

func NewEngine(text, vision Provider, opts Options) *Engine {
	return &Engine{text: text, vision: vision, opts: opts.withDefaults()}
}

// ProcessDocument runs the ladder over every page of the PDF. prior carries
// results from an interrupted earlier run; pages already verified there are
// reused, never re-extracted. On cancellation the partial results are
// returned alongside the error so the caller can journal pages that did
// verify before the shutdown.
func (e *Engine) ProcessDocument(ctx context.Context, raw []byte, prior map[int]PageResult) ([]PageResult, error) {
	texts, err := ExtractPageTexts(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedStatement, err)
	}

	results := e.processPages(ctx, texts, raw, prior)
	if ctx.Err() != nil {
		return results, ctx.Err()
	}
	return results, nil
}

// processPages drives the ladder over the given page texts. Independent
// pages run concurrently up to the page worker cap.
func (e *Engine) processPages(ctx context.Context, texts []string, raw []byte, prior map[int]PageResult) []PageResult {
	results := make([]PageResult, len(texts))
	sem := make(chan struct{}, e.opts.PageWorkers)
	var wg sync.WaitGroup

	for i := range texts {
		pageNumber := i + 1

		if prev, ok := prior[pageNumber]; ok && prev.Status == models.PageVerified {
			results[i] = prev
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx, pageNumber int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = e.processPage(ctx, PageContext{
				PageNumber: pageNumber,
				PageCount:  len(texts),
				Text:       texts[idx],
				RawPDF:     raw,
			})
		}(i, pageNumber)
	}
	wg.Wait()

	return results
}

// processPage walks one page through the ladder. Status moves strictly
// forward: pending -> needs-vision -> verified/failed.
func (e *Engine) processPage(ctx context.Context, page PageContext) PageResult {
	result := PageResult{
		PageNumber: page.PageNumber,
		Status:     models.PagePending,
		RawText:    page.Text,
	}

	// Checkpoint before each tier transition; a cancelled job abandons the
	// page here rather than mid-flight.
	if ctx.Err() != nil {
		result.Status = models.PageFailed
		result.FailureKind = FailureKind("CANCELLED")
		return result
	}

	candidate, err := e.callWithRetry(ctx, e.text, page)
	if err != nil {
		logger.L.Warn("Text extraction failed, escalating to vision", "page", page.PageNumber, "error", err)
		result.Status = models.PageNeedsVision
		return e.visionPass(ctx, page, nil, result)
	}
	result.TierUsed = models.TierText

	verdict := Audit(candidate, e.opts.Tolerance)
	if verdict.OK {
		result.Status = models.PageVerified
		result.Candidate = candidate
		return result
	}

	logger.L.Info("Page failed balance audit, escalating to vision",
		"page", page.PageNumber, "failure", verdict.Failure, "discrepancy", verdict.Discrepancy.String())
	result.Status = models.PageNeedsVision
	return e.visionPass(ctx, page, candidate, result)
}

// visionPass is the final tier: re-extract with the vision model seeded with
// the failed candidate, re-audit, and settle the page for good.
func (e *Engine) visionPass(ctx context.Context, page PageContext, prior *PageCandidate, result PageResult) PageResult {
	if ctx.Err() != nil {
		result.Status = models.PageFailed
		result.FailureKind = FailureKind("CANCELLED")
		return result
	}

	page.Prior = prior
	candidate, err := e.callWithRetry(ctx, e.vision, page)
	if err != nil {
		logger.L.Warn("Vision extraction failed, page is terminal", "page", page.PageNumber, "error", err)
		result.Status = models.PageFailed
		result.FailureKind = failureKindForError(err)
		return result
	}
	result.TierUsed = models.TierVision

	verdict := Audit(candidate, e.opts.Tolerance)
	if verdict.OK {
		result.Status = models.PageVerified
		result.Candidate = candidate
		return result
	}

	logger.L.Warn("Page failed balance audit after vision repair",
		"page", page.PageNumber, "failure", verdict.Failure, "discrepancy", verdict.Discrepancy.String())
	result.Status = models.PageFailed
	result.Candidate = candidate
	result.FailureKind = verdict.Failure
	return result
}

// callWithRetry retries transient provider failures with exponential backoff
// up to the attempt cap. Schema violations are not transient: the model
// answered, just badly, so the next tier gets its turn immediately.
func (e *Engine) callWithRetry(ctx context.Context, provider Provider, page PageContext) (*PageCandidate, error) {
	var lastErr error
	for attempt := 0; attempt < e.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := e.opts.BackoffBase * (1 << (attempt - 1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		candidate, err := provider.Extract(ctx, page)
		if err == nil {
			return candidate, nil
		}
		lastErr = err

		if errors.Is(err, models.ErrSchemaViolation) || ctx.Err() != nil {
			return nil, err
		}
		logger.L.Debug("Extraction attempt failed, backing off", "page", page.PageNumber, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("extraction exhausted %d attempts: %w", e.opts.MaxAttempts, lastErr)
}

func failureKindForError(err error) FailureKind {
	switch {
	case errors.Is(err, models.ErrExtractionTimeout):
		return FailureKind("EXTRACTION_TIMEOUT")
	case errors.Is(err, models.ErrSchemaViolation):
		return FailureKind("SCHEMA_VIOLATION")
	default:
		return FailureKind("EXTRACTION_ERROR")
	}
}

// AssembleStatement folds page results into one statement: opening balance
// from the first page that shows one, closing from the last, transactions
// from verified pages only. No page yielding balances at all means the
// document never cohered into a statement.
func AssembleStatement(results []PageResult) (*models.ParsedStatement, error) {
	parsed := &models.ParsedStatement{}
	var haveOpening, haveClosing bool

	for _, page := range results {
		if page.Candidate == nil {
			continue
		}
		if !haveOpening && page.Candidate.OpeningBalance != nil {
			parsed.OpeningBalance = *page.Candidate.OpeningBalance
			haveOpening = true
		}
		if page.Candidate.ClosingBalance != nil {
			parsed.ClosingBalance = *page.Candidate.ClosingBalance
			haveClosing = true
		}
		if page.Status != models.PageVerified {
			continue
		}
		for _, tx := range page.Candidate.Transactions {
			tx.PageNumber = page.PageNumber
			if parsed.PeriodStart.IsZero() || tx.Date.Before(parsed.PeriodStart) {
				parsed.PeriodStart = tx.Date
			}
			if parsed.PeriodEnd.IsZero() || tx.Date.After(parsed.PeriodEnd) {
				parsed.PeriodEnd = tx.Date
			}
			parsed.Transactions = append(parsed.Transactions, tx)
		}
	}

	if !haveOpening || !haveClosing {
		return nil, fmt.Errorf("%w: no page produced opening and closing balances", models.ErrMalformedStatement)
	}
	return parsed, nil
}
