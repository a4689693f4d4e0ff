// src/extraction/engine_test.go
package extraction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

// fakeProvider scripts Extract responses and records calls.
type fakeProvider struct {
	calls     int
	lastPage  PageContext
	responses []func() (*PageCandidate, error)
}

func (f *fakeProvider) Extract(ctx context.Context, page PageContext) (*PageCandidate, error) {
	f.lastPage = page
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx]()
}

func respond(c *PageCandidate, err error) func() (*PageCandidate, error) {
	return func() (*PageCandidate, error) { return c, err }
}

func goodCandidate() *PageCandidate {
	return &PageCandidate{
		OpeningBalance: decPtr("100.00"),
		ClosingBalance: decPtr("150.00"),
		Transactions:   []models.TransactionDraft{{Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Amount: dec("50.00")}},
	}
}

func badCandidate() *PageCandidate {
	return &PageCandidate{
		OpeningBalance: decPtr("100.00"),
		ClosingBalance: decPtr("175.00"),
		Transactions:   []models.TransactionDraft{{Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Amount: dec("50.00")}},
	}
}

func testOptions() Options {
	return Options{MaxAttempts: 3, BackoffBase: time.Millisecond, PageWorkers: 1}
}

func TestProcessPageTextTierVerifies(t *testing.T) {
	text := &fakeProvider{responses: []func() (*PageCandidate, error){respond(goodCandidate(), nil)}}
	vision := &fakeProvider{responses: []func() (*PageCandidate, error){respond(nil, errors.New("should not be called"))}}
	engine := NewEngine(text, vision, testOptions())

	result := engine.processPage(context.Background(), PageContext{PageNumber: 1, PageCount: 1})

	assert.Equal(t, models.PageVerified, result.Status)
	assert.Equal(t, models.TierText, result.TierUsed)
	assert.Equal(t, 0, vision.calls)
	require.NotNil(t, result.Candidate)
}

func TestProcessPageEscalatesToVisionOnAuditFailure(t *testing.T) {
	text := &fakeProvider{responses: []func() (*PageCandidate, error){respond(badCandidate(), nil)}}
	vision := &fakeProvider{responses: []func() (*PageCandidate, error){respond(goodCandidate(), nil)}}
	engine := NewEngine(text, vision, testOptions())

	result := engine.processPage(context.Background(), PageContext{PageNumber: 2, PageCount: 3})

	assert.Equal(t, models.PageVerified, result.Status)
	assert.Equal(t, models.TierVision, result.TierUsed)
	assert.Equal(t, 1, vision.calls)
	// The failed candidate is handed to the vision tier for repair.
	require.NotNil(t, vision.lastPage.Prior)
	assert.True(t, vision.lastPage.Prior.ClosingBalance.Equal(dec("175.00")))
}

func TestProcessPageFailsAfterVisionAuditFailure(t *testing.T) {
	text := &fakeProvider{responses: []func() (*PageCandidate, error){respond(badCandidate(), nil)}}
	vision := &fakeProvider{responses: []func() (*PageCandidate, error){respond(badCandidate(), nil)}}
	engine := NewEngine(text, vision, testOptions())

	result := engine.processPage(context.Background(), PageContext{PageNumber: 1, PageCount: 1})

	assert.Equal(t, models.PageFailed, result.Status)
	assert.Equal(t, FailureMathMismatch, result.FailureKind)
	// The last candidate stays attached for manual review.
	assert.NotNil(t, result.Candidate)
}

func TestProcessPageSchemaViolationSkipsRetries(t *testing.T) {
	schemaErr := fmt.Errorf("%w: gibberish", models.ErrSchemaViolation)
	text := &fakeProvider{responses: []func() (*PageCandidate, error){respond(nil, schemaErr)}}
	vision := &fakeProvider{responses: []func() (*PageCandidate, error){respond(goodCandidate(), nil)}}
	engine := NewEngine(text, vision, testOptions())

	result := engine.processPage(context.Background(), PageContext{PageNumber: 1, PageCount: 1})

	assert.Equal(t, models.PageVerified, result.Status)
	assert.Equal(t, 1, text.calls, "schema violations must not be retried")
}

func TestCallWithRetryTransientErrors(t *testing.T) {
	flaky := &fakeProvider{responses: []func() (*PageCandidate, error){
		respond(nil, errors.New("transient")),
		respond(nil, errors.New("transient")),
		respond(goodCandidate(), nil),
	}}
	engine := NewEngine(flaky, flaky, testOptions())

	candidate, err := engine.callWithRetry(context.Background(), flaky, PageContext{PageNumber: 1})
	require.NoError(t, err)
	assert.NotNil(t, candidate)
	assert.Equal(t, 3, flaky.calls)
}

func TestCallWithRetryExhaustsAttempts(t *testing.T) {
	failing := &fakeProvider{responses: []func() (*PageCandidate, error){respond(nil, errors.New("transient"))}}
	engine := NewEngine(failing, failing, testOptions())

	_, err := engine.callWithRetry(context.Background(), failing, PageContext{PageNumber: 1})
	require.Error(t, err)
	assert.Equal(t, 3, failing.calls)
}

func TestProcessPagesReusesVerifiedPriorPages(t *testing.T) {
	text := &fakeProvider{responses: []func() (*PageCandidate, error){respond(goodCandidate(), nil)}}
	vision := &fakeProvider{responses: []func() (*PageCandidate, error){respond(nil, errors.New("should not be called"))}}
	engine := NewEngine(text, vision, testOptions())

	prior := map[int]PageResult{
		1: {PageNumber: 1, Status: models.PageVerified, TierUsed: models.TierText, Candidate: goodCandidate()},
	}

	results := engine.processPages(context.Background(), []string{"page one", "page two"}, nil, prior)
	require.Len(t, results, 2)
	assert.Equal(t, models.PageVerified, results[0].Status)
	assert.Equal(t, models.PageVerified, results[1].Status)
	// Only the page missing from the journal is extracted again.
	assert.Equal(t, 1, text.calls)
	assert.Equal(t, 2, text.lastPage.PageNumber)
}

func TestProcessPagesCancelledContextKeepsPriorVerified(t *testing.T) {
	text := &fakeProvider{responses: []func() (*PageCandidate, error){respond(goodCandidate(), nil)}}
	vision := &fakeProvider{responses: []func() (*PageCandidate, error){respond(goodCandidate(), nil)}}
	engine := NewEngine(text, vision, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prior := map[int]PageResult{
		1: {PageNumber: 1, Status: models.PageVerified, TierUsed: models.TierText, Candidate: goodCandidate()},
	}

	results := engine.processPages(ctx, []string{"page one", "page two"}, nil, prior)
	require.Len(t, results, 2)
	// The verified page survives the shutdown untouched; the unfinished one
	// is marked cancelled so a resume picks it up.
	assert.Equal(t, models.PageVerified, results[0].Status)
	assert.Equal(t, 0, text.calls)
	assert.Equal(t, models.PageFailed, results[1].Status)
	assert.Equal(t, FailureKind("CANCELLED"), results[1].FailureKind)
}

func TestAssembleStatement(t *testing.T) {
	results := []PageResult{
		{
			PageNumber: 1,
			Status:     models.PageVerified,
			Candidate: &PageCandidate{
				OpeningBalance: decPtr("1000.00"),
				ClosingBalance: decPtr("1200.00"),
				Transactions:   []models.TransactionDraft{{Date: time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), Amount: dec("200.00")}},
			},
		},
		{
			PageNumber: 2,
			Status:     models.PageFailed,
			Candidate: &PageCandidate{
				Transactions: []models.TransactionDraft{{Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), Amount: dec("999.00")}},
			},
		},
		{
			PageNumber: 3,
			Status:     models.PageVerified,
			Candidate: &PageCandidate{
				OpeningBalance: decPtr("1200.00"),
				ClosingBalance: decPtr("1150.00"),
				Transactions:   []models.TransactionDraft{{Date: time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC), Amount: dec("-50.00")}},
			},
		},
	}

	parsed, err := AssembleStatement(results)
	require.NoError(t, err)

	assert.True(t, parsed.OpeningBalance.Equal(dec("1000.00")))
	assert.True(t, parsed.ClosingBalance.Equal(dec("1150.00")))
	// Failed pages contribute no transactions.
	require.Len(t, parsed.Transactions, 2)
	assert.Equal(t, 1, parsed.Transactions[0].PageNumber)
	assert.Equal(t, 3, parsed.Transactions[1].PageNumber)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), parsed.PeriodStart)
	assert.Equal(t, time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC), parsed.PeriodEnd)
}

func TestAssembleStatementNoBalances(t *testing.T) {
	results := []PageResult{
		{PageNumber: 1, Status: models.PageFailed},
		{PageNumber: 2, Status: models.PageFailed, Candidate: &PageCandidate{}},
	}
	_, err := AssembleStatement(results)
	assert.True(t, errors.Is(err, models.ErrMalformedStatement), "got %v", err)
}
