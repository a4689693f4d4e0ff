// src/extraction/gemini.go
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/models"
	"google.golang.org/genai"
)

// pageSchema constrains model output to the fixed extraction shape. Free-form
// text responses are rejected by the API itself.
var pageSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"transactions": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"date":      {Type: genai.TypeString, Description: "ISO date YYYY-MM-DD"},
					"direction": {Type: genai.TypeString, Enum: []string{"IN", "OUT"}},
					"amount":    {Type: genai.TypeNumber, Description: "absolute value, always positive"},
					"payee":     {Type: genai.TypeString},
					"reference": {Type: genai.TypeString},
				},
				Required: []string{"date", "direction", "amount"},
			},
		},
		"openingBalance": {Type: genai.TypeNumber, Nullable: genai.Ptr(true)},
		"closingBalance": {Type: genai.TypeNumber, Nullable: genai.Ptr(true)},
	},
	Required: []string{"transactions"},
}

const textExtractionPrompt = `You are a bank statement page extractor.
Given the raw text of ONE page of a bank statement, extract:
- every transaction on the page: date (ISO YYYY-MM-DD), direction ("IN" for money received, "OUT" for money spent), amount (absolute value), payee, reference
- the page opening balance (balance shown at the top of the page, "balance brought forward"), null if the page does not show one
- the page closing balance (balance at the bottom, "balance carried forward"), null if not shown
Watch out for transaction descriptions wrapped across lines: a wrapped description is ONE transaction, not two.`

const visionRepairPrompt = `You are a bank statement page extractor with vision.
A previous text-only extraction of this page FAILED its balance audit: the transactions did not add up from the opening balance to the closing balance.
You receive the statement document, the page number to extract, the raw page text, and the previous (incorrect) extraction.
Common causes: a description wrapped across two lines was split into two spurious transactions; a digit was misread; a transaction was missed entirely.
Re-extract the page carefully from the document image and return the corrected result in the same shape.`

// NewGeminiClient builds the shared GenAI client. API key comes from the
// environment (GEMINI_API_KEY / GOOGLE_API_KEY), per the SDK's defaults.
func NewGeminiClient(ctx context.Context) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// TextModelProvider is the Tier 2 extractor: page text in, structured
// candidate out.
type TextModelProvider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func NewTextModelProvider(client *genai.Client, model string, timeout time.Duration) *TextModelProvider {
	return &TextModelProvider{client: client, model: model, timeout: timeout}
}

func (p *TextModelProvider) Extract(ctx context.Context, page PageContext) (*PageCandidate, error) {
	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: textExtractionPrompt},
				{Text: fmt.Sprintf("Page %d of %d.\n\nPAGE TEXT:\n%s", page.PageNumber, page.PageCount, page.Text)},
			},
		},
	}
	return generateCandidate(ctx, p.client, p.model, contents, p.timeout)
}

// VisionModelProvider is the Tier 3 extractor. It re-extracts a failed page
// from the document itself, seeded with the prior candidate so the model can
// repair rather than re-derive. A secondary model takes over when the
// primary reports itself unavailable.
type VisionModelProvider struct {
	client        *genai.Client
	model         string
	fallbackModel string
	timeout       time.Duration
}

func NewVisionModelProvider(client *genai.Client, model, fallbackModel string, timeout time.Duration) *VisionModelProvider {
	return &VisionModelProvider{client: client, model: model, fallbackModel: fallbackModel, timeout: timeout}
}

func (p *VisionModelProvider) Extract(ctx context.Context, page PageContext) (*PageCandidate, error) {
	priorJSON := "null"
	if page.Prior != nil {
		if encoded, err := json.Marshal(page.Prior); err == nil {
			priorJSON = string(encoded)
		}
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: visionRepairPrompt},
				{Text: fmt.Sprintf("Extract page %d of %d.\n\nPAGE TEXT:\n%s\n\nPREVIOUS FAILED EXTRACTION:\n%s", page.PageNumber, page.PageCount, page.Text, priorJSON)},
				{
					InlineData: &genai.Blob{
						MIMEType: "application/pdf",
						Data:     page.RawPDF,
					},
				},
			},
		},
	}

	candidate, err := generateCandidate(ctx, p.client, p.model, contents, p.timeout)
	if err != nil && p.fallbackModel != "" && isProviderUnavailable(err) {
		logger.L.Warn("Primary vision model unavailable, trying fallback", "model", p.model, "fallback", p.fallbackModel, "error", err)
		return generateCandidate(ctx, p.client, p.fallbackModel, contents, p.timeout)
	}
	return candidate, err
}

// isProviderUnavailable distinguishes vendor outages from our own typed
// failures; only the former justify switching providers.
func isProviderUnavailable(err error) bool {
	return !errors.Is(err, models.ErrExtractionTimeout) && !errors.Is(err, models.ErrSchemaViolation)
}

// modelPage mirrors the response schema. Amounts decode as json.Number so
// they reach decimal arithmetic without passing through float64.
type modelPage struct {
	Transactions []struct {
		Date      string      `json:"date"`
		Direction string      `json:"direction"`
		Amount    json.Number `json:"amount"`
		Payee     string      `json:"payee"`
		Reference string      `json:"reference"`
	} `json:"transactions"`
	OpeningBalance *json.Number `json:"openingBalance"`
	ClosingBalance *json.Number `json:"closingBalance"`
}

func generateCandidate(ctx context.Context, client *genai.Client, model string, contents []*genai.Content, timeout time.Duration) (*PageCandidate, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   pageSchema,
	}

	resp, err := client.Models.GenerateContent(callCtx, model, contents, cfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: model %s: %v", models.ErrExtractionTimeout, model, err)
		}
		return nil, fmt.Errorf("generate content with %s: %w", model, err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, fmt.Errorf("%w: empty response from %s", models.ErrSchemaViolation, model)
	}

	decoder := json.NewDecoder(strings.NewReader(rawText))
	decoder.UseNumber()
	var page modelPage
	if err := decoder.Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response from %s: %v", models.ErrSchemaViolation, model, err)
	}

	return modelPageToCandidate(&page)
}

func modelPageToCandidate(page *modelPage) (*PageCandidate, error) {
	candidate := &PageCandidate{
		Transactions: make([]models.TransactionDraft, 0, len(page.Transactions)),
	}

	var err error
	if candidate.OpeningBalance, err = numberToDecimal(page.OpeningBalance); err != nil {
		return nil, fmt.Errorf("%w: opening balance: %v", models.ErrSchemaViolation, err)
	}
	if candidate.ClosingBalance, err = numberToDecimal(page.ClosingBalance); err != nil {
		return nil, fmt.Errorf("%w: closing balance: %v", models.ErrSchemaViolation, err)
	}

	for _, tx := range page.Transactions {
		date, err := time.Parse("2006-01-02", tx.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction date %q: %v", models.ErrSchemaViolation, tx.Date, err)
		}
		amount, err := decimal.NewFromString(tx.Amount.String())
		if err != nil {
			return nil, fmt.Errorf("%w: transaction amount %q: %v", models.ErrSchemaViolation, tx.Amount.String(), err)
		}
		amount = amount.Abs()
		if strings.EqualFold(tx.Direction, "OUT") {
			amount = amount.Neg()
		}
		candidate.Transactions = append(candidate.Transactions, models.TransactionDraft{
			Date:         date,
			Amount:       amount,
			Counterparty: tx.Payee,
			Description:  tx.Payee,
			Reference:    tx.Reference,
		})
	}

	return candidate, nil
}

func numberToDecimal(num *json.Number) (*decimal.Decimal, error) {
	if num == nil {
		return nil, nil
	}
	value, err := decimal.NewFromString(num.String())
	if err != nil {
		return nil, err
	}
	return &value, nil
}
