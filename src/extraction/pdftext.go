// src/extraction/pdftext.go
package extraction

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/username/clearledger/src/logger"
)

// ExtractPageTexts pulls the plain text of every page of a PDF. A page whose
// primary extraction errors (corrupt content stream, odd font maps) falls
// back to raw content-item assembly; a page where both fail yields an empty
// string so the extraction tiers can still attempt it from the document blob.
func ExtractPageTexts(raw []byte) ([]string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	pageCount := reader.NumPage()
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	texts := make([]string, pageCount)
	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			logger.L.Warn("PDF page is null, leaving text empty", "page", i)
			continue
		}
		texts[i-1] = extractSinglePage(page, i)
	}
	return texts, nil
}

func extractSinglePage(page pdf.Page, pageNumber int) (text string) {
	// The pdf library panics on some malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			logger.L.Warn("PDF text extraction panicked, using degraded strategy", "page", pageNumber, "panic", r)
			text = degradedPageText(page, pageNumber)
		}
	}()

	plain, err := page.GetPlainText(nil)
	if err != nil {
		logger.L.Warn("Primary PDF text extraction failed, using degraded strategy", "page", pageNumber, "error", err)
		return degradedPageText(page, pageNumber)
	}
	return plain
}

// degradedPageText reassembles the page from individual positioned text
// items. Loses layout fidelity but survives pages GetPlainText chokes on.
func degradedPageText(page pdf.Page, pageNumber int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Warn("Degraded PDF text extraction also failed", "page", pageNumber, "panic", r)
			text = ""
		}
	}()

	content := page.Content()
	var b strings.Builder
	var lastY float64
	for _, item := range content.Text {
		if b.Len() > 0 {
			if item.Y != lastY {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(item.S)
		lastY = item.Y
	}
	return b.String()
}
