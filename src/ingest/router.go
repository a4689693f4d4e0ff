// src/ingest/router.go
package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/username/clearledger/src/models"
)

var pdfMagic = []byte("%PDF-")

// DetectFormat decides whether an upload is CAMT XML, PDF, or CSV. The file
// extension wins when it is recognized; otherwise the first bytes are
// sniffed. head should hold at least the first 512 bytes of the file.
func DetectFormat(filename string, head []byte) (models.FileFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xml":
		return models.FormatXML, nil
	case ".pdf":
		return models.FormatPDF, nil
	case ".csv":
		return models.FormatCSV, nil
	}

	if format, ok := sniff(head); ok {
		return format, nil
	}
	return "", fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, filename)
}

// sniff inspects raw content: PDF magic bytes, an XML declaration or root
// tag, or plain delimiter-separated text.
func sniff(head []byte) (models.FileFormat, bool) {
	trimmed := bytes.TrimLeft(head, " \t\r\n")

	if bytes.HasPrefix(trimmed, pdfMagic) {
		return models.FormatPDF, true
	}
	if bytes.HasPrefix(trimmed, []byte("<?xml")) || bytes.HasPrefix(trimmed, []byte("<Document")) {
		return models.FormatXML, true
	}
	if looksLikeCSV(trimmed) {
		return models.FormatCSV, true
	}
	return "", false
}

// looksLikeCSV accepts printable text whose first line carries a field
// delimiter. Binary content disqualifies immediately.
func looksLikeCSV(head []byte) bool {
	if len(head) == 0 {
		return false
	}
	firstLine := head
	if idx := bytes.IndexByte(head, '\n'); idx >= 0 {
		firstLine = head[:idx]
	}
	delimiters := 0
	for _, r := range string(firstLine) {
		if r == ',' || r == ';' || r == '\t' {
			delimiters++
			continue
		}
		if r != '\r' && !unicode.IsPrint(r) {
			return false
		}
	}
	return delimiters > 0
}
