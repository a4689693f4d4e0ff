// src/utils/date_utils.go
package utils

import (
	"fmt"
	"strings"
	"time"
)

// statementDateLayouts covers the date formats seen across bank CSV exports
// and CAMT documents.
var statementDateLayouts = []string{
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"02.01.2006",
	"2006-01-02T15:04:05",
}

// ParseStatementDate tries the known statement date layouts in order.
func ParseStatementDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range statementDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", value)
}
