// src/models/errors.go
package models

import "errors"

// Error taxonomy for the import and reconciliation pipeline. Handlers map
// these to HTTP statuses with errors.Is; services wrap them with context via
// fmt.Errorf("%w: ...").
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrOversizedFile     = errors.New("file exceeds maximum upload size")

	// ErrDuplicateUpload means the same checksum was already imported for this
	// account. Recoverable with an explicit overwrite.
	ErrDuplicateUpload = errors.New("duplicate upload for account")

	ErrExtractionTimeout = errors.New("extraction provider timed out")
	ErrSchemaViolation   = errors.New("extraction response violated output schema")

	ErrMissingPageBalances = errors.New("page opening or closing balance missing")
	ErrMathMismatch        = errors.New("computed closing balance diverges from claimed")

	ErrMalformedStatement = errors.New("statement document is malformed")

	ErrJobNotFound       = errors.New("import job not found")
	ErrStatementLocked   = errors.New("statement is locked")
	ErrTransactionLocked = errors.New("transaction is auto-matched; unmatch before mutating")
	ErrInvalidTransition = errors.New("invalid job status transition")
)
