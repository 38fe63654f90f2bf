package importer

import "errors"

var (
	ErrTooFewLines       = errors.New("payload needs a header line and at least one data line")
	ErrInvalidTransition = errors.New("operation not allowed in current session state")
	ErrRowNotFound       = errors.New("row not found")
	ErrRowInvalid        = errors.New("invalid rows cannot be included")
	ErrNothingIncluded   = errors.New("no rows selected for import")
	ErrNothingToRetry    = errors.New("no failed records to retry")
	ErrSessionNotFound   = errors.New("import session not found")
)
