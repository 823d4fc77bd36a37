package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Domain failures, matched with errors.Is/As through wrap chains.
var (
	// ErrNotFound covers both a missing tracking number and, for claims,
	// a wrong verification code: the two are deliberately
	// indistinguishable so callers can't probe which field was wrong.
	ErrNotFound = errors.New("invalid tracking number or verification code")

	ErrAlreadyClaimed = errors.New("package has already been claimed")
	ErrDelivered      = errors.New("package has already been delivered")
	ErrPermission     = errors.New("actor is not allowed to update this package")
	ErrConflict       = errors.New("tracking number allocation exhausted retries")
	ErrRateLimited    = errors.New("too many attempts, slow down")

	// ErrDuplicateTrackingNumber is surfaced by storage when an insert
	// loses the race on the tracking_number unique index. The creating
	// service retries with a freshly drawn candidate.
	ErrDuplicateTrackingNumber = errors.New("tracking number already exists")
)

// ValidationError carries the names of missing or malformed fields so the
// boundary can echo them back to the caller.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

func NewValidationError(fields ...string) *ValidationError {
	return &ValidationError{Fields: fields}
}
