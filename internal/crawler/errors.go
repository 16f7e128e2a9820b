package crawler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStorage marks failures of durable state (frontier, checkpoint,
	// page storage). They end the job because progress can no longer be
	// guaranteed.
	ErrStorage = errors.New("storage failure")
	// ErrUnsupportedVersion is returned for checkpoints or configs written by
	// an unknown schema version.
	ErrUnsupportedVersion = errors.New("unsupported version")
	// ErrJobNotFound is returned when no checkpoint exists for a job.
	ErrJobNotFound = errors.New("job not found")
	// ErrObjectNotFound is returned by blob stores for a missing path.
	ErrObjectNotFound = errors.New("object not found")
)

// FetchErrorKind classifies why a fetch did not produce content.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchErrNetwork    FetchErrorKind = "network"
	FetchErrHTTP       FetchErrorKind = "http"
	FetchErrCooldown   FetchErrorKind = "cooldown"
	FetchErrBlocked    FetchErrorKind = "blocked"
	FetchErrChallenge  FetchErrorKind = "challenge"
	FetchErrUnexpected FetchErrorKind = "unexpected"
)

// FetchError is returned by the fetch executor when a page ends up failed.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == FetchErrHTTP:
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ContentError is an expected, page-level failure in a processing stage.
// It is recorded on the page and never aborts the batch.
type ContentError struct {
	Stage string
	Err   error
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ContentError) Unwrap() error {
	return e.Err
}

// StorageError wraps err so errors.Is(err, ErrStorage) holds.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
