package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

// Outcome is what the orchestrator does with a page after an error.
type Outcome int

// Outcomes returned by Classify.
const (
	// OutcomeRetry requeues the page if its retry budget allows.
	OutcomeRetry Outcome = iota
	// OutcomeSkip records the error on the page and moves on.
	OutcomeSkip
	// OutcomeFail ends the job.
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeSkip:
		return "skip"
	default:
		return "fail"
	}
}

// Classify maps a stage or fetch error to an outcome. It has no side effects.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSkip
	}
	if errors.Is(err, crawler.ErrStorage) {
		return OutcomeFail
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeRetry
	}
	var fetchErr *crawler.FetchError
	if errors.As(err, &fetchErr) {
		switch fetchErr.Kind {
		case crawler.FetchErrNetwork, crawler.FetchErrCooldown, crawler.FetchErrBlocked:
			return OutcomeRetry
		case crawler.FetchErrHTTP:
			if retryableStatus(fetchErr.StatusCode) {
				return OutcomeRetry
			}
			return OutcomeSkip
		default:
			return OutcomeSkip
		}
	}
	var contentErr *crawler.ContentError
	if errors.As(err, &contentErr) {
		return OutcomeSkip
	}
	return OutcomeFail
}

// Deferred reports whether err postponed the page without attempting it, so
// the retry budget is not spent, and for how long.
func Deferred(err error) (time.Duration, bool) {
	var fetchErr *crawler.FetchError
	if !errors.As(err, &fetchErr) {
		return 0, false
	}
	if fetchErr.Kind == crawler.FetchErrCooldown || fetchErr.Kind == crawler.FetchErrBlocked {
		return fetchErr.RetryAfter, true
	}
	return 0, false
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusForbidden, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code <= 599:
		return true
	default:
		return false
	}
}
