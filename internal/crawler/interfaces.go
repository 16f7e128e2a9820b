package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Clock returns the current time and sleeps. Injected so delays, cooldowns and
// deadlines can be driven by a fake in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Fetcher fetches a URL and returns the body plus metadata.
// Non-2xx responses are returned as responses, not errors.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ChallengeDetector inspects a response for bot-challenge signals.
type ChallengeDetector interface {
	Detect(resp FetchResponse) ChallengeVerdict
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// OpenObject returns ErrObjectNotFound when nothing is stored at path.
	OpenObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// PageStore persists one row per stored page.
type PageStore interface {
	StorePage(ctx context.Context, record PageRecord) error
}

// JobRecorder mirrors job status snapshots to an external store.
type JobRecorder interface {
	RecordJob(ctx context.Context, event JobEvent) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// FetchRequest describes one fetch attempt.
type FetchRequest struct {
	URL     string
	Timeout time.Duration
	Headers http.Header
}

// FetchResponse captures the outcome of a fetch.
type FetchResponse struct {
	URL           string
	StatusCode    int
	Headers       http.Header
	Body          []byte
	Duration      time.Duration
	RedirectChain []int
	UsedHeadless  bool
}

// ChallengeVerdict is the result of bot-challenge detection.
type ChallengeVerdict struct {
	Challenged bool
	Reason     string
}

// PageRecord is the row written by the store stage.
type PageRecord struct {
	JobID            string
	URL              string
	Title            string
	StatusCode       int
	ContentType      string
	ContentLength    int
	ContentHash      string
	BlobURI          string
	PageType         string
	ExtractionMethod string
	FetchedAt        *time.Time
	StoredAt         time.Time
}

// JobEvent is published when a job stops and recorded at every checkpoint.
type JobEvent struct {
	JobID          string    `json:"job_id"`
	Domain         string    `json:"domain"`
	Status         JobStatus `json:"status"`
	Stage          Stage     `json:"stage"`
	TotalPages     int       `json:"total_pages"`
	ProcessedPages int       `json:"processed_pages"`
	FailedPages    int       `json:"failed_pages"`
	Exports        []string  `json:"exports,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
