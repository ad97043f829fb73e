// Package dlq is the dead letter queue: durable parking for event
// deliveries whose retry budget is spent. Entries keep the raw payload
// and the terminal error so operators can inspect and replay them.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entry status values.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Record field names attached to the mirror topic publish.
const (
	HeaderReason        = "x-dlq-reason"
	HeaderAttempts      = "x-dlq-attempts"
	HeaderFirstAttempt  = "x-dlq-first-attempt"
	HeaderLastErrorType = "x-dlq-last-error-type"
)

var (
	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("dead letter entry not found")

	// ErrStoreUnavailable wraps storage failures. An entry that could
	// not be appended is not parked and its delivery stays pending.
	ErrStoreUnavailable = errors.New("dead letter store unavailable")
)

// Entry is one terminally failed delivery.
type Entry struct {
	ID             string     `json:"id"`
	Topic          string     `json:"topic"`
	Partition      int        `json:"partition"`
	EventID        string     `json:"eventId,omitempty"`
	EventType      string     `json:"eventType,omitempty"`
	AggregateID    string     `json:"aggregateId,omitempty"`
	CorrelationID  string     `json:"correlationId,omitempty"`
	Payload        []byte     `json:"payload"`
	ErrorType      string     `json:"errorType"`
	ErrorMessage   string     `json:"errorMessage"`
	Attempts       int        `json:"attempts"`
	FirstAttempt   time.Time  `json:"firstAttempt"`
	LastAttempt    time.Time  `json:"lastAttempt"`
	Status         string     `json:"status"`
	ReprocessCount int        `json:"reprocessCount"`
	LastReprocess  *time.Time `json:"lastReprocess,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Stats summarises the queue for the admin surface.
type Stats struct {
	Open     int64 `json:"open"`
	Resolved int64 `json:"resolved"`
	// RecentArrivals counts entries created inside the arrival window
	// the caller passed to Stats.
	RecentArrivals       int64            `json:"recentArrivals"`
	ArrivalRatePerMinute float64          `json:"arrivalRatePerMinute"`
	ReprocessSuccesses   int64            `json:"reprocessSuccesses"`
	ReprocessFailures    int64            `json:"reprocessFailures"`
	OpenByTopic          map[string]int64 `json:"openByTopic,omitempty"`
}

// Store persists dead letter entries.
type Store interface {
	// Append persists a new entry.
	Append(ctx context.Context, e *Entry) error
	// Get returns the entry with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Entry, error)
	// ListOpen returns up to limit open entries ordered by creation
	// time then id, strictly after the given cursor. The zero cursor
	// starts from the oldest entry.
	ListOpen(ctx context.Context, after Cursor, limit int) ([]*Entry, error)
	// RecordReprocess counts one replay attempt; success resolves the entry.
	RecordReprocess(ctx context.Context, id string, success bool, at time.Time) error
	// Stats summarises the queue. Entries created at or after
	// arrivalsSince count toward RecentArrivals.
	Stats(ctx context.Context, arrivalsSince time.Time) (Stats, error)
}

// errorType names the root cause of a terminal error: the dynamic type
// of the deepest wrapped error.
func errorType(err error) string {
	if err == nil {
		return ""
	}
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}
	return fmt.Sprintf("%T", err)
}
