// Package transcript delivers live transcript records from an upstream
// capture system into the performance pipeline.
//
// A [Record] is the full accumulated text of one recording session. Upstream
// systems re-emit the same record as it grows, so consumers must dedupe: the
// [Feed] tracks record ids and forwards each distinct record exactly once.
// Records arrive either by polling an HTTP endpoint ([HTTPSource]) or pushed
// over NATS ([NATSSource]); both paths converge on the same Feed.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoRecord is returned by FetchLatest when the upstream has no transcript
// yet. It is not a failure — pollers keep polling.
var ErrNoRecord = errors.New("transcript: no record available")

// Record is one transcript document from the upstream capture system.
// FullText is the complete accumulated transcript, not an increment.
type Record struct {
	ID        string    `json:"id"`
	FullText  string    `json:"fullText"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Source is a pull-based transcript origin.
type Source interface {
	// FetchLatest returns the most recent record, or [ErrNoRecord] when the
	// upstream has nothing yet.
	FetchLatest(ctx context.Context) (*Record, error)
}

// Feed forwards each distinct record id downstream at most once. Records that
// repeat an already-seen id are dropped silently — upstream pollers surface
// the same document on every cycle and only the first sighting matters.
type Feed struct {
	deliver func(*Record)
	log     *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewFeed creates a Feed that invokes deliver for every new record id.
func NewFeed(deliver func(*Record), log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		deliver: deliver,
		log:     log,
		seen:    make(map[string]struct{}),
	}
}

// Offer presents a record to the feed. Returns true when the record was new
// and forwarded, false when it was nil, unidentified or a duplicate.
func (f *Feed) Offer(rec *Record) bool {
	if rec == nil || rec.ID == "" {
		return false
	}
	f.mu.Lock()
	if _, dup := f.seen[rec.ID]; dup {
		f.mu.Unlock()
		return false
	}
	f.seen[rec.ID] = struct{}{}
	f.mu.Unlock()

	f.log.Debug("transcript record accepted",
		slog.String("id", rec.ID),
		slog.String("session_id", rec.SessionID),
		slog.Int("text_len", len(rec.FullText)))
	f.deliver(rec)
	return true
}
