// Package persist writes finished transcripts to durable storage.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/transcript"
)

// ErrInvalidSessionID is returned when a session ID cannot be used as a
// storage key.
var ErrInvalidSessionID = errors.New("invalid session id")

// Persister receives the final ordered transcript of a session.
type Persister interface {
	Persist(ctx context.Context, sessionID string, entries []transcript.Entry) error
}

// Archive reads back transcripts written by a Persister.
type Archive interface {
	Load(ctx context.Context, sessionID string) ([]transcript.Entry, error)
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, sessionID string, entries []transcript.Entry) error

// Persist calls f.
func (f PersisterFunc) Persist(ctx context.Context, sessionID string, entries []transcript.Entry) error {
	return f(ctx, sessionID, entries)
}

// IOError reports a failed write to a persistence backend.
type IOError struct {
	Backend string
	Op      string
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError reports whether err contains an *IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// multi fans a transcript out to several persisters.
type multi []Persister

// Multi returns a Persister that writes to every p in order. All backends are
// attempted; failures are joined.
func Multi(ps ...Persister) Persister {
	out := make(multi, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (m multi) Persist(ctx context.Context, sessionID string, entries []transcript.Entry) error {
	var errs []error
	for _, p := range m {
		if err := p.Persist(ctx, sessionID, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func record(m *metrics.Metrics, backend string, start time.Time, err error) {
	metrics.Or(m).RecordPersist(backend, err, time.Since(start).Seconds())
}
