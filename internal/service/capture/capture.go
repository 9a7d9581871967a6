// Package capture defines the audio capture collaborator and provides
// file-backed and synthetic sources.
package capture

import (
	"context"
	"errors"
	"sync/atomic"

	"speaker-transcript-service/internal/service/frames"
)

// ErrAlreadyStarted is returned when Start is called twice on a source.
var ErrAlreadyStarted = errors.New("capture source already started")

// Sink receives frames from a source on the source's own goroutine.
type Sink interface {
	// OnFrame delivers the next frame. It may block (backpressure).
	OnFrame(ctx context.Context, f frames.AudioFrame)

	// OnError reports an unrecoverable capture failure.
	OnError(err error)
}

// Source is an audio capture device. It pushes frames with monotonically
// increasing sequence numbers and capture timestamps.
type Source interface {
	// Start begins capturing in the background.
	Start(ctx context.Context, sink Sink) error

	// Stop ends capture and waits for the capture goroutine to exit.
	// Idempotent.
	Stop() error
}

// Sequencer hands out frame sequence numbers starting at 1.
// Safe for concurrent use.
type Sequencer struct {
	counter uint64
}

// NewSequencer creates a Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}

// Last returns the most recently issued sequence number (0 if none).
func (s *Sequencer) Last() uint64 {
	return atomic.LoadUint64(&s.counter)
}
