// Package frames provides the bounded hand-off between the capture callback
// and the recognition loop.
package frames

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/observability/metrics"
)

// AudioFrame is one chunk of captured PCM. Frames are never mutated after
// creation; ownership moves from the capture callback to the queue to the
// consumer.
type AudioFrame struct {
	Samples    []byte
	CapturedAt time.Time
	Sequence   uint64
}

// OverflowPolicy decides what Push does when the queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the lowest-sequence frame to admit the new one.
	DropOldest OverflowPolicy = iota
	// Block makes the producer wait for space, up to Config.BlockTimeout.
	Block
)

// String returns the configuration name of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
}

// ParseOverflowPolicy parses a policy name; it accepts "drop_oldest" and "block".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest", "drop-oldest", "dropoldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Errors returned by the queue.
var (
	ErrQueueFull          = errors.New("frame queue is full")
	ErrQueueClosed        = errors.New("frame queue is closed")
	ErrSequenceRegression = errors.New("frame sequence number went backwards")
)

// Config holds queue tuning.
type Config struct {
	Capacity     int
	Policy       OverflowPolicy
	BlockTimeout time.Duration // 0 waits until ctx is done or the queue closes
}

// DefaultConfig returns the live-transcription defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:     64,
		Policy:       DropOldest,
		BlockTimeout: 2 * time.Second,
	}
}

// Queue is a bounded FIFO of audio frames for one producer and one consumer.
//
// Frames leave the queue in the order they were pushed, which is ascending
// sequence order. Dropping frames leaves gaps in the sequence but never
// reorders survivors. Close unblocks every waiting Pop and Push.
type Queue struct {
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	buf     []AudioFrame
	head    int
	size    int
	lastSeq uint64
	pushed  bool
	closed  bool
	dropped uint64

	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewQueue creates a queue. A non-positive capacity falls back to the default.
func NewQueue(cfg Config, m *metrics.Metrics) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	return &Queue{
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		buf:      make([]AudioFrame, cfg.Capacity),
		cfg:      cfg,
		metrics:  metrics.Or(m),
		logger:   logging.WithComponent("frames"),
	}
}

// Push admits a frame, applying the overflow policy when the queue is full.
func (q *Queue) Push(ctx context.Context, f AudioFrame) error {
	q.mu.Lock()
	if err := q.admissibleLocked(f); err != nil {
		q.mu.Unlock()
		return err
	}

	if q.size == len(q.buf) {
		if q.cfg.Policy == DropOldest {
			evicted := q.popLocked()
			q.dropped++
			q.pushLocked(f)
			depth := q.size
			q.mu.Unlock()

			q.metrics.RecordFrameDropped("overflow")
			q.metrics.RecordFramePushed(depth)
			q.logger.Debug().
				Uint64("evicted", evicted.Sequence).
				Uint64("admitted", f.Sequence).
				Msg("Queue full, dropped oldest frame")
			q.signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()
		return q.pushBlocking(ctx, f)
	}

	q.pushLocked(f)
	depth := q.size
	q.mu.Unlock()

	q.metrics.RecordFramePushed(depth)
	q.signal(q.notEmpty)
	return nil
}

func (q *Queue) pushBlocking(ctx context.Context, f AudioFrame) error {
	start := time.Now()
	var timeout <-chan time.Time
	if q.cfg.BlockTimeout > 0 {
		t := time.NewTimer(q.cfg.BlockTimeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case <-q.notFull:
		case <-q.done:
			q.metrics.RecordFrameDropped("closed")
			return ErrQueueClosed
		case <-ctx.Done():
			q.metrics.RecordFrameDropped("cancelled")
			return ctx.Err()
		case <-timeout:
			q.mu.Lock()
			q.dropped++
			q.mu.Unlock()
			q.metrics.RecordFrameDropped("queue_full")
			q.metrics.RecordPushBlocked(time.Since(start).Seconds())
			return fmt.Errorf("%w: blocked for %v", ErrQueueFull, q.cfg.BlockTimeout)
		}

		q.mu.Lock()
		if err := q.admissibleLocked(f); err != nil {
			q.mu.Unlock()
			return err
		}
		if q.size < len(q.buf) {
			q.pushLocked(f)
			depth := q.size
			q.mu.Unlock()

			q.metrics.RecordPushBlocked(time.Since(start).Seconds())
			q.metrics.RecordFramePushed(depth)
			q.signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()
	}
}

// Pop blocks until a frame is available. After Close, buffered frames are
// still returned; once the queue is empty Pop returns io.EOF.
func (q *Queue) Pop(ctx context.Context) (AudioFrame, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			f := q.popLocked()
			depth := q.size
			q.mu.Unlock()

			q.metrics.RecordFramePopped(depth)
			q.signal(q.notFull)
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			return AudioFrame{}, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-ctx.Done():
			return AudioFrame{}, ctx.Err()
		}
	}
}

// Close marks the end of the stream. It is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many frames were evicted or rejected as full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

func (q *Queue) admissibleLocked(f AudioFrame) error {
	if q.closed {
		return ErrQueueClosed
	}
	if q.pushed && f.Sequence < q.lastSeq {
		return fmt.Errorf("%w: %d after %d", ErrSequenceRegression, f.Sequence, q.lastSeq)
	}
	return nil
}

func (q *Queue) pushLocked(f AudioFrame) {
	tail := (q.head + q.size) % len(q.buf)
	q.buf[tail] = f
	q.size++
	q.lastSeq = f.Sequence
	q.pushed = true
}

func (q *Queue) popLocked() AudioFrame {
	f := q.buf[q.head]
	q.buf[q.head] = AudioFrame{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return f
}

func (q *Queue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
