package capture

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config describes the PCM stream a source produces.
type Config struct {
	SampleRateHz  int
	FrameDuration time.Duration
	// Realtime paces frames at FrameDuration. When false, file sources
	// deliver frames as fast as the sink accepts them.
	Realtime bool
}

// DefaultConfig returns 16 kHz frames of 100ms, paced in real time.
func DefaultConfig() Config {
	return Config{
		SampleRateHz:  16000,
		FrameDuration: 100 * time.Millisecond,
		Realtime:      true,
	}
}

func (c Config) samplesPerFrame() int {
	n := int(int64(c.SampleRateHz) * int64(c.FrameDuration) / int64(time.Second))
	if n <= 0 {
		n = 1
	}
	return n
}

// offset converts a sample position to stream time.
func (c Config) offset(samples int64) time.Duration {
	if c.SampleRateHz <= 0 {
		return 0
	}
	return time.Duration(samples * int64(time.Second) / int64(c.SampleRateHz))
}

// runner owns the capture goroutine shared by the sources in this package.
type runner struct {
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	logger  zerolog.Logger
}

func (r *runner) start(ctx context.Context, loop func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		loop(ctx)
	}()
	return nil
}

func (r *runner) stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// pace waits until the next frame is due. It returns false when ctx ends.
func pace(ctx context.Context, ticker *time.Ticker) bool {
	if ticker == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ticker.C:
		return true
	case <-ctx.Done():
		return false
	}
}
