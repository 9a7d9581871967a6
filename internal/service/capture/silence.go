package capture

import (
	"context"
	"time"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/service/frames"
)

// SilenceSource emits zero-valued 16-bit mono PCM at a fixed cadence. It
// stands in for a capture device when none is configured.
type SilenceSource struct {
	cfg   Config
	limit int
	seq   *Sequencer
	run   runner
}

// NewSilenceSource creates a synthetic source. limit caps the number of
// frames emitted (0 means unlimited).
func NewSilenceSource(cfg Config, limit int) *SilenceSource {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultConfig().FrameDuration
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = DefaultConfig().SampleRateHz
	}
	return &SilenceSource{
		cfg:   cfg,
		limit: limit,
		seq:   NewSequencer(),
		run:   runner{logger: logging.WithComponent("capture.silence")},
	}
}

// Start begins emitting frames to sink.
func (s *SilenceSource) Start(ctx context.Context, sink Sink) error {
	return s.run.start(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(s.cfg.FrameDuration)
		defer ticker.Stop()

		pcm := make([]byte, s.cfg.samplesPerFrame()*2)
		startedAt := time.Now()
		var position int64

		for n := 0; s.limit == 0 || n < s.limit; n++ {
			f := frames.AudioFrame{
				Samples:    pcm,
				CapturedAt: startedAt.Add(s.cfg.offset(position)),
				Sequence:   s.seq.Next(),
			}
			sink.OnFrame(ctx, f)
			position += int64(s.cfg.samplesPerFrame())

			if !pace(ctx, ticker) {
				return
			}
		}
		s.run.logger.Debug().Int("frames", s.limit).Msg("Silence source reached frame limit")
	})
}

// Stop ends capture.
func (s *SilenceSource) Stop() error {
	return s.run.stop()
}
