// Package mock provides a scripted recognizer for running without cloud
// credentials. Every FramesPerUtterance frames it emits the next scripted
// utterance, in order, from a single worker goroutine.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/frames"
	"speaker-transcript-service/internal/service/recognizer"
	"speaker-transcript-service/internal/service/speaker"
)

const provider = "mock"

// ScriptedUtterance is one canned recognition result. When Features is set
// it replaces the features extracted from the audio window.
type ScriptedUtterance struct {
	Text       string
	Confidence float64
	Features   speaker.FeatureVector
}

// DefaultScript cycles through the built-in roster so a silent capture still
// produces a multi-speaker transcript.
var DefaultScript = []ScriptedUtterance{
	{Text: "Good morning everyone, let's get started", Confidence: 0.94, Features: speaker.FeatureVector{101, 149, 202}},
	{Text: "Thanks, I have the numbers from last week", Confidence: 0.91, Features: speaker.FeatureVector{121, 168, 221}},
	{Text: "Can we go over the open issues first", Confidence: 0.89, Features: speaker.FeatureVector{88, 141, 189}},
	{Text: "Sure, the first one is the deployment delay", Confidence: 0.95, Features: speaker.FeatureVector{99, 152, 198}},
	{Text: "That should be fixed by Friday", Confidence: 0.97, Features: speaker.FeatureVector{119, 171, 219}},
}

// Config configures the mock recognizer.
type Config struct {
	SessionID          string
	FramesPerUtterance int
	SampleRateHz       int
	ProcessingDelay    time.Duration
	Script             []ScriptedUtterance
	Extractor          recognizer.Extractor
	Metrics            *metrics.Metrics
}

// DefaultConfig returns a configuration that emits one utterance per second
// of 100ms frames.
func DefaultConfig() Config {
	return Config{
		FramesPerUtterance: 10,
		SampleRateHz:       16000,
		ProcessingDelay:    50 * time.Millisecond,
		Script:             DefaultScript,
		Extractor:          recognizer.PCMStatsExtractor{},
	}
}

// Recognizer implements recognizer.Recognizer with scripted results.
type Recognizer struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	cb      recognizer.Callback
	started bool
	closed  bool
	window  recognizer.Window
	next    int
	pending chan recognizer.Utterance
	done    chan struct{}
}

// New creates a mock recognizer. Zero-valued fields fall back to DefaultConfig.
func New(cfg Config) *Recognizer {
	def := DefaultConfig()
	if cfg.FramesPerUtterance <= 0 {
		cfg.FramesPerUtterance = def.FramesPerUtterance
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = def.SampleRateHz
	}
	if cfg.ProcessingDelay < 0 {
		cfg.ProcessingDelay = 0
	}
	if len(cfg.Script) == 0 {
		cfg.Script = def.Script
	}
	if cfg.Extractor == nil {
		cfg.Extractor = def.Extractor
	}
	return &Recognizer{
		cfg:     cfg,
		metrics: metrics.Or(cfg.Metrics),
		logger:  logging.WithRecognizer(cfg.SessionID, provider),
	}
}

// Start begins a session.
func (r *Recognizer) Start(ctx context.Context, cb recognizer.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return recognizer.ErrClosed
	}
	if r.started {
		return nil
	}
	r.started = true
	r.cb = cb
	r.pending = make(chan recognizer.Utterance, 16)
	r.done = make(chan struct{})

	go r.worker()

	r.logger.Info().
		Int("framesPerUtterance", r.cfg.FramesPerUtterance).
		Int("script", len(r.cfg.Script)).
		Msg("Mock recognizer started")
	return nil
}

// SendFrame adds a frame to the current window and emits an utterance when
// the window is full.
func (r *Recognizer) SendFrame(ctx context.Context, f frames.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return recognizer.ErrClosed
	}
	if !r.started {
		return recognizer.ErrNotStarted
	}

	r.window.Add(f, recognizer.FrameDuration(f, r.cfg.SampleRateHz))
	r.metrics.RecordFrameSent(provider)

	if r.window.Len() < r.cfg.FramesPerUtterance {
		return nil
	}

	u := r.cutLocked()
	select {
	case r.pending <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes a partially filled window as a final utterance and waits for
// the worker to deliver everything.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	if r.window.Len() > 0 {
		r.pending <- r.cutLocked()
	}
	close(r.pending)
	done := r.done
	r.mu.Unlock()

	<-done
	r.logger.Info().Int("utterances", r.next).Msg("Mock recognizer closed")
	return nil
}

func (r *Recognizer) cutLocked() recognizer.Utterance {
	script := r.cfg.Script[r.next%len(r.cfg.Script)]
	r.next++

	start, end := r.window.Bounds()
	features := script.Features
	if features == nil {
		features = r.cfg.Extractor.Extract(r.window.PCM())
	} else {
		features = features.Clone()
	}
	r.window.Reset()

	return recognizer.Utterance{
		Text:        script.Text,
		Features:    features,
		WindowStart: start,
		WindowEnd:   end,
		Confidence:  script.Confidence,
	}
}

func (r *Recognizer) worker() {
	defer close(r.done)
	for u := range r.pending {
		if r.cfg.ProcessingDelay > 0 {
			time.Sleep(r.cfg.ProcessingDelay)
		}
		r.logger.Debug().
			Str("text", u.Text).
			Float64("confidence", u.Confidence).
			Time("windowStart", u.WindowStart).
			Msg("Utterance recognized")
		r.metrics.RecordUtterance(provider)
		r.cb.OnRecognized(u)
	}
}
