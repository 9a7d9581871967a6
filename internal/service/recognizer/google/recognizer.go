// Package google provides a recognizer backed by Google Cloud Speech-to-Text
// streaming recognition.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/frames"
	"speaker-transcript-service/internal/service/recognizer"
)

const provider = "google"

// Config holds configuration for the Google recognizer.
type Config struct {
	SessionID      string
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string // LINEAR16, MULAW, FLAC, ...
	Extractor      recognizer.Extractor
	Metrics        *metrics.Metrics
}

// DefaultConfig returns the default configuration for 16 kHz LINEAR16 audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: false,
		AudioEncoding:  "LINEAR16",
		Extractor:      recognizer.PCMStatsExtractor{},
	}
}

// parseAudioEncoding converts a string encoding name to the speechpb enum.
// Unknown names fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// stream is the subset of speechpb.Speech_StreamingRecognizeClient used here.
type stream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type dialFunc func(ctx context.Context) (stream, error)

// Recognizer implements recognizer.Recognizer using Google Cloud
// Speech-to-Text. Only final results are reported; each covers the audio sent
// since the previous final result.
type Recognizer struct {
	cfg     Config
	client  *speech.Client
	dial    dialFunc
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	stream stream
	cb     recognizer.Callback
	window recognizer.Window
	closed bool
	done   chan struct{}
}

// New creates a Google recognizer.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Recognizer, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	r := newRecognizer(cfg, func(ctx context.Context) (stream, error) {
		return c.StreamingRecognize(ctx)
	})
	r.client = c
	return r, nil
}

func newRecognizer(cfg Config, dial dialFunc) *Recognizer {
	def := DefaultConfig()
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = def.LanguageCode
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = def.SampleRateHz
	}
	if cfg.Extractor == nil {
		cfg.Extractor = def.Extractor
	}
	return &Recognizer{
		cfg:     cfg,
		dial:    dial,
		metrics: metrics.Or(cfg.Metrics),
		logger:  logging.WithRecognizer(cfg.SessionID, provider),
	}
}

// Start opens a streaming recognition session, sends the initial config and
// starts receiving results.
func (r *Recognizer) Start(ctx context.Context, cb recognizer.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return recognizer.ErrClosed
	}
	if r.stream != nil {
		return nil
	}

	s, err := r.dial(ctx)
	if err != nil {
		r.metrics.RecordRecognizerError(provider, "dial")
		return fmt.Errorf("open recognition stream: %w", err)
	}

	// Send streaming config as the first message
	err = s.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        parseAudioEncoding(r.cfg.AudioEncoding),
					SampleRateHertz: int32(r.cfg.SampleRateHz),
					LanguageCode:    r.cfg.LanguageCode,
				},
				InterimResults: r.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		r.metrics.RecordRecognizerError(provider, "config")
		if cerr := s.CloseSend(); cerr != nil {
			r.logger.Warn().Err(cerr).Msg("Failed to close recognition stream")
		}
		return fmt.Errorf("send streaming config: %w", err)
	}

	r.stream = s
	r.cb = cb
	r.done = make(chan struct{})
	go r.listen(s)

	r.logger.Info().
		Str("languageCode", r.cfg.LanguageCode).
		Int("sampleRateHz", r.cfg.SampleRateHz).
		Str("encoding", r.cfg.AudioEncoding).
		Msg("Google recognition stream started")
	return nil
}

// SendFrame streams a frame to Google and adds it to the pending window.
func (r *Recognizer) SendFrame(ctx context.Context, f frames.AudioFrame) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return recognizer.ErrClosed
	}
	s := r.stream
	if s == nil {
		r.mu.Unlock()
		return recognizer.ErrNotStarted
	}
	r.window.Add(f, recognizer.FrameDuration(f, r.cfg.SampleRateHz))
	r.mu.Unlock()

	err := s.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: f.Samples,
		},
	})
	if err != nil {
		r.metrics.RecordRecognizerError(provider, "send")
		return fmt.Errorf("send audio: %w", err)
	}
	r.metrics.RecordFrameSent(provider)
	return nil
}

// Close half-closes the stream and waits for the remaining results.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	s, done := r.stream, r.done
	r.mu.Unlock()

	var err error
	if s != nil {
		if cerr := s.CloseSend(); cerr != nil {
			err = fmt.Errorf("close send: %w", cerr)
		}
		<-done
	}
	if r.client != nil {
		if cerr := r.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	r.mu.Lock()
	if n := r.window.Len(); n > 0 {
		r.logger.Warn().Int("frames", n).Msg("Audio after the last final result was not recognized")
	}
	r.mu.Unlock()
	return err
}

// listen receives responses until the stream ends.
func (r *Recognizer) listen(s stream) {
	defer close(r.done)
	for {
		resp, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			r.metrics.RecordRecognizerError(provider, "stream")
			r.logger.Error().Err(err).Msg("Recognition stream failed")
			r.cb.OnError(fmt.Errorf("recognition stream: %w", err))
			return
		}

		for _, res := range resp.GetResults() {
			if !res.GetIsFinal() {
				continue
			}
			alts := res.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			u := r.cut(alts[0].GetTranscript(), float64(alts[0].GetConfidence()))
			r.metrics.RecordUtterance(provider)
			r.cb.OnRecognized(u)
		}
	}
}

func (r *Recognizer) cut(text string, confidence float64) recognizer.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()

	start, end := r.window.Bounds()
	u := recognizer.Utterance{
		Text:        text,
		Features:    r.cfg.Extractor.Extract(r.window.PCM()),
		WindowStart: start,
		WindowEnd:   end,
		Confidence:  confidence,
	}
	r.window.Reset()
	return u
}
