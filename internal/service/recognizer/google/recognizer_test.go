package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/frames"
	"speaker-transcript-service/internal/service/recognizer"
	"speaker-transcript-service/internal/service/speaker"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.SampleRateHz)
	}
	if cfg.InterimResults != false {
		t.Errorf("expected default interim results false, got %v", cfg.InterimResults)
	}
	if cfg.AudioEncoding != "LINEAR16" {
		t.Errorf("expected default encoding 'LINEAR16', got %s", cfg.AudioEncoding)
	}
	if cfg.Extractor == nil {
		t.Error("expected a default feature extractor")
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"AMR", speechpb.RecognitionConfig_AMR},
		{"AMR_WB", speechpb.RecognitionConfig_AMR_WB},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS},
		{"SPEEX_WITH_HEADER_BYTE", speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"UNKNOWN", speechpb.RecognitionConfig_LINEAR16},  // fallback
		{"invalid", speechpb.RecognitionConfig_LINEAR16},  // fallback
		{"", speechpb.RecognitionConfig_LINEAR16},         // fallback
		{"linear16", speechpb.RecognitionConfig_LINEAR16}, // lowercase -> fallback
		{"Mulaw", speechpb.RecognitionConfig_LINEAR16},    // mixed case -> fallback
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseAudioEncoding(tt.input)
			if got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

// fakeStream records requests and replays scripted responses.
type fakeStream struct {
	mu        sync.Mutex
	sent      []*speechpb.StreamingRecognizeRequest
	responses chan *speechpb.StreamingRecognizeResponse
	recvErr   error
	sendErr   error
	closed    bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{responses: make(chan *speechpb.StreamingRecognizeResponse, 8)}
}

func (s *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	resp, ok := <-s.responses
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.recvErr != nil {
			return nil, s.recvErr
		}
		return nil, io.EOF
	}
	return resp, nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.responses)
	}
	return nil
}

func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	s.recvErr = err
	s.mu.Unlock()
	s.CloseSend()
}

type testCallback struct {
	mu         sync.Mutex
	utterances []recognizer.Utterance
	errors     []error
	got        chan struct{}
}

func newTestCallback() *testCallback {
	return &testCallback{got: make(chan struct{}, 16)}
}

func (c *testCallback) OnRecognized(u recognizer.Utterance) {
	c.mu.Lock()
	c.utterances = append(c.utterances, u)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *testCallback) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func final(text string, confidence float32) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal:      true,
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text, Confidence: confidence}},
		}},
	}
}

func interim(text string) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: text}},
		}},
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func frameAt(n int) frames.AudioFrame {
	return frames.AudioFrame{
		Samples:    make([]byte, 3200),
		CapturedAt: t0.Add(time.Duration(n) * 100 * time.Millisecond),
		Sequence:   uint64(n + 1),
	}
}

func newTestRecognizer(s *fakeStream) (*Recognizer, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	cfg := Config{
		SessionID: "sess-1",
		Metrics:   m,
		Extractor: recognizer.ExtractorFunc(func(pcm []byte) speaker.FeatureVector {
			return speaker.FeatureVector{float64(len(pcm))}
		}),
	}
	return newRecognizer(cfg, func(context.Context) (stream, error) { return s, nil }), m
}

func TestRecognizer_SendsConfigFirst(t *testing.T) {
	s := newFakeStream()
	r, _ := newTestRecognizer(s)
	r.cfg.AudioEncoding = "MULAW"
	r.cfg.LanguageCode = "es-ES"

	if err := r.Start(context.Background(), newTestCallback()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) != 1 {
		t.Fatalf("expected 1 request, got %d", len(s.sent))
	}
	sc := s.sent[0].GetStreamingConfig()
	if sc == nil {
		t.Fatal("first request must carry the streaming config")
	}
	if sc.GetConfig().GetEncoding() != speechpb.RecognitionConfig_MULAW {
		t.Errorf("expected MULAW, got %v", sc.GetConfig().GetEncoding())
	}
	if sc.GetConfig().GetLanguageCode() != "es-ES" {
		t.Errorf("expected es-ES, got %s", sc.GetConfig().GetLanguageCode())
	}
	if sc.GetConfig().GetSampleRateHertz() != 16000 {
		t.Errorf("expected 16000 Hz, got %d", sc.GetConfig().GetSampleRateHertz())
	}
}

func TestRecognizer_FinalResultCoversWindowSincePreviousFinal(t *testing.T) {
	s := newFakeStream()
	r, m := newTestRecognizer(s)
	cb := newTestCallback()
	ctx := context.Background()

	if err := r.Start(ctx, cb); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := r.SendFrame(ctx, frameAt(i)); err != nil {
			t.Fatal(err)
		}
	}
	s.responses <- interim("hel")
	s.responses <- final("hello there", 0.92)
	cb.wait(t)

	for i := 3; i < 5; i++ {
		r.SendFrame(ctx, frameAt(i))
	}
	s.responses <- final("general", 0.8)
	cb.wait(t)

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.utterances) != 2 {
		t.Fatalf("expected 2 final utterances, got %d", len(cb.utterances))
	}
	first, second := cb.utterances[0], cb.utterances[1]
	if first.Text != "hello there" || first.Confidence < 0.91 || first.Confidence > 0.93 {
		t.Errorf("unexpected first utterance %+v", first)
	}
	if !first.WindowStart.Equal(t0) || !first.WindowEnd.Equal(t0.Add(300*time.Millisecond)) {
		t.Errorf("unexpected first window %v..%v", first.WindowStart, first.WindowEnd)
	}
	if first.Features[0] != 3*3200 {
		t.Errorf("expected features over 3 frames, got %v", first.Features)
	}
	if !second.WindowStart.Equal(t0.Add(300 * time.Millisecond)) {
		t.Errorf("second window must start after the first final, got %v", second.WindowStart)
	}
	if v := testutil.ToFloat64(m.FramesSent.WithLabelValues("google")); v != 5 {
		t.Errorf("expected 5 frames sent, got %v", v)
	}
	if v := testutil.ToFloat64(m.Utterances.WithLabelValues("google")); v != 2 {
		t.Errorf("expected 2 utterances, got %v", v)
	}
}

func TestRecognizer_StreamErrorReported(t *testing.T) {
	s := newFakeStream()
	r, m := newTestRecognizer(s)
	cb := newTestCallback()

	r.Start(context.Background(), cb)
	boom := errors.New("unavailable")
	s.fail(boom)
	cb.wait(t)

	cb.mu.Lock()
	if len(cb.errors) != 1 || !errors.Is(cb.errors[0], boom) {
		t.Errorf("expected wrapped stream error, got %v", cb.errors)
	}
	cb.mu.Unlock()
	if v := testutil.ToFloat64(m.RecognizerErrors.WithLabelValues("google", "stream")); v != 1 {
		t.Errorf("expected stream error metric 1, got %v", v)
	}
	r.Close()
}

func TestRecognizer_SendBeforeStartAndAfterClose(t *testing.T) {
	s := newFakeStream()
	r, _ := newTestRecognizer(s)
	ctx := context.Background()

	if err := r.SendFrame(ctx, frameAt(0)); !errors.Is(err, recognizer.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	r.Start(ctx, newTestCallback())
	r.Close()
	if err := r.SendFrame(ctx, frameAt(1)); !errors.Is(err, recognizer.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestRecognizer_DialError(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	dialErr := errors.New("no credentials")
	r := newRecognizer(Config{Metrics: m}, func(context.Context) (stream, error) { return nil, dialErr })

	if err := r.Start(context.Background(), newTestCallback()); !errors.Is(err, dialErr) {
		t.Errorf("expected dial error, got %v", err)
	}
	if v := testutil.ToFloat64(m.RecognizerErrors.WithLabelValues("google", "dial")); v != 1 {
		t.Errorf("expected dial error metric 1, got %v", v)
	}
}

func TestRecognizer_ConfigSendErrorClosesStream(t *testing.T) {
	s := newFakeStream()
	s.sendErr = errors.New("stream reset")
	r, m := newTestRecognizer(s)

	if err := r.Start(context.Background(), newTestCallback()); !errors.Is(err, s.sendErr) {
		t.Fatalf("expected config send error, got %v", err)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		t.Error("expected the stream to be closed after a failed config send")
	}
	if v := testutil.ToFloat64(m.RecognizerErrors.WithLabelValues("google", "config")); v != 1 {
		t.Errorf("expected config error metric 1, got %v", v)
	}
}
