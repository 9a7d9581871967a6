package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/frames"
	"speaker-transcript-service/internal/service/recognizer"
	"speaker-transcript-service/internal/service/speaker"
)

// testCallback implements recognizer.Callback for testing
type testCallback struct {
	mu         sync.Mutex
	utterances []recognizer.Utterance
	errors     []error
}

func (c *testCallback) OnRecognized(u recognizer.Utterance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utterances = append(c.utterances, u)
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

func (c *testCallback) getUtterances() []recognizer.Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recognizer.Utterance{}, c.utterances...)
}

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// frameAt returns 100ms of 16 kHz silence captured n frames after t0.
func frameAt(n int) frames.AudioFrame {
	return frames.AudioFrame{
		Samples:    make([]byte, 3200),
		CapturedAt: t0.Add(time.Duration(n) * 100 * time.Millisecond),
		Sequence:   uint64(n + 1),
	}
}

func newTestRecognizer(cfg Config) (*Recognizer, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	cfg.Metrics = m
	return New(cfg), m
}

func TestRecognizer_SendBeforeStart(t *testing.T) {
	r, _ := newTestRecognizer(Config{})
	if err := r.SendFrame(context.Background(), frameAt(0)); !errors.Is(err, recognizer.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestRecognizer_EmitsScriptInOrder(t *testing.T) {
	script := []ScriptedUtterance{
		{Text: "one", Confidence: 0.9, Features: speaker.FeatureVector{1, 1, 1}},
		{Text: "two", Confidence: 0.8, Features: speaker.FeatureVector{2, 2, 2}},
	}
	r, m := newTestRecognizer(Config{FramesPerUtterance: 2, Script: script, ProcessingDelay: time.Millisecond})
	cb := &testCallback{}
	ctx := context.Background()

	if err := r.Start(ctx, cb); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if err := r.SendFrame(ctx, frameAt(i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	got := cb.getUtterances()
	wantText := []string{"one", "two", "one"}
	if len(got) != len(wantText) {
		t.Fatalf("expected %d utterances, got %d", len(wantText), len(got))
	}
	for i, u := range got {
		if u.Text != wantText[i] {
			t.Errorf("utterance %d: expected %q, got %q", i, wantText[i], u.Text)
		}
		wantStart := t0.Add(time.Duration(2*i) * 100 * time.Millisecond)
		if !u.WindowStart.Equal(wantStart) {
			t.Errorf("utterance %d: expected window start %v, got %v", i, wantStart, u.WindowStart)
		}
		if !u.WindowEnd.Equal(wantStart.Add(200 * time.Millisecond)) {
			t.Errorf("utterance %d: unexpected window end %v", i, u.WindowEnd)
		}
	}
	if got[1].Features[0] != 2 {
		t.Errorf("expected scripted features, got %v", got[1].Features)
	}

	if v := testutil.ToFloat64(m.FramesSent.WithLabelValues("mock")); v != 6 {
		t.Errorf("expected 6 frames sent, got %v", v)
	}
	if v := testutil.ToFloat64(m.Utterances.WithLabelValues("mock")); v != 3 {
		t.Errorf("expected 3 utterances, got %v", v)
	}
}

func TestRecognizer_CloseFlushesPartialWindow(t *testing.T) {
	r, _ := newTestRecognizer(Config{FramesPerUtterance: 10})
	cb := &testCallback{}
	ctx := context.Background()

	r.Start(ctx, cb)
	for i := 0; i < 3; i++ {
		r.SendFrame(ctx, frameAt(i))
	}
	if len(cb.getUtterances()) != 0 {
		t.Fatal("no utterance expected before the window fills")
	}

	r.Close()

	got := cb.getUtterances()
	if len(got) != 1 {
		t.Fatalf("expected the partial window to be flushed, got %d utterances", len(got))
	}
	if !got[0].WindowEnd.Equal(t0.Add(300 * time.Millisecond)) {
		t.Errorf("unexpected window end %v", got[0].WindowEnd)
	}
}

func TestRecognizer_NoCallbacksAfterClose(t *testing.T) {
	r, _ := newTestRecognizer(Config{FramesPerUtterance: 1, ProcessingDelay: 5 * time.Millisecond})
	cb := &testCallback{}
	ctx := context.Background()

	r.Start(ctx, cb)
	for i := 0; i < 5; i++ {
		r.SendFrame(ctx, frameAt(i))
	}
	r.Close()
	n := len(cb.getUtterances())
	if n != 5 {
		t.Errorf("expected all 5 utterances delivered before Close returned, got %d", n)
	}

	if err := r.SendFrame(ctx, frameAt(9)); !errors.Is(err, recognizer.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(cb.getUtterances()) != n {
		t.Error("callback invoked after Close returned")
	}
}

func TestRecognizer_CloseIdempotent(t *testing.T) {
	r, _ := newTestRecognizer(Config{})
	r.Start(context.Background(), &testCallback{})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestRecognizer_CloseWithoutStart(t *testing.T) {
	r, _ := newTestRecognizer(Config{})
	if err := r.Close(); err != nil {
		t.Errorf("close without start: %v", err)
	}
	if err := r.Start(context.Background(), &testCallback{}); !errors.Is(err, recognizer.ErrClosed) {
		t.Errorf("expected ErrClosed on start after close, got %v", err)
	}
}

func TestRecognizer_ExtractsFeaturesWhenUnscripted(t *testing.T) {
	var calls int
	ext := recognizer.ExtractorFunc(func(pcm []byte) speaker.FeatureVector {
		calls++
		return speaker.FeatureVector{float64(len(pcm)), 0, 0}
	})
	r, _ := newTestRecognizer(Config{
		FramesPerUtterance: 2,
		Script:             []ScriptedUtterance{{Text: "hello", Confidence: 1}},
		Extractor:          ext,
	})
	cb := &testCallback{}
	ctx := context.Background()

	r.Start(ctx, cb)
	r.SendFrame(ctx, frameAt(0))
	r.SendFrame(ctx, frameAt(1))
	r.Close()

	got := cb.getUtterances()
	if len(got) != 1 || calls != 1 {
		t.Fatalf("expected one extraction, got %d utterances and %d calls", len(got), calls)
	}
	if got[0].Features[0] != 6400 {
		t.Errorf("expected features over the whole window, got %v", got[0].Features)
	}
}

func TestDefaultScript_MatchesDefaultRoster(t *testing.T) {
	c, err := speaker.NewClassifier(speaker.DefaultRoster())
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, u := range DefaultScript {
		id, _, err := c.Identify(u.Features)
		if err != nil {
			t.Fatalf("%q: %v", u.Text, err)
		}
		seen[id] = true
	}
	for _, p := range speaker.DefaultRoster() {
		if !seen[p.SpeakerID] {
			t.Errorf("default script never attributes to %s", p.SpeakerID)
		}
	}
}
