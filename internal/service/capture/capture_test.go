package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"speaker-transcript-service/internal/service/frames"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []frames.AudioFrame
	errs   []error
	got    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 1024)}
}

func (r *recordingSink) OnFrame(_ context.Context, f frames.AudioFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recordingSink) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() []frames.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frames.AudioFrame(nil), r.frames...)
}

func (r *recordingSink) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, i)
		}
	}
}

func TestSequencer_Next(t *testing.T) {
	seq := NewSequencer()
	if seq.Last() != 0 {
		t.Errorf("expected 0 before first frame, got %d", seq.Last())
	}
	for want := uint64(1); want <= 3; want++ {
		if got := seq.Next(); got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
	if seq.Last() != 3 {
		t.Errorf("expected last 3, got %d", seq.Last())
	}
}

func TestSequencer_ThreadSafety(t *testing.T) {
	seq := NewSequencer()
	numGoroutines := 100
	perGoroutine := 10

	var wg sync.WaitGroup
	results := make(chan uint64, numGoroutines*perGoroutine)
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results <- seq.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for n := range results {
		if seen[n] {
			t.Errorf("duplicate sequence number: %d", n)
		}
		seen[n] = true
	}
	if len(seen) != numGoroutines*perGoroutine {
		t.Errorf("expected %d unique numbers, got %d", numGoroutines*perGoroutine, len(seen))
	}
}

func TestSilenceSource_EmitsOrderedFrames(t *testing.T) {
	cfg := Config{SampleRateHz: 8000, FrameDuration: 5 * time.Millisecond}
	src := NewSilenceSource(cfg, 4)
	sink := newRecordingSink()

	if err := src.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	sink.waitFor(t, 4)
	src.Stop()

	got := sink.snapshot()
	if len(got) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(got))
	}
	for i, f := range got {
		if f.Sequence != uint64(i+1) {
			t.Errorf("frame %d: expected sequence %d, got %d", i, i+1, f.Sequence)
		}
		// 8000 Hz * 5ms = 40 samples of 2 bytes.
		if len(f.Samples) != 80 {
			t.Errorf("frame %d: expected 80 bytes, got %d", i, len(f.Samples))
		}
		if i > 0 && f.CapturedAt.Before(got[i-1].CapturedAt) {
			t.Errorf("frame %d: capture time went backwards", i)
		}
	}
}

func TestSilenceSource_StartTwice(t *testing.T) {
	src := NewSilenceSource(Config{FrameDuration: time.Millisecond}, 1)
	sink := newRecordingSink()
	if err := src.Start(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	if err := src.Start(context.Background(), sink); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSilenceSource_StopIsIdempotent(t *testing.T) {
	src := NewSilenceSource(Config{FrameDuration: time.Millisecond}, 0)
	if err := src.Stop(); err != nil {
		t.Errorf("stop before start: %v", err)
	}
	if err := src.Start(context.Background(), newRecordingSink()); err != nil {
		t.Fatal(err)
	}
	src.Stop()
	if err := src.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func writeWAV(t *testing.T, sampleRate, channels int, samples []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestWAVSource_StreamsWholeFile(t *testing.T) {
	// 250 samples at 1 kHz with 100ms frames: 100 + 100 + 50.
	samples := make([]int, 250)
	for i := range samples {
		samples[i] = i - 125
	}
	path := writeWAV(t, 1000, 1, samples)

	src := NewWAVSource(path, Config{FrameDuration: 100 * time.Millisecond, Realtime: false})
	sink := newRecordingSink()
	if err := src.Start(context.Background(), sink); err != nil {
		t.Fatalf("start: %v", err)
	}
	sink.waitFor(t, 3)
	src.Stop()

	got := sink.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	wantBytes := []int{200, 200, 100}
	for i, f := range got {
		if len(f.Samples) != wantBytes[i] {
			t.Errorf("frame %d: expected %d bytes, got %d", i, wantBytes[i], len(f.Samples))
		}
		if f.Sequence != uint64(i+1) {
			t.Errorf("frame %d: expected sequence %d, got %d", i, i+1, f.Sequence)
		}
	}
	if d := got[1].CapturedAt.Sub(got[0].CapturedAt); d != 100*time.Millisecond {
		t.Errorf("expected 100ms between frames, got %v", d)
	}

	first := int16(binary.LittleEndian.Uint16(got[0].Samples[0:2]))
	if first != -125 {
		t.Errorf("expected first sample -125, got %d", first)
	}
}

func TestWAVSource_DownmixesStereo(t *testing.T) {
	path := writeWAV(t, 1000, 2, []int{100, 300, -200, -400})

	src := NewWAVSource(path, Config{FrameDuration: 100 * time.Millisecond})
	sink := newRecordingSink()
	if err := src.Start(context.Background(), sink); err != nil {
		t.Fatal(err)
	}
	sink.waitFor(t, 1)
	src.Stop()

	f := sink.snapshot()[0]
	if len(f.Samples) != 4 {
		t.Fatalf("expected 2 mono samples, got %d bytes", len(f.Samples))
	}
	if v := int16(binary.LittleEndian.Uint16(f.Samples[0:2])); v != 200 {
		t.Errorf("expected 200, got %d", v)
	}
	if v := int16(binary.LittleEndian.Uint16(f.Samples[2:4])); v != -300 {
		t.Errorf("expected -300, got %d", v)
	}
}

func TestWAVSource_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.wav")
	if err := os.WriteFile(path, []byte("definitely not riff data"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := NewWAVSource(path, DefaultConfig()).Start(context.Background(), newRecordingSink())
	if !errors.Is(err, ErrUnsupportedWAV) {
		t.Errorf("expected ErrUnsupportedWAV, got %v", err)
	}
}

func TestWAVSource_MissingFile(t *testing.T) {
	err := NewWAVSource(filepath.Join(t.TempDir(), "nope.wav"), DefaultConfig()).
		Start(context.Background(), newRecordingSink())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestDownmixPCM16_Mono(t *testing.T) {
	out := downmixPCM16([]int{1, -1, 32767}, 1)
	want := []int16{1, -1, 32767}
	for i, w := range want {
		if v := int16(binary.LittleEndian.Uint16(out[i*2:])); v != w {
			t.Errorf("sample %d: expected %d, got %d", i, w, v)
		}
	}
}
