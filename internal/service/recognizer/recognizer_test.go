package recognizer

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"speaker-transcript-service/internal/service/frames"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestDecodePCM16(t *testing.T) {
	got := DecodePCM16(append(pcm16(1, -2, 32767, -32768), 0x7f))
	want := []float64{1, -2, 32767, -32768}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestPCMStatsExtractor(t *testing.T) {
	// Square wave of amplitude 100 flipping sign every sample.
	v := PCMStatsExtractor{}.Extract(pcm16(100, -100, 100, -100))
	if v.Len() != Dimension {
		t.Fatalf("expected %d dimensions, got %d", Dimension, v.Len())
	}
	if v[0] != 100 {
		t.Errorf("expected mean abs 100, got %v", v[0])
	}
	if math.Abs(v[1]-100) > 1e-9 {
		t.Errorf("expected rms 100, got %v", v[1])
	}
	// 3 crossings over 4 samples.
	if v[2] != 750 {
		t.Errorf("expected 750 crossings per 1000 samples, got %v", v[2])
	}
}

func TestPCMStatsExtractor_Empty(t *testing.T) {
	v := PCMStatsExtractor{}.Extract(nil)
	if v.Len() != Dimension {
		t.Fatalf("expected %d dimensions, got %d", Dimension, v.Len())
	}
	for i, x := range v {
		if x != 0 {
			t.Errorf("dimension %d: expected 0, got %v", i, x)
		}
	}
}

func TestWindow(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	var w Window

	w.Add(frames.AudioFrame{Samples: pcm16(1, 2), CapturedAt: base, Sequence: 1}, 100*time.Millisecond)
	w.Add(frames.AudioFrame{Samples: pcm16(3), CapturedAt: base.Add(100 * time.Millisecond), Sequence: 2}, 100*time.Millisecond)

	if w.Len() != 2 {
		t.Errorf("expected 2 frames, got %d", w.Len())
	}
	start, end := w.Bounds()
	if !start.Equal(base) {
		t.Errorf("expected start %v, got %v", base, start)
	}
	if !end.Equal(base.Add(200 * time.Millisecond)) {
		t.Errorf("expected end %v, got %v", base.Add(200*time.Millisecond), end)
	}
	pcm := w.PCM()
	if len(pcm) != 6 {
		t.Errorf("expected 6 bytes, got %d", len(pcm))
	}

	w.Reset()
	if w.Len() != 0 || len(w.PCM()) != 0 {
		t.Error("expected empty window after reset")
	}
	if len(pcm) != 6 || pcm[4] != 3 {
		t.Error("reset must not clobber previously returned audio")
	}
}

func TestFrameDuration(t *testing.T) {
	f := frames.AudioFrame{Samples: make([]byte, 3200)}
	if d := FrameDuration(f, 16000); d != 100*time.Millisecond {
		t.Errorf("expected 100ms, got %v", d)
	}
	if d := FrameDuration(f, 0); d != 0 {
		t.Errorf("expected 0 for unknown rate, got %v", d)
	}
}
