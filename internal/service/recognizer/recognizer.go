// Package recognizer defines the speech recognizer collaborator: an engine that
// consumes audio frames and reports recognized utterances with the voice
// features of the audio window they came from.
package recognizer

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"speaker-transcript-service/internal/service/frames"
	"speaker-transcript-service/internal/service/speaker"
)

// Errors shared by recognizer implementations.
var (
	ErrNotStarted = errors.New("recognizer not started")
	ErrClosed     = errors.New("recognizer closed")
)

// Utterance is one recognition result.
type Utterance struct {
	Text        string
	Features    speaker.FeatureVector
	WindowStart time.Time
	WindowEnd   time.Time
	Confidence  float64
}

// Callback receives results from a recognizer. Implementations may be invoked
// from a goroutine owned by the recognizer, but never concurrently.
type Callback interface {
	// OnRecognized is called once per final utterance, in window order.
	OnRecognized(u Utterance)

	// OnError reports an unrecoverable recognition failure.
	OnError(err error)
}

// Recognizer is a streaming speech recognition engine.
type Recognizer interface {
	// Start begins a recognition session.
	Start(ctx context.Context, cb Callback) error

	// SendFrame feeds the next audio frame.
	SendFrame(ctx context.Context, f frames.AudioFrame) error

	// Close flushes pending audio and returns once no further callbacks
	// will be made.
	Close() error
}

// Extractor derives a voice feature vector from a window of 16-bit
// little-endian PCM.
type Extractor interface {
	Extract(pcm []byte) speaker.FeatureVector
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(pcm []byte) speaker.FeatureVector

// Extract calls f.
func (f ExtractorFunc) Extract(pcm []byte) speaker.FeatureVector { return f(pcm) }

// PCMStatsExtractor produces a three-dimensional vector of simple amplitude
// statistics: mean absolute amplitude, RMS amplitude and zero crossings per
// 1000 samples. It is a coarse stand-in for a real voiceprint model.
type PCMStatsExtractor struct{}

// Dimension is the length of vectors returned by PCMStatsExtractor.
const Dimension = 3

// Extract implements Extractor.
func (PCMStatsExtractor) Extract(pcm []byte) speaker.FeatureVector {
	samples := DecodePCM16(pcm)
	if len(samples) == 0 {
		return speaker.FeatureVector{0, 0, 0}
	}
	n := float64(len(samples))

	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			crossings++
		}
	}

	return speaker.FeatureVector{
		floats.Norm(samples, 1) / n,
		floats.Norm(samples, 2) / math.Sqrt(n),
		float64(crossings) * 1000 / n,
	}
}

// DecodePCM16 converts little-endian int16 samples to float64. A trailing odd
// byte is ignored.
func DecodePCM16(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Window accumulates frames between two utterance boundaries.
type Window struct {
	start time.Time
	end   time.Time
	pcm   []byte
	count int
}

// Add appends a frame to the window.
func (w *Window) Add(f frames.AudioFrame, frameDuration time.Duration) {
	if w.count == 0 {
		w.start = f.CapturedAt
	}
	w.end = f.CapturedAt.Add(frameDuration)
	w.pcm = append(w.pcm, f.Samples...)
	w.count++
}

// Len returns the number of frames in the window.
func (w *Window) Len() int { return w.count }

// Bounds returns the capture time of the first frame and the end of the last.
func (w *Window) Bounds() (time.Time, time.Time) { return w.start, w.end }

// PCM returns the accumulated audio.
func (w *Window) PCM() []byte { return w.pcm }

// Reset empties the window. Slices returned by PCM stay valid.
func (w *Window) Reset() {
	*w = Window{}
}

// FrameDuration returns the play time of a frame of 16-bit mono PCM.
func FrameDuration(f frames.AudioFrame, sampleRateHz int) time.Duration {
	if sampleRateHz <= 0 {
		return 0
	}
	samples := int64(len(f.Samples) / 2)
	return time.Duration(samples * int64(time.Second) / int64(sampleRateHz))
}
