package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/service/frames"
)

// ErrUnsupportedWAV is returned for files that are not 16-bit PCM WAV.
var ErrUnsupportedWAV = errors.New("unsupported wav file")

const wavFormatPCM = 1

// WAVSource replays a 16-bit PCM WAV file as a capture stream. Multi-channel
// audio is mixed down to mono. The file's sample rate overrides
// Config.SampleRateHz.
type WAVSource struct {
	path string
	cfg  Config
	seq  *Sequencer
	run  runner
}

// NewWAVSource creates a source that reads path when started.
func NewWAVSource(path string, cfg Config) *WAVSource {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultConfig().FrameDuration
	}
	return &WAVSource{
		path: path,
		cfg:  cfg,
		seq:  NewSequencer(),
		run:  runner{logger: logging.WithComponent("capture.wav")},
	}
}

// Start opens and validates the file, then streams it to sink in the
// background. Format problems are returned synchronously.
func (s *WAVSource) Start(ctx context.Context, sink Sink) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return fmt.Errorf("%w: %s is not a valid wav file", ErrUnsupportedWAV, s.path)
	}
	if dec.WavAudioFormat != wavFormatPCM || dec.BitDepth != 16 {
		f.Close()
		return fmt.Errorf("%w: format=%d bitDepth=%d (want PCM 16-bit)",
			ErrUnsupportedWAV, dec.WavAudioFormat, dec.BitDepth)
	}

	cfg := s.cfg
	cfg.SampleRateHz = int(dec.SampleRate)
	channels := int(dec.NumChans)
	if channels < 1 {
		channels = 1
	}

	s.run.logger.Info().
		Str("path", s.path).
		Int("sampleRate", cfg.SampleRateHz).
		Int("channels", channels).
		Dur("frameDuration", cfg.FrameDuration).
		Bool("realtime", cfg.Realtime).
		Msg("Starting WAV capture")

	err = s.run.start(ctx, func(ctx context.Context) {
		defer f.Close()
		s.stream(ctx, dec, cfg, channels, sink)
	})
	if err != nil {
		f.Close()
	}
	return err
}

func (s *WAVSource) stream(ctx context.Context, dec *wav.Decoder, cfg Config, channels int, sink Sink) {
	var ticker *time.Ticker
	if cfg.Realtime {
		ticker = time.NewTicker(cfg.FrameDuration)
		defer ticker.Stop()
	}

	perFrame := cfg.samplesPerFrame()
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: cfg.SampleRateHz},
		Data:   make([]int, perFrame*channels),
	}

	startedAt := time.Now()
	var position int64
	var count int

	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.run.logger.Error().Err(err).Msg("WAV decode failed")
			sink.OnError(fmt.Errorf("decode wav: %w", err))
			return
		}
		if n == 0 {
			s.run.logger.Info().Int("frames", count).Msg("WAV capture reached end of file")
			return
		}

		pcm := downmixPCM16(buf.Data[:n], channels)
		f := frames.AudioFrame{
			Samples:    pcm,
			CapturedAt: startedAt.Add(cfg.offset(position)),
			Sequence:   s.seq.Next(),
		}
		sink.OnFrame(ctx, f)
		position += int64(len(pcm) / 2)
		count++

		if !pace(ctx, ticker) {
			return
		}
	}
}

// Stop ends playback.
func (s *WAVSource) Stop() error {
	return s.run.stop()
}

// downmixPCM16 averages interleaved channels and encodes little-endian int16.
func downmixPCM16(samples []int, channels int) []byte {
	count := len(samples) / channels
	out := make([]byte, count*2)
	for i := 0; i < count; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}
