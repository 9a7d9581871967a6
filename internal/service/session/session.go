// Package session orchestrates one recording: capture feeds a bounded frame
// queue, a single consumer forwards frames to the recognizer, and recognized
// utterances are attributed and appended to the transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/capture"
	"speaker-transcript-service/internal/service/frames"
	"speaker-transcript-service/internal/service/persist"
	"speaker-transcript-service/internal/service/recognizer"
	"speaker-transcript-service/internal/service/speaker"
	"speaker-transcript-service/internal/service/transcript"
)

// DefaultShutdownGrace bounds how long StopRecording waits for the pipeline
// to drain.
const DefaultShutdownGrace = 2 * time.Second

// Params wires a session to its collaborators.
type Params struct {
	ID                string
	Roster            []speaker.VoiceProfile
	ClassifierOptions []speaker.Option
	Queue             frames.Config
	ShutdownGrace     time.Duration

	Source     capture.Source
	Recognizer recognizer.Recognizer
	Persister  persist.Persister
	Observers  []transcript.Observer
	Metrics    *metrics.Metrics
}

// QueueStats is a snapshot of the frame queue.
type QueueStats struct {
	Len     int    `json:"len"`
	Cap     int    `json:"cap"`
	Dropped uint64 `json:"dropped"`
}

// Session is a single recording. It is created Idle, records once and ends
// Stopped; the transcript stays readable afterwards.
type Session struct {
	p         Params
	lifecycle *Lifecycle
	log       *transcript.Log
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// mu serializes StartRecording, StopRecording and Persist.
	mu           sync.Mutex
	assembler    *transcript.Assembler
	cancel       context.CancelFunc
	consumerDone chan struct{}
	startedAt    time.Time

	queue atomic.Pointer[frames.Queue]

	failOnce sync.Once
	failed   chan struct{}
	errMu    sync.Mutex
	err      error
}

// New creates an Idle session. A missing ID is generated.
func New(p Params) *Session {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.ShutdownGrace <= 0 {
		p.ShutdownGrace = DefaultShutdownGrace
	}
	return &Session{
		p:         p,
		lifecycle: NewLifecycle(),
		log:       transcript.NewLog(),
		metrics:   metrics.Or(p.Metrics),
		logger:    logging.WithSession(p.ID),
		failed:    make(chan struct{}),
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.p.ID }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.lifecycle.State() }

// Transcript returns a copy of the entries appended so far.
func (s *Session) Transcript() []transcript.Entry { return s.log.Entries() }

// Failed is closed when a collaborator reports an unrecoverable error while
// recording. The session keeps its state; the owner decides when to stop.
func (s *Session) Failed() <-chan struct{} { return s.failed }

// Err returns the failure that closed Failed, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// QueueStats returns the frame queue counters (zero before recording).
func (s *Session) QueueStats() QueueStats {
	q := s.queue.Load()
	if q == nil {
		return QueueStats{}
	}
	return QueueStats{Len: q.Len(), Cap: q.Cap(), Dropped: q.Dropped()}
}

// StartRecording builds the classifier and queue, starts the recognizer and
// the consumer, then starts capture. ctx only bounds startup; the pipeline
// runs until StopRecording.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.CanStart(); err != nil {
		s.metrics.RecordTransition("start", err)
		return err
	}
	if s.p.Source == nil || s.p.Recognizer == nil {
		return errors.New("session: capture source and recognizer are required")
	}

	classifier, err := speaker.NewClassifier(s.p.Roster, s.p.ClassifierOptions...)
	if err != nil {
		s.metrics.RecordTransition("start", err)
		return fmt.Errorf("build classifier: %w", err)
	}

	q := frames.NewQueue(s.p.Queue, s.metrics)
	s.assembler = transcript.NewAssembler(classifier, s.log, s.metrics, s.p.Observers...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.p.Recognizer.Start(runCtx, recognizerCallback{s}); err != nil {
		cancel()
		if cerr := s.p.Recognizer.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Recognizer close failed after failed start")
		}
		s.metrics.RecordTransition("start", err)
		return fmt.Errorf("start recognizer: %w", err)
	}

	s.queue.Store(q)
	s.cancel = cancel
	s.consumerDone = make(chan struct{})
	go s.consume(runCtx, q, s.consumerDone)

	if err := s.p.Source.Start(runCtx, captureSink{s: s, queue: q}); err != nil {
		s.abort(q)
		s.metrics.RecordTransition("start", err)
		return fmt.Errorf("start capture: %w", err)
	}

	// CanStart was checked under mu, so this cannot fail.
	_ = s.lifecycle.Start()
	s.startedAt = time.Now()
	s.metrics.RecordTransition("start", nil)
	s.metrics.RecordSessionStart()

	s.logger.Info().
		Int("roster", len(s.p.Roster)).
		Int("dimension", classifier.Dimension()).
		Int("queueCapacity", q.Cap()).
		Str("overflowPolicy", s.p.Queue.Policy.String()).
		Msg("Recording started")
	return nil
}

// abort tears down a half-started pipeline and makes the session terminal:
// the recognizer has been started and cannot be reused.
func (s *Session) abort(q *frames.Queue) {
	q.Close()
	s.cancel()
	<-s.consumerDone
	if err := s.p.Recognizer.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Recognizer close failed during aborted start")
	}
	if s.assembler != nil {
		s.assembler.Seal()
	}
	s.lifecycle.Abort()
}

// StopRecording stops capture, drains the queue into the recognizer, waits
// for in-flight recognition, seals the transcript and persists it. Draining
// and flushing are each bounded by the shutdown grace period.
//
// The session is Stopped even when persistence fails; the returned
// *persist.IOError leaves the transcript intact for a later Persist call.
func (s *Session) StopRecording(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.Stop(); err != nil {
		s.metrics.RecordTransition("stop", err)
		return err
	}
	s.logger.Info().Msg("Stopping recording")

	if err := s.p.Source.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("Capture source stop failed")
	}
	if q := s.queue.Load(); q != nil {
		q.Close()
	}

	drain := time.NewTimer(s.p.ShutdownGrace)
	defer drain.Stop()

	select {
	case <-s.consumerDone:
	case <-drain.C:
		s.logger.Warn().
			Dur("grace", s.p.ShutdownGrace).
			Msg("Queue did not drain within grace period, cancelling")
		s.cancel()
		<-s.consumerDone
	case <-ctx.Done():
		s.logger.Warn().Err(ctx.Err()).Msg("Stop cancelled, abandoning queued frames")
		s.cancel()
		<-s.consumerDone
	}

	flush := time.NewTimer(s.p.ShutdownGrace)
	defer flush.Stop()

	closed := make(chan error, 1)
	go func() { closed <- s.p.Recognizer.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			s.logger.Warn().Err(err).Msg("Recognizer close failed")
		}
	case <-flush.C:
		s.logger.Warn().Msg("Recognizer did not flush within grace period")
	case <-ctx.Done():
		s.logger.Warn().Err(ctx.Err()).Msg("Stop cancelled while recognizer flushed")
	}

	s.assembler.Seal()
	s.cancel()

	duration := time.Since(s.startedAt)
	s.metrics.RecordTransition("stop", nil)
	s.metrics.RecordSessionEnd(duration.Seconds())
	s.logger.Info().
		Dur("duration", duration).
		Int("entries", s.log.Len()).
		Uint64("droppedFrames", s.QueueStats().Dropped).
		Msg("Recording stopped")

	return s.persistLocked(ctx)
}

// Persist writes the sealed transcript again. Only valid once Stopped.
func (s *Session) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.lifecycle.State(); st != StateStopped {
		return fmt.Errorf("%w: cannot persist from %s", ErrInvalidStateTransition, st)
	}
	return s.persistLocked(ctx)
}

func (s *Session) persistLocked(ctx context.Context) error {
	if s.p.Persister == nil {
		return nil
	}
	entries := s.log.Entries()
	err := s.p.Persister.Persist(ctx, s.p.ID, entries)
	if err == nil {
		s.logger.Info().Int("entries", len(entries)).Msg("Transcript persisted")
		return nil
	}
	if !persist.IsIOError(err) {
		err = &persist.IOError{Backend: "unknown", Op: "persist", Err: err}
	}
	s.logger.Error().Err(err).Int("entries", len(entries)).Msg("Transcript persistence failed, transcript retained")
	return err
}

// consume is the only reader of q.
func (s *Session) consume(ctx context.Context, q *frames.Queue, done chan struct{}) {
	defer close(done)
	for {
		f, err := q.Pop(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Frame queue failed")
			}
			return
		}
		if err := s.p.Recognizer.SendFrame(ctx, f); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail("recognizer", fmt.Errorf("send frame %d: %w", f.Sequence, err))
			return
		}
	}
}

func (s *Session) fail(collaborator string, err error) {
	s.failOnce.Do(func() {
		s.errMu.Lock()
		s.err = fmt.Errorf("%s: %w", collaborator, err)
		s.errMu.Unlock()

		s.metrics.RecordSessionFailure(collaborator)
		s.logger.Error().Err(err).Str("collaborator", collaborator).Msg("Session collaborator failed")
		close(s.failed)
	})
}

// captureSink hands captured frames to the queue.
type captureSink struct {
	s     *Session
	queue *frames.Queue
}

func (c captureSink) OnFrame(ctx context.Context, f frames.AudioFrame) {
	err := c.queue.Push(ctx, f)
	switch {
	case err == nil:
	case errors.Is(err, frames.ErrQueueClosed), ctx.Err() != nil:
	case errors.Is(err, frames.ErrQueueFull):
		c.s.logger.Debug().Uint64("sequence", f.Sequence).Msg("Frame dropped, queue full")
	default:
		c.s.logger.Warn().Err(err).Uint64("sequence", f.Sequence).Msg("Frame rejected")
	}
}

func (c captureSink) OnError(err error) {
	c.s.fail("capture", err)
}

// recognizerCallback feeds recognized utterances to the assembler.
type recognizerCallback struct {
	s *Session
}

func (r recognizerCallback) OnRecognized(u recognizer.Utterance) {
	// Late utterances are counted and logged by the assembler.
	r.s.assembler.OnRecognized(u)
}

func (r recognizerCallback) OnError(err error) {
	r.s.fail("recognizer", err)
}
