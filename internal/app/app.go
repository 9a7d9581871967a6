package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speaker-transcript-service/internal/config"
	"speaker-transcript-service/internal/events"
	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/capture"
	"speaker-transcript-service/internal/service/frames"
	"speaker-transcript-service/internal/service/persist"
	"speaker-transcript-service/internal/service/recognizer"
	"speaker-transcript-service/internal/service/recognizer/google"
	"speaker-transcript-service/internal/service/recognizer/mock"
	"speaker-transcript-service/internal/service/session"
	"speaker-transcript-service/internal/service/speaker"
	"speaker-transcript-service/internal/service/transcript"
)

// Errors returned by the application.
var (
	ErrNoSession       = errors.New("no recording session")
	ErrArchiveDisabled = errors.New("transcript archive is not configured")
)

// autoStopTimeout bounds the stop triggered by a collaborator failure.
const autoStopTimeout = 10 * time.Second

// SourceFactory builds the capture source for a new session.
type SourceFactory func(sessionID string) (capture.Source, error)

// RecognizerFactory builds the recognizer for a new session.
type RecognizerFactory func(ctx context.Context, sessionID string) (recognizer.Recognizer, error)

// ObserverFactory builds a transcript observer bound to one session.
type ObserverFactory func(sessionID string) transcript.Observer

// Option customizes an Application.
type Option func(*Application)

// WithMetrics sets the metrics instance (default metrics.DefaultMetrics).
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Application) { a.Metrics = m }
}

// WithPublisher replaces the Kafka publisher built from configuration.
func WithPublisher(p *events.Publisher) Option {
	return func(a *Application) { a.Publisher = p }
}

// WithSourceFactory replaces the configured capture source.
func WithSourceFactory(f SourceFactory) Option {
	return func(a *Application) { a.newSource = f }
}

// WithRecognizerFactory replaces the configured recognizer.
func WithRecognizerFactory(f RecognizerFactory) Option {
	return func(a *Application) { a.newRecognizer = f }
}

// WithConsole sets where appended entries are echoed (default os.Stdout).
func WithConsole(w io.Writer) Option {
	return func(a *Application) { a.console = w }
}

// Snapshot is a point-in-time view of the current session.
type Snapshot struct {
	SessionID string             `json:"sessionId"`
	State     string             `json:"state"`
	Entries   []transcript.Entry `json:"entries"`
	Queue     session.QueueStats `json:"queue"`
	Error     string             `json:"error,omitempty"`
}

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config
	Metrics     *metrics.Metrics
	Publisher   *events.Publisher

	roster         []speaker.VoiceProfile
	classifierOpts []speaker.Option
	queue          frames.Config
	persister      persist.Persister
	archive        *persist.BadgerPersister
	newSource      SourceFactory
	newRecognizer  RecognizerFactory
	console        io.Writer

	mu        sync.Mutex
	current   *session.Session
	watchStop chan struct{}
	observers []ObserverFactory
}

// New constructs a new Application from the provided configuration. It loads
// the voice roster and opens the persistence backends.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		console: os.Stdout,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Metrics = metrics.Or(a.Metrics)
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	if err := a.setupClassifier(); err != nil {
		return nil, err
	}
	policy, err := frames.ParseOverflowPolicy(cfg.Queue.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	a.queue = frames.Config{
		Capacity:     cfg.Queue.Capacity,
		Policy:       policy,
		BlockTimeout: cfg.Queue.BlockTimeout,
	}

	if a.Publisher == nil {
		a.Publisher = events.New(&events.Config{
			Enabled:          cfg.Kafka.Enabled,
			Brokers:          cfg.Kafka.Brokers,
			TopicEntries:     cfg.Kafka.TopicEntries,
			TopicTranscripts: cfg.Kafka.TopicTranscripts,
			TopicSessions:    cfg.Kafka.TopicSessions,
			Principal:        cfg.Kafka.Principal,
			Metrics:          a.Metrics,
		})
	}
	if err := a.setupPersistence(); err != nil {
		return nil, err
	}
	if a.newSource == nil {
		a.newSource = a.configuredSource
	}
	if a.newRecognizer == nil {
		a.newRecognizer = a.configuredRecognizer
	}

	appLogger.Info().
		Int("roster", len(a.roster)).
		Str("recognizer", cfg.Recognizer.Provider).
		Str("capture", cfg.Capture.Source).
		Msg("Speaker transcript service application created")
	return a, nil
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logCfg := logging.DefaultConfig()
	logCfg.Level = a.Cfg.Observability.LogLevel
	logCfg.Format = a.Cfg.Observability.LogFormat
	if os.Getenv("ENV") == "dev" {
		logCfg.Format = "console"
	}
	logging.Init(logCfg)

	a.Logger = log.With().
		Str("service", "speaker-transcript-service").
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("logFormat", logCfg.Format).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

func (a *Application) setupClassifier() error {
	cc := a.Cfg.Classifier
	a.roster = speaker.DefaultRoster()
	if cc.RosterPath != "" {
		roster, err := speaker.LoadRoster(cc.RosterPath)
		if err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		a.roster = roster
	}
	metric, err := speaker.MetricByName(cc.Metric)
	if err != nil {
		return err
	}
	a.classifierOpts = []speaker.Option{
		speaker.WithMetric(metric),
		speaker.WithMaxDistance(cc.MaxDistance),
	}
	// Fail at boot rather than on the first start.
	c, err := speaker.NewClassifier(a.roster, a.classifierOpts...)
	if err != nil {
		return fmt.Errorf("roster: %w", err)
	}
	// Both configured recognizers emit PCMStatsExtractor-sized vectors.
	if c.Dimension() != recognizer.Dimension {
		return fmt.Errorf("roster: %w: centroids have %d values, recognizer features have %d",
			speaker.ErrDimensionMismatch, c.Dimension(), recognizer.Dimension)
	}
	return nil
}

func (a *Application) setupPersistence() error {
	pc := a.Cfg.Persist
	var backends []persist.Persister
	if pc.Dir != "" {
		backends = append(backends, persist.NewFilePersister(pc.Dir, a.Metrics))
	}
	if pc.BadgerPath != "" {
		archive, err := persist.OpenBadger(persist.BadgerOptions{Dir: pc.BadgerPath}, a.Metrics)
		if err != nil {
			return err
		}
		a.archive = archive
		backends = append(backends, archive)
	}
	if a.Cfg.Kafka.Enabled {
		backends = append(backends, a.Publisher.Persister())
	}
	a.persister = persist.Multi(backends...)
	return nil
}

func (a *Application) configuredSource(sessionID string) (capture.Source, error) {
	cc := a.Cfg.Capture
	srcCfg := capture.Config{
		SampleRateHz:  a.Cfg.Recognizer.SampleRateHz,
		FrameDuration: cc.FrameDuration,
		Realtime:      cc.Realtime,
	}
	switch cc.Source {
	case "silence", "":
		return capture.NewSilenceSource(srcCfg, 0), nil
	case "wav":
		if cc.WAVPath == "" {
			return nil, errors.New("capture: CAPTURE_WAV_PATH is required for the wav source")
		}
		return capture.NewWAVSource(cc.WAVPath, srcCfg), nil
	default:
		return nil, fmt.Errorf("capture: unknown source %q", cc.Source)
	}
}

func (a *Application) configuredRecognizer(ctx context.Context, sessionID string) (recognizer.Recognizer, error) {
	rc := a.Cfg.Recognizer
	switch rc.Provider {
	case "mock", "":
		return mock.New(mock.Config{
			SessionID:          sessionID,
			FramesPerUtterance: rc.FramesPerUtterance,
			SampleRateHz:       rc.SampleRateHz,
			ProcessingDelay:    rc.ProcessingDelay,
			Metrics:            a.Metrics,
		}), nil
	case "google":
		r, err := google.New(ctx, google.Config{
			SessionID:      sessionID,
			LanguageCode:   rc.LanguageCode,
			SampleRateHz:   rc.SampleRateHz,
			InterimResults: rc.InterimResults,
			AudioEncoding:  rc.AudioEncoding,
			Extractor:      recognizer.PCMStatsExtractor{},
			Metrics:        a.Metrics,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("recognizer: unknown provider %q", rc.Provider)
	}
}

// AddObserver registers an observer attached to every session started
// afterwards.
func (a *Application) AddObserver(f ObserverFactory) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, f)
}

// Current returns the current session, or nil before the first start.
func (a *Application) Current() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// StartRecording starts a fresh session when none is current or the current
// one has stopped. Starting while recording is an invalid transition.
func (a *Application) StartRecording(ctx context.Context) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil && !a.current.State().IsTerminal() {
		return a.current, a.current.StartRecording(ctx)
	}

	s, err := a.newSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.StartRecording(ctx); err != nil {
		if s.State().IsTerminal() {
			a.current = s
		}
		return s, err
	}

	a.current = s
	a.watchStop = make(chan struct{})
	go a.watch(s, a.watchStop)

	if err := a.Publisher.SessionStarted(ctx, s.ID()); err != nil {
		a.Logger.Warn().Err(err).Str("sessionId", s.ID()).Msg("Session started event not published")
	}
	return s, nil
}

func (a *Application) newSession(ctx context.Context) (*session.Session, error) {
	id := uuid.NewString()

	src, err := a.newSource(id)
	if err != nil {
		return nil, err
	}
	rec, err := a.newRecognizer(ctx, id)
	if err != nil {
		return nil, err
	}

	var observers []transcript.Observer
	if a.Cfg.Session.ConsoleEcho && a.console != nil {
		observers = append(observers, transcript.ConsoleObserver(a.console))
	}
	if a.Cfg.Kafka.Enabled {
		observers = append(observers, a.Publisher.EntryObserver(id))
	}
	for _, f := range a.observers {
		observers = append(observers, f(id))
	}

	return session.New(session.Params{
		ID:                id,
		Roster:            a.roster,
		ClassifierOptions: a.classifierOpts,
		Queue:             a.queue,
		ShutdownGrace:     a.Cfg.Session.ShutdownGrace,
		Source:            src,
		Recognizer:        rec,
		Persister:         a.persister,
		Observers:         observers,
		Metrics:           a.Metrics,
	}), nil
}

// watch stops s when a collaborator fails while it is recording.
func (a *Application) watch(s *session.Session, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	case <-s.Failed():
	}

	a.Logger.Warn().Err(s.Err()).Str("sessionId", s.ID()).Msg("Collaborator failed, stopping session")

	ctx, cancel := context.WithTimeout(context.Background(), autoStopTimeout)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != s {
		return
	}
	if _, err := a.stopLocked(ctx); err != nil && !errors.Is(err, session.ErrInvalidStateTransition) {
		a.Logger.Error().Err(err).Str("sessionId", s.ID()).Msg("Automatic stop finished with error")
	}
}

// StopRecording stops the current session and persists its transcript. A
// persistence failure is returned after the session has stopped.
func (a *Application) StopRecording(ctx context.Context) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopLocked(ctx)
}

func (a *Application) stopLocked(ctx context.Context) (*session.Session, error) {
	s := a.current
	if s == nil {
		return nil, fmt.Errorf("%w: cannot stop: %w", session.ErrInvalidStateTransition, ErrNoSession)
	}

	err := s.StopRecording(ctx)
	if errors.Is(err, session.ErrInvalidStateTransition) {
		return s, err
	}
	if a.watchStop != nil {
		close(a.watchStop)
		a.watchStop = nil
	}

	cause := err
	if cause == nil {
		cause = s.Err()
	}
	entries := len(s.Transcript())
	if perr := a.Publisher.SessionStopped(ctx, s.ID(), entries, s.QueueStats().Dropped, cause); perr != nil {
		a.Logger.Warn().Err(perr).Str("sessionId", s.ID()).Msg("Session stopped event not published")
	}
	return s, err
}

// RetryPersist persists the stopped session's transcript again.
func (a *Application) RetryPersist(ctx context.Context) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return nil, ErrNoSession
	}
	return a.current, a.current.Persist(ctx)
}

// Snapshot returns the current session's state and transcript prefix.
func (a *Application) Snapshot() (Snapshot, error) {
	s := a.Current()
	if s == nil {
		return Snapshot{}, ErrNoSession
	}
	return SnapshotOf(s), nil
}

// SnapshotOf captures s.
func SnapshotOf(s *session.Session) Snapshot {
	snap := Snapshot{
		SessionID: s.ID(),
		State:     s.State().String(),
		Entries:   s.Transcript(),
		Queue:     s.QueueStats(),
	}
	if err := s.Err(); err != nil {
		snap.Error = err.Error()
	}
	return snap
}

// Archived loads a persisted transcript from the archive.
func (a *Application) Archived(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	if a.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return a.archive.Load(ctx, sessionID)
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Speaker transcript service starting")

	return nil
}

// Shutdown stops a recording in progress and releases the backends.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Speaker transcript service shutting down")

	a.mu.Lock()
	if a.current != nil && a.current.State() == session.StateRecording {
		if _, err := a.stopLocked(ctx); err != nil {
			shutdownLogger.Error().Err(err).Msg("Final session stop failed")
		}
	}
	a.mu.Unlock()

	if err := a.Publisher.Close(); err != nil {
		shutdownLogger.Error().Err(err).Msg("Kafka publisher close failed")
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			shutdownLogger.Error().Err(err).Msg("Transcript archive close failed")
		}
	}
}
