// Package events provides event publishing functionality.
package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speaker-transcript-service/internal/models"
	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/persist"
	"speaker-transcript-service/internal/service/transcript"
)

// Publisher publishes transcript and session events to separate Kafka topics.
// With Kafka disabled it only logs the events.
type Publisher struct {
	writerEntries     *kafka.Writer
	writerTranscripts *kafka.Writer
	writerSessions    *kafka.Writer
	principal         string
	topicEntries      string
	topicTranscripts  string
	topicSessions     string
	enabled           bool
	metrics           *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers          []string
	TopicEntries     string
	TopicTranscripts string
	TopicSessions    string
	Principal        string
	Enabled          bool
	Metrics          *metrics.Metrics
}

// New creates a new Kafka event publisher.
func New(cfg *Config) *Publisher {
	// Handle nil config case
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: metrics.DefaultMetrics,
		}
	}
	m := metrics.Or(cfg.Metrics)

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:        cfg.Principal,
			topicEntries:     cfg.TopicEntries,
			topicTranscripts: cfg.TopicTranscripts,
			topicSessions:    cfg.TopicSessions,
			enabled:          false,
			metrics:          m,
		}
	}

	// Create a custom dialer with longer timeouts for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	// Live entries must never stall the assembler, so they are written
	// asynchronously and recorded once the batch completes.
	writerEntries := newWriter(cfg.TopicEntries)
	writerEntries.Async = true
	writerEntries.Completion = entryCompletion(cfg.TopicEntries, m)

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicEntries", cfg.TopicEntries).
		Str("topicTranscripts", cfg.TopicTranscripts).
		Str("topicSessions", cfg.TopicSessions).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerEntries:     writerEntries,
		writerTranscripts: newWriter(cfg.TopicTranscripts),
		writerSessions:    newWriter(cfg.TopicSessions),
		principal:         cfg.Principal,
		topicEntries:      cfg.TopicEntries,
		topicTranscripts:  cfg.TopicTranscripts,
		topicSessions:     cfg.TopicSessions,
		enabled:           true,
		metrics:           m,
	}
}

// PublishEntry publishes a live transcript entry event.
func (p *Publisher) PublishEntry(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerEntries, p.topicEntries, models.EventTranscriptEntry, key, event)
}

// PublishTranscript publishes a complete transcript event.
func (p *Publisher) PublishTranscript(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.writerTranscripts, p.topicTranscripts, models.EventTranscriptFinal, key, event)
}

// PublishSession publishes a session lifecycle event.
func (p *Publisher) PublishSession(ctx context.Context, key string, event models.SessionLifecycle) error {
	return p.publish(ctx, p.writerSessions, p.topicSessions, event.EventType, key, event)
}

// SessionStarted announces a session entering RECORDING.
func (p *Publisher) SessionStarted(ctx context.Context, sessionID string) error {
	return p.PublishSession(ctx, sessionID, models.SessionLifecycle{
		EventType: models.EventSessionStarted,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SessionStopped announces a session reaching STOPPED. cause is the
// persistence or collaborator failure, if any.
func (p *Publisher) SessionStopped(ctx context.Context, sessionID string, entries int, dropped uint64, cause error) error {
	ev := models.SessionLifecycle{
		EventType:     models.EventSessionStopped,
		SessionID:     sessionID,
		Timestamp:     time.Now().UnixMilli(),
		EntryCount:    entries,
		DroppedFrames: dropped,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return p.PublishSession(ctx, sessionID, ev)
}

// EntryObserver returns an observer that publishes every appended entry of
// sessionID, keyed by session so a session's entries stay in one partition.
func (p *Publisher) EntryObserver(sessionID string) transcript.Observer {
	var index atomic.Int64
	return transcript.ObserverFunc(func(e transcript.Entry) {
		i := int(index.Add(1) - 1)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Errors are logged and counted by publish.
		_ = p.PublishEntry(ctx, sessionID, models.NewTranscriptEntry(sessionID, i, e))
	})
}

// Persister returns a persist.Persister that publishes the final transcript.
func (p *Publisher) Persister() persist.Persister {
	return persist.PersisterFunc(func(ctx context.Context, sessionID string, entries []transcript.Entry) error {
		start := time.Now()
		err := p.PublishTranscript(ctx, sessionID, models.NewTranscriptFinal(sessionID, entries))
		p.metrics.RecordPersist("kafka", err, time.Since(start).Seconds())
		if err != nil {
			return &persist.IOError{Backend: "kafka", Op: "publish", Err: err}
		}
		return nil
	})
}

// entryCompletion records the outcome of an async entry batch, one
// publish per message.
func entryCompletion(topic string, m *metrics.Metrics) func([]kafka.Message, error) {
	return func(messages []kafka.Message, err error) {
		if err != nil {
			log.Error().
				Err(err).
				Str("topic", topic).
				Int("messages", len(messages)).
				Msg("Async Kafka write failed")
		}
		for _, msg := range messages {
			m.RecordKafkaPublish(topic, models.EventTranscriptEntry, err, time.Since(msg.Time).Seconds())
		}
	}
}

// publish is the internal method that writes to a specific Kafka writer.
func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	// Log the event
	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  start,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	if writer.Async {
		// Completion records the outcome.
		return nil
	}
	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close flushes and closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for _, w := range []*kafka.Writer{p.writerEntries, p.writerTranscripts, p.writerSessions} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", w.Topic).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
