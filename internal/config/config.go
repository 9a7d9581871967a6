package config

import (
	"errors"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig
	Recognizer    RecognizerConfig
	Capture       CaptureConfig
	Queue         QueueConfig
	Classifier    ClassifierConfig
	Session       SessionConfig
	Persist       PersistConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds service identity and listeners.
type ServiceConfig struct {
	Principal string
	GRPCPort  string
	HTTPAddr  string
}

// RecognizerConfig selects and tunes the speech recognizer.
type RecognizerConfig struct {
	Provider           string // mock | google
	LanguageCode       string
	SampleRateHz       int
	InterimResults     bool
	AudioEncoding      string
	FramesPerUtterance int
	ProcessingDelay    time.Duration
}

// CaptureConfig selects the audio source.
type CaptureConfig struct {
	Source        string // silence | wav
	WAVPath       string
	FrameDuration time.Duration
	Realtime      bool
}

// QueueConfig tunes the frame queue.
type QueueConfig struct {
	Capacity       int
	OverflowPolicy string // drop_oldest | block
	BlockTimeout   time.Duration
}

// ClassifierConfig holds the roster and attribution threshold.
type ClassifierConfig struct {
	RosterPath  string // empty uses the built-in roster
	Metric      string // euclidean | manhattan
	MaxDistance float64
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	ShutdownGrace time.Duration
	ConsoleEcho   bool
}

// PersistConfig holds transcript persistence settings.
type PersistConfig struct {
	Dir        string // empty disables the text file
	BadgerPath string // empty disables the archive
}

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	Enabled          bool
	Brokers          []string
	TopicEntries     string
	TopicTranscripts string
	TopicSessions    string
	Principal        string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-speaker-transcript")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			HTTPAddr:  envOrDefault("HTTP_ADDR", ":8080"),
		},
		Recognizer: RecognizerConfig{
			Provider:           envOrDefault("RECOGNIZER_PROVIDER", "mock"),
			LanguageCode:       envOrDefault("RECOGNIZER_LANGUAGE_CODE", "en-US"),
			SampleRateHz:       envOrDefaultInt("RECOGNIZER_SAMPLE_RATE_HZ", 16000),
			InterimResults:     envOrDefaultBool("RECOGNIZER_INTERIM_RESULTS", false),
			AudioEncoding:      envOrDefault("RECOGNIZER_AUDIO_ENCODING", "LINEAR16"),
			FramesPerUtterance: envOrDefaultInt("RECOGNIZER_FRAMES_PER_UTTERANCE", 10),
			ProcessingDelay:    envOrDefaultDuration("RECOGNIZER_PROCESSING_DELAY", 50*time.Millisecond),
		},
		Capture: CaptureConfig{
			Source:        envOrDefault("CAPTURE_SOURCE", "silence"),
			WAVPath:       envOrDefault("CAPTURE_WAV_PATH", ""),
			FrameDuration: envOrDefaultDuration("CAPTURE_FRAME_DURATION", 100*time.Millisecond),
			Realtime:      envOrDefaultBool("CAPTURE_REALTIME", true),
		},
		Queue: QueueConfig{
			Capacity:       envOrDefaultInt("QUEUE_CAPACITY", 64),
			OverflowPolicy: envOrDefault("QUEUE_OVERFLOW_POLICY", "drop_oldest"),
			BlockTimeout:   envOrDefaultDuration("QUEUE_BLOCK_TIMEOUT", 2*time.Second),
		},
		Classifier: ClassifierConfig{
			RosterPath:  envOrDefault("CLASSIFIER_ROSTER_PATH", ""),
			Metric:      envOrDefault("CLASSIFIER_METRIC", "euclidean"),
			MaxDistance: envOrDefaultFloat("CLASSIFIER_MAX_DISTANCE", math.Inf(1)),
		},
		Session: SessionConfig{
			ShutdownGrace: envOrDefaultDuration("SESSION_SHUTDOWN_GRACE", 2*time.Second),
			ConsoleEcho:   envOrDefaultBool("SESSION_CONSOLE_ECHO", true),
		},
		Persist: PersistConfig{
			Dir:        envOrDefault("PERSIST_DIR", "./transcripts"),
			BadgerPath: envOrDefault("PERSIST_BADGER_PATH", ""),
		},
		Kafka: KafkaConfig{
			Enabled:          envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:          envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicEntries:     envOrDefault("KAFKA_TOPIC_ENTRIES", "speaker.transcript.entry"),
			TopicTranscripts: envOrDefault("KAFKA_TOPIC_TRANSCRIPTS", "speaker.transcript.final"),
			TopicSessions:    envOrDefault("KAFKA_TOPIC_SESSIONS", "speaker.session.lifecycle"),
			Principal:        envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:  envOrDefault("LOG_LEVEL", "info"),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

// LoadDotEnv loads variables from .env files (default ".env") without
// overriding the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
