package transcript

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speaker-transcript-service/internal/observability/logging"
	"speaker-transcript-service/internal/observability/metrics"
	"speaker-transcript-service/internal/service/recognizer"
	"speaker-transcript-service/internal/service/speaker"
)

// ErrSealed is returned for utterances that arrive after the transcript was
// sealed at session stop.
var ErrSealed = errors.New("transcript sealed")

// Identifier attributes a feature vector to a speaker.
type Identifier interface {
	Identify(f speaker.FeatureVector) (speakerID string, distance float64, err error)
}

// Assembler turns recognized utterances into attributed entries. It is the
// only writer of its Log.
type Assembler struct {
	id        Identifier
	log       *Log
	observers []Observer
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu     sync.Mutex
	sealed bool
}

// NewAssembler creates an assembler appending to log.
func NewAssembler(id Identifier, log *Log, m *metrics.Metrics, observers ...Observer) *Assembler {
	return &Assembler{
		id:        id,
		log:       log,
		observers: observers,
		metrics:   metrics.Or(m),
		logger:    logging.WithComponent("transcript"),
	}
}

// OnRecognized attributes u and appends the resulting entry. The entry is
// stamped with the start of the utterance's audio window. A classification
// failure does not drop the utterance: it is attributed to speaker.Unknown.
func (a *Assembler) OnRecognized(u recognizer.Utterance) (Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		a.metrics.RecordLateUtterance()
		a.logger.Warn().
			Str("text", u.Text).
			Time("windowStart", u.WindowStart).
			Msg("Dropping utterance received after stop")
		return Entry{}, ErrSealed
	}

	speakerID, distance, err := a.id.Identify(u.Features)
	if err != nil {
		speakerID = speaker.Unknown
		a.metrics.RecordClassificationError(classificationReason(err))
		a.logger.Warn().
			Err(err).
			Int("features", u.Features.Len()).
			Msg("Speaker classification failed, attributing to unknown")
	} else {
		a.metrics.RecordAttribution(speakerID, distance)
	}

	ts := u.WindowStart
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Entry{SpeakerID: speakerID, Text: u.Text, Timestamp: ts}

	if last, ok := a.log.last(); ok && e.Timestamp.Before(last.Timestamp) {
		a.metrics.RecordOrderingViolation()
		a.logger.Warn().
			Time("timestamp", e.Timestamp).
			Time("previous", last.Timestamp).
			Msg("Utterance window starts before the previous entry")
	}

	n := a.log.append(e)
	a.metrics.RecordEntryAppended()
	a.logger.Debug().
		Int("index", n-1).
		Str("speakerId", speakerID).
		Float64("distance", distance).
		Msg("Transcript entry appended")

	for _, o := range a.observers {
		o.OnEntry(e)
	}
	return e, nil
}

// Seal rejects all later utterances.
func (a *Assembler) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
}

// Sealed reports whether Seal was called.
func (a *Assembler) Sealed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealed
}

func classificationReason(err error) string {
	switch {
	case errors.Is(err, speaker.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, speaker.ErrNonFinite):
		return "non_finite"
	default:
		return "other"
	}
}
