// Package speaker attributes utterances to registered speakers by
// nearest-centroid matching over fixed-length feature vectors.
package speaker

import (
	"errors"
	"math"
)

// Unknown is the speaker ID reported when no registered profile matches.
const Unknown = "unknown"

// Errors returned by profile validation and classification.
var (
	ErrDimensionMismatch = errors.New("feature vector dimension mismatch")
	ErrEmptyRoster       = errors.New("voice roster is empty")
	ErrDuplicateSpeaker  = errors.New("duplicate speaker id")
	ErrInvalidSpeakerID  = errors.New("invalid speaker id")
	ErrReservedSpeakerID = errors.New("speaker id is reserved")
	ErrNonFinite         = errors.New("feature vector contains a non-finite value")
)

// FeatureVector is an ordered, fixed-length acoustic summary of an utterance.
// All vectors compared within a session share one dimensionality.
type FeatureVector []float64

// Len returns the dimensionality of the vector.
func (f FeatureVector) Len() int {
	return len(f)
}

// Clone returns a copy that does not share storage with f.
func (f FeatureVector) Clone() FeatureVector {
	if f == nil {
		return nil
	}
	cp := make(FeatureVector, len(f))
	copy(cp, f)
	return cp
}

func (f FeatureVector) finite() bool {
	for _, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// VoiceProfile is a registered speaker and its representative centroid.
type VoiceProfile struct {
	SpeakerID string        `yaml:"id" json:"id"`
	Centroid  FeatureVector `yaml:"centroid" json:"centroid"`
}

// DefaultRoster returns the built-in three-speaker roster.
func DefaultRoster() []VoiceProfile {
	return []VoiceProfile{
		{SpeakerID: "User1", Centroid: FeatureVector{100, 150, 200}},
		{SpeakerID: "User2", Centroid: FeatureVector{120, 170, 220}},
		{SpeakerID: "User3", Centroid: FeatureVector{90, 140, 190}},
	}
}
