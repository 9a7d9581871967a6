package speaker

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Option configures a Classifier.
type Option func(*Classifier)

// WithMetric replaces the default Euclidean metric.
func WithMetric(m Metric) Option {
	return func(c *Classifier) {
		if m != nil {
			c.metric = m
		}
	}
}

// WithMaxDistance enables open-set rejection: matches farther than d are
// reported as Unknown. Negative or NaN values are ignored.
func WithMaxDistance(d float64) Option {
	return func(c *Classifier) {
		if d >= 0 {
			c.maxDistance = d
		}
	}
}

// Classifier is a nearest-centroid matcher over an immutable profile set.
//
// The profile set is fixed at construction, so Identify takes no locks and is
// safe for concurrent use.
type Classifier struct {
	profiles    []VoiceProfile // sorted by SpeakerID
	dim         int
	metric      Metric
	maxDistance float64
}

// NewClassifier validates the roster and builds a classifier over a private
// copy of it.
func NewClassifier(profiles []VoiceProfile, opts ...Option) (*Classifier, error) {
	if len(profiles) == 0 {
		return nil, ErrEmptyRoster
	}

	c := &Classifier{
		profiles:    make([]VoiceProfile, 0, len(profiles)),
		dim:         profiles[0].Centroid.Len(),
		metric:      Euclidean,
		maxDistance: math.Inf(1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.dim == 0 {
		return nil, fmt.Errorf("%w: profile %q has an empty centroid", ErrDimensionMismatch, profiles[0].SpeakerID)
	}

	seen := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		id := strings.TrimSpace(p.SpeakerID)
		switch {
		case id == "" || id != p.SpeakerID:
			return nil, fmt.Errorf("%w: %q", ErrInvalidSpeakerID, p.SpeakerID)
		case id == Unknown:
			return nil, fmt.Errorf("%w: %q", ErrReservedSpeakerID, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSpeaker, id)
		}
		seen[id] = struct{}{}

		if p.Centroid.Len() != c.dim {
			return nil, fmt.Errorf("%w: profile %q has %d dimensions, want %d",
				ErrDimensionMismatch, id, p.Centroid.Len(), c.dim)
		}
		if !p.Centroid.finite() {
			return nil, fmt.Errorf("%w: profile %q", ErrNonFinite, id)
		}
		c.profiles = append(c.profiles, VoiceProfile{SpeakerID: id, Centroid: p.Centroid.Clone()})
	}

	// Ascending IDs make the first strict minimum the lexicographic tie-break.
	sort.Slice(c.profiles, func(i, j int) bool {
		return c.profiles[i].SpeakerID < c.profiles[j].SpeakerID
	})
	return c, nil
}

// Identify returns the closest registered speaker and its distance.
//
// Equidistant profiles resolve to the lexicographically smallest ID. When the
// minimum distance exceeds the configured maximum, the speaker is Unknown and
// the minimum distance is still returned.
func (c *Classifier) Identify(features FeatureVector) (string, float64, error) {
	if features.Len() != c.dim {
		return Unknown, math.Inf(1), fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, features.Len(), c.dim)
	}
	if !features.finite() {
		return Unknown, math.Inf(1), ErrNonFinite
	}

	best := ""
	bestDist := math.Inf(1)
	for _, p := range c.profiles {
		d := c.metric.Distance(features, p.Centroid)
		if best == "" || d < bestDist {
			best, bestDist = p.SpeakerID, d
		}
	}

	if bestDist > c.maxDistance {
		return Unknown, bestDist, nil
	}
	return best, bestDist, nil
}

// Dimension returns the feature dimensionality established by the roster.
func (c *Classifier) Dimension() int {
	return c.dim
}

// MaxDistance returns the open-set rejection threshold (+Inf when disabled).
func (c *Classifier) MaxDistance() float64 {
	return c.maxDistance
}

// Profiles returns a copy of the registered profiles, sorted by speaker ID.
func (c *Classifier) Profiles() []VoiceProfile {
	out := make([]VoiceProfile, len(c.profiles))
	for i, p := range c.profiles {
		out[i] = VoiceProfile{SpeakerID: p.SpeakerID, Centroid: p.Centroid.Clone()}
	}
	return out
}
