package speaker

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// rosterFile is the on-disk roster layout:
//
//	speakers:
//	  - id: alice
//	    centroid: [100, 150, 200]
type rosterFile struct {
	Speakers []VoiceProfile `yaml:"speakers"`
}

// LoadRoster reads a YAML roster file.
func LoadRoster(path string) ([]VoiceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	profiles, err := ParseRoster(data)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return profiles, nil
}

// ParseRoster decodes a YAML roster. Structural validation is left to
// NewClassifier.
func ParseRoster(data []byte) ([]VoiceProfile, error) {
	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	if len(f.Speakers) == 0 {
		return nil, ErrEmptyRoster
	}
	return f.Speakers, nil
}
