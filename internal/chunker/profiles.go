package chunker

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the chunking budget for one kind of source.
type Profile struct {
	MaxTokens     int `yaml:"max_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

// Profiles maps a source type to its budget. Long-form documents and short
// profile fields want different windows.
type Profiles map[string]Profile

// Chunk counts whitespace words, while the embedding model counts subword
// tokens. A profile's word budget times MaxTokensPerWord must stay under
// EmbedInputLimit so the worst-case passage still fits the model input.
const (
	EmbedInputLimit  = 8191
	MaxTokensPerWord = 4
)

// fallbackProfile applies to source types with no entry.
var fallbackProfile = Profile{MaxTokens: 200, OverlapTokens: 20}

func DefaultProfiles() Profiles {
	return Profiles{
		"document":      {MaxTokens: 200, OverlapTokens: 20},
		"project":       {MaxTokens: 200, OverlapTokens: 20},
		"profile-field": {MaxTokens: 120, OverlapTokens: 0},
		"conversation":  {MaxTokens: 200, OverlapTokens: 0},
	}
}

// For returns the budget for sourceType.
func (p Profiles) For(sourceType string) Profile {
	if prof, ok := p[sourceType]; ok {
		return prof
	}
	return fallbackProfile
}

// Validate checks every profile would be accepted by Chunk.
func (p Profiles) Validate() error {
	for name, prof := range p {
		if prof.MaxTokens <= 0 || prof.OverlapTokens < 0 || prof.OverlapTokens >= prof.MaxTokens {
			return fmt.Errorf("%w: profile %q max=%d overlap=%d", ErrInvalidParams, name, prof.MaxTokens, prof.OverlapTokens)
		}
		if prof.MaxTokens*MaxTokensPerWord > EmbedInputLimit {
			return fmt.Errorf("%w: profile %q max=%d words may exceed the %d token embedding input", ErrInvalidParams, name, prof.MaxTokens, EmbedInputLimit)
		}
	}
	return nil
}

// LoadProfiles reads a YAML file of profiles and layers it over the defaults.
// A missing file yields the defaults.
//
//	document:
//	  max_tokens: 300
//	  overlap_tokens: 30
func LoadProfiles(path string) (Profiles, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return profiles, nil
		}
		return nil, fmt.Errorf("read chunk profiles: %w", err)
	}

	var overrides Profiles
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse chunk profiles: %w", err)
	}
	for name, prof := range overrides {
		profiles[name] = prof
	}
	if err := profiles.Validate(); err != nil {
		return nil, err
	}
	return profiles, nil
}
