package reindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const DefaultStatePath = "~/.mirror/reindex-state.json"

// State tracks progress for resumable reindex runs.
type State struct {
	StartedAt        time.Time `json:"started_at"`
	LastProcessedAt  time.Time `json:"last_processed_at"`
	SourcesProcessed []string  `json:"sources_processed"`
	PassagesIndexed  int       `json:"passages_indexed"`
	Errors           []string  `json:"errors"`

	path string
	done map[string]bool
}

// LoadState loads the state at path, or starts a new one if none exists.
func LoadState(path string) (*State, error) {
	p := expandHome(path)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{
				StartedAt: time.Now().UTC(),
				path:      p,
				done:      map[string]bool{},
			}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	s.path = p
	s.done = make(map[string]bool, len(s.SourcesProcessed))
	for _, k := range s.SourcesProcessed {
		s.done[k] = true
	}
	return &s, nil
}

// Save persists the state to disk.
func (s *State) Save() error {
	s.LastProcessedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	// Write then rename so an interrupted save keeps the previous state.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *State) Path() string { return s.path }

func (s *State) IsProcessed(key string) bool {
	return s.done[key]
}

func (s *State) MarkProcessed(key string) {
	if s.done == nil {
		s.done = map[string]bool{}
	}
	if s.done[key] {
		return
	}
	s.done[key] = true
	s.SourcesProcessed = append(s.SourcesProcessed, key)
}

func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// sourceKey identifies a source across tenants in the state file.
func sourceKey(tenantID, sourceID string) string {
	return tenantID + "/" + sourceID
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// RemoveState deletes the state at path so the next run starts over.
func RemoveState(path string) error {
	if err := os.Remove(expandHome(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}
