package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yakshears/passgate/internal/models"
)

// State is the persisted snapshot: the full user table plus the name index.
// Sessions are deliberately absent, so a restart clears them while keeping
// users and credentials.
type State struct {
	Users     map[string]*models.User `json:"users"`
	NameIndex map[string]string       `json:"name_index"`
}

// Snapshot persists the directory state wholesale. Load returning an error
// is non-fatal to the caller; Save errors abort the mutation they belong to.
type Snapshot interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
}

// FilesystemSnapshot keeps the state in a single JSON file. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// truncated snapshot behind.
type FilesystemSnapshot struct {
	path string
}

func NewFilesystemSnapshot(path string) (*FilesystemSnapshot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FilesystemSnapshot{path: path}, nil
}

func (f *FilesystemSnapshot) Load(ctx context.Context) (*State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &state, nil
}

func (f *FilesystemSnapshot) Save(ctx context.Context, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// MemorySnapshot holds the state in memory only. Used by tests and as a
// stand-in when no persistence is wanted.
type MemorySnapshot struct {
	state *State
}

func NewMemorySnapshot() *MemorySnapshot {
	return &MemorySnapshot{}
}

func (m *MemorySnapshot) Load(ctx context.Context) (*State, error) {
	return m.state, nil
}

func (m *MemorySnapshot) Save(ctx context.Context, state *State) error {
	m.state = state
	return nil
}
