// ABOUTME: Local brain-state checkpoint file with a .backup shadow copy
// ABOUTME: On load, the newer of primary and backup wins

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/synaptiq/synapse-hub/internal/store"
)

// ErrNoBrainState is returned by Load when neither file exists.
var ErrNoBrainState = errors.New("no local brain state")

// BrainFile manages the local checkpoint copy of an agent's brain state.
// Every save shifts the previous primary to a .backup shadow, so a crash
// mid-write can lose at most one checkpoint.
type BrainFile struct {
	path string
}

// NewBrainFile creates a brain file at the given path.
func NewBrainFile(path string) *BrainFile {
	return &BrainFile{path: path}
}

func (b *BrainFile) backupPath() string {
	return b.path + ".backup"
}

// Save writes the state to the primary file, moving the previous primary
// to the backup slot first. The write itself goes through a temp file and
// rename so the primary is never half-written.
func (b *BrainFile) Save(state *store.BrainState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing brain state: %w", err)
	}

	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
	}

	if _, err := os.Stat(b.path); err == nil {
		if err := os.Rename(b.path, b.backupPath()); err != nil {
			return fmt.Errorf("rotating backup: %w", err)
		}
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing brain state: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("committing brain state: %w", err)
	}
	return nil
}

// Load returns the newer of the primary and backup checkpoints, judged by
// the state's own last_activity. A corrupt file is skipped rather than
// fatal; ErrNoBrainState means nothing usable was found.
func (b *BrainFile) Load() (*store.BrainState, error) {
	primary := readState(b.path)
	backup := readState(b.backupPath())

	switch {
	case primary == nil && backup == nil:
		return nil, ErrNoBrainState
	case primary == nil:
		return backup, nil
	case backup == nil:
		return primary, nil
	case backup.LastActivity.After(primary.LastActivity):
		return backup, nil
	default:
		return primary, nil
	}
}

// Newest compares a remote state against the local files and returns
// whichever checkpoint is most recent. Used on startup so a reconnecting
// agent resumes from the freshest copy regardless of where it landed.
func (b *BrainFile) Newest(remote *store.BrainState) *store.BrainState {
	local, err := b.Load()
	if err != nil {
		return remote
	}
	if remote == nil || local.LastActivity.After(remote.LastActivity) {
		return local
	}
	return remote
}

func readState(path string) *store.BrainState {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var state store.BrainState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	return &state
}
