package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go-accurate-puller/internal/model"
	"go-accurate-puller/internal/pullerr"
)

// checkpointEnvelope guards the state with a version and a checksum so a
// truncated or hand-edited file is detected rather than trusted.
type checkpointEnvelope struct {
	SchemaVersion int             `json:"schema_version"`
	Checksum      string          `json:"checksum"`
	State         json.RawMessage `json:"state"`
}

// CheckpointStore persists CheckpointState to one local file.
// Writes are serialized and atomic: temp file, fsync, rename.
type CheckpointStore struct {
	path string
	mu   sync.Mutex
}

// NewCheckpointStore returns a store writing to path
func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Path is the checkpoint file location
func (s *CheckpointStore) Path() string { return s.path }

// Save atomically replaces the checkpoint with state
func (s *CheckpointStore) Save(state model.CheckpointState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.SchemaVersion = model.CheckpointSchemaVersion
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	sum := sha256.Sum256(body)
	data, err := json.Marshal(checkpointEnvelope{
		SchemaVersion: model.CheckpointSchemaVersion,
		Checksum:      hex.EncodeToString(sum[:]),
		State:         body,
	})
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	syncDir(dir)
	return nil
}

// Load returns the saved state, or nil when no checkpoint exists.
// Anything unreadable is a fatal ErrCorruptCheckpoint.
func (s *CheckpointStore) Load() (*model.CheckpointState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, pullerr.Fatal("load checkpoint", fmt.Errorf("%w: %s: %w", pullerr.ErrCorruptCheckpoint, s.path, err))
	}

	corrupt := func(reason string) error {
		return pullerr.Fatal("load checkpoint", fmt.Errorf("%w: %s: %s", pullerr.ErrCorruptCheckpoint, s.path, reason))
	}
	var env checkpointEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, corrupt(err.Error())
	}
	if env.SchemaVersion != model.CheckpointSchemaVersion {
		return nil, corrupt(fmt.Sprintf("schema version %d, want %d", env.SchemaVersion, model.CheckpointSchemaVersion))
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.State); err != nil {
		return nil, corrupt(err.Error())
	}
	sum := sha256.Sum256(compact.Bytes())
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, corrupt("checksum mismatch")
	}
	var state model.CheckpointState
	if err := json.Unmarshal(env.State, &state); err != nil {
		return nil, corrupt(err.Error())
	}
	if state.JobID == "" {
		return nil, corrupt("missing job id")
	}
	if state.Endpoints == nil {
		state.Endpoints = make(map[string]model.EndpointProgress)
	}
	return &state, nil
}

// Exists reports whether a checkpoint file is present, valid or not
func (s *CheckpointStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear removes the checkpoint. Removing a missing file is not an error.
func (s *CheckpointStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
