package docexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// SnapshotVersion is the checkpoint format written by this package.
const SnapshotVersion = 1

// ErrNoCheckpoint is returned by a [CheckpointStore] that holds no snapshot.
var ErrNoCheckpoint = errors.New("docexport: no checkpoint")

// ProgressSnapshot is the resumable record of a run. Unknown fields are
// ignored when loading so newer writers stay readable.
type ProgressSnapshot struct {
	Version   int         `json:"version" yaml:"version"`
	RunID     string      `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Timestamp time.Time   `json:"timestamp" yaml:"timestamp"`
	Completed int         `json:"completed" yaml:"completed"`
	Success   int         `json:"success" yaml:"success"`
	Failure   int         `json:"failure" yaml:"failure"`
	Remaining []Document  `json:"remaining" yaml:"remaining"`
	Failed    []FailedJob `json:"failed" yaml:"failed"`
}

// Validate checks the counter invariant.
func (s *ProgressSnapshot) Validate() error {
	if s.Version > SnapshotVersion {
		return fmt.Errorf("docexport: checkpoint version %d is newer than supported %d", s.Version, SnapshotVersion)
	}
	if s.Success+s.Failure != s.Completed {
		return fmt.Errorf("docexport: checkpoint counts inconsistent: success %d + failure %d != completed %d",
			s.Success, s.Failure, s.Completed)
	}
	return nil
}

// CheckpointStore persists snapshots.
type CheckpointStore interface {
	Save(ctx context.Context, s *ProgressSnapshot) error
	// Load returns ErrNoCheckpoint when nothing has been saved.
	Load(ctx context.Context) (*ProgressSnapshot, error)
}

// FileCheckpointStore keeps a JSON snapshot at a fixed path of a billy
// filesystem. Saves are atomic: the snapshot is written to a temporary file
// in the same directory and renamed over the previous one.
type FileCheckpointStore struct {
	fs   billy.Filesystem
	path string
}

// NewFileCheckpointStore returns a store writing path on fs.
func NewFileCheckpointStore(fs billy.Filesystem, path string) *FileCheckpointStore {
	return &FileCheckpointStore{fs: fs, path: path}
}

// OpenFileCheckpoint returns a store for a path on the local disk.
func OpenFileCheckpoint(path string) *FileCheckpointStore {
	dir, name := filepath.Split(filepath.Clean(path))
	if dir == "" {
		dir = "."
	}
	return NewFileCheckpointStore(osfs.New(dir), name)
}

// Path returns the snapshot path within the store's filesystem.
func (s *FileCheckpointStore) Path() string { return s.path }

// Save writes snap as indented JSON, replacing any previous snapshot. The
// previous snapshot stays intact when the write fails.
func (s *FileCheckpointStore) Save(_ context.Context, snap *ProgressSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("docexport: encoding checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("docexport: creating checkpoint dir: %w", err)
		}
	}
	tmp, err := s.fs.TempFile(dir, ".checkpoint-")
	if err != nil {
		return fmt.Errorf("docexport: creating checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("docexport: writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("docexport: writing checkpoint: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("docexport: replacing checkpoint: %w", err)
	}
	return nil
}

// Load reads and validates the stored snapshot. It returns an error
// wrapping ErrNoCheckpoint when no snapshot has been saved.
func (s *FileCheckpointStore) Load(_ context.Context) (*ProgressSnapshot, error) {
	data, err := util.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNoCheckpoint, s.path)
		}
		return nil, fmt.Errorf("docexport: reading checkpoint: %w", err)
	}
	return DecodeSnapshot(data)
}

// DecodeSnapshot parses and validates a JSON snapshot.
func DecodeSnapshot(data []byte) (*ProgressSnapshot, error) {
	var snap ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("docexport: decoding checkpoint: %w", err)
	}
	if snap.Version == 0 {
		snap.Version = SnapshotVersion
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}
