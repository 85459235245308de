package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrModelNotFound is returned by a ModelStore that has nothing for a room.
var ErrModelNotFound = errors.New("predict: model not found")

// Snapshot is a serialisable trained model with its normalisation statistics.
type Snapshot struct {
	Room      string    `json:"room"`
	Network   *Network  `json:"network"`
	Stats     Stats     `json:"stats"`
	TrainedAt time.Time `json:"trainedAt"`
	Loss      float64   `json:"loss"`
	Samples   int       `json:"samples"`
}

// ModelStore persists snapshots keyed by room.
type ModelStore interface {
	SaveModel(ctx context.Context, room string, snap Snapshot) error
	LoadModel(ctx context.Context, room string) (Snapshot, error)
}

// FileStore implements ModelStore using one JSON file per room.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a file-based model store under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(room string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(room)
	return filepath.Join(f.dir, name+"_model.json")
}

func (f *FileStore) SaveModel(_ context.Context, room string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := f.path(room) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model file: %w", err)
	}
	if err := os.Rename(tmp, f.path(room)); err != nil {
		return fmt.Errorf("failed to replace model file: %w", err)
	}
	return nil
}

func (f *FileStore) LoadModel(_ context.Context, room string) (Snapshot, error) {
	f.mu.RLock()
	data, err := os.ReadFile(f.path(room))
	f.mu.RUnlock()
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrModelNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read model file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	return snap, nil
}
