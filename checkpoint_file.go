package designflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileCheckpointStore persists checkpoints to disk, one JSON file per
// checkpoint grouped by session.
type FileCheckpointStore struct {
	dataDir string
}

// NewFileCheckpointStore creates a file-based checkpoint store rooted at
// dataDir. If dataDir is empty a default under the user's home directory is
// used.
func NewFileCheckpointStore(dataDir string) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "designflow", "checkpoints")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointStore{dataDir: dataDir}, nil
}

func (s *FileCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	sessionDir := filepath.Join(s.dataDir, checkpoint.SessionID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	path := filepath.Join(sessionDir, checkpoint.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (s *FileCheckpointStore) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	sessions, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range sessions {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dataDir, entry.Name(), checkpointID+".json")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
		}
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		return &checkpoint, nil
	}
	return nil, nil
}

func (s *FileCheckpointStore) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	sessionDir := filepath.Join(s.dataDir, sessionID)
	entries, err := os.ReadDir(sessionDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}
	var result []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sessionDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
		}
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		result = append(result, &checkpoint)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *FileCheckpointStore) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	err := os.RemoveAll(filepath.Join(s.dataDir, sessionID))
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}
