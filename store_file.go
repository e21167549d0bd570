package designflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStateStore persists session state as JSON files on disk, one file per
// session.
type FileStateStore struct {
	dataDir string
}

// NewFileStateStore creates a file-based state store rooted at dataDir. If
// dataDir is empty a default under the user's home directory is used.
func NewFileStateStore(dataDir string) (*FileStateStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "designflow", "sessions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStateStore{dataDir: dataDir}, nil
}

func (s *FileStateStore) sessionPath(sessionID string) string {
	return filepath.Join(s.dataDir, sessionID+".json")
}

func (s *FileStateStore) SaveState(ctx context.Context, record *SessionRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	// Write to a temp file then rename so readers never observe a torn write
	path := s.sessionPath(record.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit session state: %w", err)
	}
	return nil
}

func (s *FileStateStore) LoadState(ctx context.Context, sessionID string) (*SessionRecord, error) {
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}
	var record SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return &record, nil
}

func (s *FileStateStore) DeleteState(ctx context.Context, sessionID string) error {
	err := os.Remove(s.sessionPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session state: %w", err)
	}
	return nil
}

func (s *FileStateStore) ListSessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
