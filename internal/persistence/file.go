// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileVersion is the current version of the setpoint file format
const FileVersion = 1

// SetpointFile is the on-disk layout
type SetpointFile struct {
	Version   int                `json:"version"`
	SavedAt   time.Time          `json:"saved_at"`
	Setpoints map[string]float64 `json:"setpoints"`
}

// FileStore keeps setpoints in a JSON file
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) read() (*SetpointFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &SetpointFile{Version: FileVersion, Setpoints: map[string]float64{}}, nil
	}
	if err != nil {
		return nil, err
	}
	f := &SetpointFile{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("corrupt setpoint file %s: %w", s.path, err)
	}
	if f.Setpoints == nil {
		f.Setpoints = map[string]float64{}
	}
	return f, nil
}

// Load returns the setpoint saved for mode
func (s *FileStore) Load(_ context.Context, mode string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return 0, false, err
	}
	v, ok := f.Setpoints[strings.ToUpper(mode)]
	return v, ok, nil
}

// Save stores the setpoint for mode, rewriting the file atomically
func (s *FileStore) Save(_ context.Context, mode string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.read()
	if err != nil {
		return err
	}
	f.Version = FileVersion
	f.SavedAt = time.Now()
	f.Setpoints[strings.ToUpper(mode)] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Close is a no-op
func (s *FileStore) Close() error { return nil }
