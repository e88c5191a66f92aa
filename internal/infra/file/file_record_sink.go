// Package file appends job records to a local log file, one JSON document per line.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"batchpress/internal/domain"
)

type fileRecordSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileRecordSink opens path for appending, creating it and its parent directory if needed.
// Several processes may share the same path: every record is written with one
// append-mode write.
func NewFileRecordSink(path string) (domain.JobRecordSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record log %s: %w", path, err)
	}
	return &fileRecordSink{f: f}, nil
}

func (s *fileRecordSink) Record(_ context.Context, record *domain.JobRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job record %s: %w", record.ID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append job record %s: %w", record.ID, err)
	}
	return nil
}

func (s *fileRecordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
