package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

// DefaultFilePath is where the proxy appends access records.
const DefaultFilePath = "./logs/access.log"

// FileSink appends records as JSON lines. Each batch is written with a single
// write call on an O_APPEND descriptor so concurrent writers, including other
// processes, never interleave within a line.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileSink opens path for appending, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // operator-provided path
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	return &FileSink{path: path, f: f}, nil
}

// Path returns the file being appended to.
func (s *FileSink) Path() string {
	return s.path
}

// Consume encodes the batch and appends it in one write.
func (s *FileSink) Consume(_ context.Context, batch []fetchproxy.AccessRecord) error {
	if len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode access record: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("access log is closed")
	}
	if _, err := s.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}

// Close syncs and closes the file.
func (s *FileSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	f := s.f
	s.f = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync access log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close access log: %w", err)
	}
	return nil
}
