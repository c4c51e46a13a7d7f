package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dbgate/internal/domain"
)

// DefaultFilePath is where the file sink (and the logger's legacy fallback)
// writes when no explicit path is configured.
const DefaultFilePath = "logs/audit.jsonl"

var _ domain.Sink = (*FileSink)(nil)

// FileSink appends one compact JSON object per entry to a local file.
// Writes are synchronous and durable per call, so Flush is a no-op.
type FileSink struct {
	path string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// NewFile resolves the target path, creates the parent directory if absent,
// and opens the file for appending.
func NewFile(cfg FileConfig) (*FileSink, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultFilePath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, domain.ErrConfiguration("resolve audit file path %q: %v", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, domain.ErrConfiguration("create audit log directory: %v", err)
	}
	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // operator-controlled path
	if err != nil {
		return nil, domain.ErrConfiguration("open audit file %q: %v", abs, err)
	}
	return &FileSink{path: abs, f: f}, nil
}

// Type identifies the sink kind.
func (s *FileSink) Type() string { return KindFile }

// Path returns the resolved absolute file path.
func (s *FileSink) Path() string { return s.path }

// Send appends the entry as one newline-terminated JSON line.
func (s *FileSink) Send(entry *domain.AuditLogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return domain.ErrDelivery("append audit file %s: %v", s.path, err)
	}
	return nil
}

// Flush is a no-op; every Send is already durable.
func (s *FileSink) Flush(ctx context.Context) error { return nil }

// Close closes the file handle. Subsequent sends are silent no-ops.
func (s *FileSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
