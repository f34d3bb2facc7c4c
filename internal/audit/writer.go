// Package audit records security-relevant events: grants, consents,
// revocations and protected-API access. Entries flow through a non-blocking
// ring buffer into pluggable sinks; an audit outage never fails a request.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/authz-engine/oauth-core/internal/storage"
)

// Sink receives flushed audit entries.
type Sink interface {
	Write(ctx context.Context, entry *storage.AuditEntry) error
	Close() error
}

// stdoutSink writes JSON lines to stdout.
type stdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutSink creates a sink writing one JSON object per line to stdout.
func NewStdoutSink() Sink {
	return &stdoutSink{enc: json.NewEncoder(os.Stdout)}
}

func (s *stdoutSink) Write(_ context.Context, entry *storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(entry)
}

func (s *stdoutSink) Close() error { return nil }

// fileSink writes JSON lines to a rotating file.
type fileSink struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
	enc    *json.Encoder
}

// NewFileSink creates a rotating file sink.
func NewFileSink(filename string, maxSizeMB, maxAgeDays, maxBackups int) (Sink, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	logger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		LocalTime:  true,
		Compress:   true,
	}
	return &fileSink{logger: logger, enc: json.NewEncoder(logger)}, nil
}

func (s *fileSink) Write(_ context.Context, entry *storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(entry)
}

func (s *fileSink) Close() error {
	return s.logger.Close()
}

// repositorySink persists entries through the repository's audit table.
type repositorySink struct {
	repo storage.Repository
}

// NewRepositorySink creates a sink appending to the repository audit log.
func NewRepositorySink(repo storage.Repository) Sink {
	return &repositorySink{repo: repo}
}

func (s *repositorySink) Write(ctx context.Context, entry *storage.AuditEntry) error {
	return s.repo.AppendAuditLog(ctx, entry)
}

func (s *repositorySink) Close() error { return nil }
