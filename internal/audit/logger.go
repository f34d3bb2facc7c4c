package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/oauth-core/internal/storage"
)

// Config configures the async logger.
type Config struct {
	// BufferSize is the ring buffer capacity; the oldest entry is dropped
	// on overflow.
	BufferSize int

	// FlushInterval caps how long an entry waits in the buffer.
	FlushInterval time.Duration
}

// Logger buffers audit entries and flushes them to its sinks in the
// background. Record never blocks the request path.
type Logger struct {
	sinks  []Sink
	logger *zap.Logger

	mu     sync.Mutex
	buffer []*storage.AuditEntry
	size   int
	head   int
	tail   int
	count  int

	flushCh chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	interval time.Duration
}

// NewLogger creates an async audit logger over one or more sinks.
func NewLogger(cfg Config, logger *zap.Logger, sinks ...Sink) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Logger{
		sinks:    sinks,
		logger:   logger,
		buffer:   make([]*storage.AuditEntry, cfg.BufferSize),
		size:     cfg.BufferSize,
		flushCh:  make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		interval: cfg.FlushInterval,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record enqueues an entry without blocking. On overflow the oldest entry
// is dropped and the drop is logged.
func (l *Logger) Record(_ context.Context, entry *storage.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.buffer[l.tail] = entry
	l.tail = (l.tail + 1) % l.size
	if l.count == l.size {
		l.head = (l.head + 1) % l.size
		l.logger.Warn("audit buffer overflow, oldest entry dropped")
	} else {
		l.count++
	}
	l.mu.Unlock()

	select {
	case l.flushCh <- struct{}{}:
	default:
	}
}

// RecordSync writes an entry straight through the sinks, bypassing the
// buffer. Used for entries that must not be lost on crash.
func (l *Logger) RecordSync(ctx context.Context, entry *storage.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.write(ctx, []*storage.AuditEntry{entry})
}

func (l *Logger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.flushCh:
			l.Flush()
		case <-l.doneCh:
			l.Flush()
			return
		}
	}
}

// Flush drains the buffer into the sinks.
func (l *Logger) Flush() {
	l.mu.Lock()
	if l.count == 0 {
		l.mu.Unlock()
		return
	}
	entries := make([]*storage.AuditEntry, 0, l.count)
	for i := 0; i < l.count; i++ {
		entries = append(entries, l.buffer[(l.head+i)%l.size])
	}
	l.head = l.tail
	l.count = 0
	l.mu.Unlock()

	l.write(context.Background(), entries)
}

func (l *Logger) write(ctx context.Context, entries []*storage.AuditEntry) {
	for _, entry := range entries {
		for _, sink := range l.sinks {
			if err := sink.Write(ctx, entry); err != nil {
				// Audit failures are logged, never propagated.
				l.logger.Error("audit sink write failed",
					zap.Error(err),
					zap.String("action", entry.Action))
			}
		}
	}
}

// Close flushes outstanding entries and closes the sinks.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.doneCh) })
	l.wg.Wait()
	var firstErr error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
