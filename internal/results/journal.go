// Package results persists terminal match outcomes as a compressed
// append-only journal, one JSON record per line.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"

	"paddlearena/gamecore/internal/engine"
	"paddlearena/gamecore/internal/logging"
)

// Journal streams match results to a snappy-framed JSONL file. It implements
// the engine's ResultSink.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	stream *snappy.Writer
	now    func() time.Time
	logger *logging.Logger
	closed bool
}

// record is the on-disk shape; the write timestamp makes the journal
// replayable without trusting the result's own clocks.
type record struct {
	RecordedAt time.Time     `json:"recorded_at"`
	Result     engine.Result `json:"result"`
}

// Option configures optional journal behaviour.
type Option func(*Journal)

// WithClock injects a deterministic time source.
func WithClock(clock func() time.Time) Option {
	return func(j *Journal) {
		if clock != nil {
			j.now = clock
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// OpenJournal opens (or creates) the journal file for appending.
func OpenJournal(path string, opts ...Option) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	journal := &Journal{
		path:   path,
		file:   file,
		stream: snappy.NewBufferedWriter(file),
		now:    time.Now,
		logger: logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(journal)
		}
	}
	return journal, nil
}

// PersistResult appends one result record. Failures are logged and swallowed;
// a broken journal must never take a match down with it.
func (j *Journal) PersistResult(result engine.Result) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	line, err := json.Marshal(record{RecordedAt: j.now().UTC(), Result: result})
	if err != nil {
		j.logger.Error("encode result record", logging.Error(err),
			logging.String("session_id", result.SessionID))
		return
	}
	line = append(line, '\n')
	if _, err := j.stream.Write(line); err != nil {
		j.logger.Error("append result record", logging.Error(err),
			logging.String("session_id", result.SessionID))
		return
	}
	// Results are rare; flush each one so a crash loses nothing.
	if err := j.stream.Flush(); err != nil {
		j.logger.Error("flush result journal", logging.Error(err))
	}
}

// Close flushes and releases the underlying file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.stream.Close(); err != nil {
		j.file.Close()
		return fmt.Errorf("close journal stream: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	return nil
}

// Path reports the journal file location.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}
