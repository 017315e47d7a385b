// Package logsink is the append-only file sink behind the server's slog
// logger. It writes synchronously or through a bounded queue drained by a
// dedicated goroutine, and starts a new file each day and every SplitLines
// records.
package logsink

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goceleris/tinyweb/internal/blockqueue"
)

// Config controls the sink.
type Config struct {
	Dir        string
	Name       string
	Async      bool
	QueueSize  int
	SplitLines int
	Disabled   bool
	// Also mirrors every record to this writer when set.
	Mirror io.Writer
}

// Sink is an io.Writer that appends whole log records to rotating files.
type Sink struct {
	cfg Config

	mu    sync.Mutex
	file  *os.File
	buf   *bufio.Writer
	day   int
	count int64

	queue *blockqueue.Queue[[]byte]
	done  chan struct{}

	now func() time.Time
}

// Open creates the log directory and the first file. With Async set, records
// are queued and written by a background goroutine until Close.
func Open(cfg Config) (*Sink, error) {
	if cfg.Name == "" {
		cfg.Name = "ServerLog"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 800
	}
	if cfg.SplitLines <= 0 {
		cfg.SplitLines = 800000
	}

	s := &Sink{cfg: cfg, now: time.Now}
	if cfg.Disabled {
		return s, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := s.openFile(s.now(), 0); err != nil {
		return nil, err
	}

	if cfg.Async {
		s.queue = blockqueue.New[[]byte](cfg.QueueSize)
		s.done = make(chan struct{})
		go s.drain()
	}
	return s, nil
}

// Write appends one record. In async mode it queues a copy and falls back to
// a synchronous write when the queue is full.
func (s *Sink) Write(p []byte) (int, error) {
	if s.cfg.Disabled {
		return len(p), nil
	}

	if s.queue != nil {
		line := make([]byte, len(p))
		copy(line, p)
		if s.queue.Push(line) {
			return len(p), nil
		}
	}

	if err := s.writeRecord(p); err != nil {
		return 0, err
	}
	return len(p), s.Flush()
}

// Flush writes buffered data to the current file.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		return nil
	}
	return s.buf.Flush()
}

// Close drains pending records and closes the current file. The queue stays
// in place: writers that race with Close see Push fail and the closed file
// swallow the record.
func (s *Sink) Close() error {
	if s.queue != nil {
		s.queue.Close()
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.buf.Flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file, s.buf = nil, nil
	return err
}

// Path returns the file currently being written.
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

func (s *Sink) drain() {
	defer close(s.done)
	for {
		line, ok := s.queue.Pop()
		if !ok {
			return
		}
		if err := s.writeRecord(line); err != nil {
			fmt.Fprintf(os.Stderr, "logsink: %v\n", err)
		}
		if s.queue.Empty() {
			_ = s.Flush()
		}
	}
}

func (s *Sink) writeRecord(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		return nil
	}

	now := s.now()
	s.count++
	if now.YearDay() != s.day {
		if err := s.openFile(now, 0); err != nil {
			return err
		}
		s.count = 1
	} else if s.count%int64(s.cfg.SplitLines) == 0 {
		if err := s.openFile(now, s.count/int64(s.cfg.SplitLines)); err != nil {
			return err
		}
	}

	if s.cfg.Mirror != nil {
		_, _ = s.cfg.Mirror.Write(p)
	}
	_, err := s.buf.Write(p)
	return err
}

// openFile must be called with mu held, or before the sink is shared.
func (s *Sink) openFile(now time.Time, part int64) error {
	name := fmt.Sprintf("%d_%02d_%02d_%s", now.Year(), now.Month(), now.Day(), s.cfg.Name)
	if part > 0 {
		name = fmt.Sprintf("%s.%d", name, part)
	}

	f, err := os.OpenFile(filepath.Join(s.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	if s.file != nil {
		_ = s.buf.Flush()
		_ = s.file.Close()
	}
	s.file = f
	s.buf = bufio.NewWriterSize(f, 8192)
	s.day = now.YearDay()
	return nil
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR (any case) to slog levels.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// NewLogger returns a text slog logger writing into w at the given level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
