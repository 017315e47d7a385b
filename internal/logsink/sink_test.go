package logsink

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func readDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	out := make(map[string]string)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		out[e.Name()] = string(data)
	}
	return out
}

func TestSyncWriteAndLevels(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, Name: "test"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	logger := NewLogger(s, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("visible", "fd", 7)
	logger.Error("failure")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files := readDir(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected one log file, got %v", files)
	}
	for name, content := range files {
		if !strings.HasSuffix(name, "_test") {
			t.Errorf("unexpected file name %q", name)
		}
		if strings.Contains(content, "hidden") {
			t.Error("debug record written at info level")
		}
		if !strings.Contains(content, "msg=visible fd=7") || !strings.Contains(content, "level=ERROR") {
			t.Errorf("missing records: %q", content)
		}
	}
}

func TestSplitByLineCount(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir, Name: "split", SplitLines: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		_, _ = s.Write([]byte("line\n"))
	}
	_ = s.Close()

	files := readDir(t, dir)
	if len(files) != 3 {
		t.Fatalf("expected 3 files for 5 lines split by 2, got %d: %v", len(files), files)
	}
	total := 0
	for _, content := range files {
		total += strings.Count(content, "line\n")
	}
	if total != 5 {
		t.Errorf("expected 5 lines across files, got %d", total)
	}
}

func TestNewFileOnDayChange(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)

	s, err := Open(Config{Dir: dir, Name: "daily"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.now = func() time.Time { return day }
	_, _ = s.Write([]byte("first\n"))

	day = day.Add(2 * time.Minute)
	_, _ = s.Write([]byte("second\n"))
	if !strings.HasSuffix(s.Path(), "2024_03_02_daily") {
		t.Errorf("expected next-day file, got %q", s.Path())
	}
	_ = s.Close()
}

func TestAsyncDrainsOnClose(t *testing.T) {
	dir := t.TempDir()
	var mirror bytes.Buffer
	s, err := Open(Config{Dir: dir, Name: "async", Async: true, QueueSize: 4, Mirror: &mirror})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 50; i++ {
		_, _ = s.Write([]byte("record\n"))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := 0
	for _, content := range readDir(t, dir) {
		got += strings.Count(content, "record\n")
	}
	if got != 50 {
		t.Errorf("expected all 50 records written, got %d", got)
	}
	if strings.Count(mirror.String(), "record\n") != 50 {
		t.Errorf("mirror missed records")
	}
}

func TestAsyncCloseWhileWriting(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir(), Name: "racy", Async: true, QueueSize: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := s.Write([]byte("record\n")); err != nil {
					t.Errorf("Write: %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(time.Millisecond)
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	wg.Wait()

	if _, err := s.Write([]byte("late\n")); err != nil {
		t.Errorf("Write after Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	s, err := Open(Config{Dir: dir, Disabled: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n, err := s.Write([]byte("x\n")); err != nil || n != 2 {
		t.Errorf("expected discard write to succeed, n=%d err=%v", n, err)
	}
	_ = s.Close()

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("expected no log directory for disabled sink")
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
