// Package main provides the load generator CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/goceleris/tinyweb/internal/loadgen"
)

var scenarios = []struct {
	Name   string
	Method string
	Path   string
	Form   bool
}{
	{"judge", http.MethodGet, "/", false},
	{"static", http.MethodGet, "/index.html", false},
	{"login", http.MethodPost, "/2CGISQL.cgi", true},
}

// Output is the JSON document written after a run.
type Output struct {
	RunID     string                     `json:"run_id"`
	Timestamp string                     `json:"timestamp"`
	Target    string                     `json:"target"`
	Results   map[string]*loadgen.Result `json:"results"`
}

func main() {
	target := flag.String("url", "http://127.0.0.1:9006", "Server base URL")
	only := flag.String("scenario", "", "Run a single scenario: judge, static, login")
	duration := flag.Duration("duration", 10*time.Second, "Duration per scenario")
	warmup := flag.Duration("warmup", time.Second, "Warmup duration")
	workers := flag.Int("workers", 64, "Number of worker goroutines")
	connections := flag.Int("connections", 64, "Maximum connections")
	keepAlive := flag.Bool("keep-alive", true, "Reuse connections")
	user := flag.String("user", "bench", "User name for the login scenario")
	password := flag.String("password", "bench", "Password for the login scenario")
	outputDir := flag.String("output", "", "Directory for the JSON result (stdout summary only if empty)")
	waitFor := flag.Duration("wait", 10*time.Second, "How long to wait for the server to accept connections")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(strings.TrimRight(*target, "/"))
	if err != nil || base.Host == "" {
		slog.Error("invalid url", "url", *target, "error", err)
		os.Exit(1)
	}

	if err := waitForServer(ctx, base.Host, *waitFor); err != nil {
		slog.Error("server not reachable", "error", err)
		os.Exit(1)
	}

	out := &Output{
		RunID:     uuid.New().String()[:8],
		Timestamp: time.Now().UTC().Format("2006-01-02T15_04_05Z"),
		Target:    base.String(),
		Results:   make(map[string]*loadgen.Result),
	}

	for _, sc := range scenarios {
		if *only != "" && sc.Name != *only {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		cfg := loadgen.DefaultConfig()
		cfg.URL = base.String() + sc.Path
		cfg.Method = sc.Method
		cfg.Duration = *duration
		cfg.WarmupTime = *warmup
		cfg.Workers = *workers
		cfg.Connections = *connections
		cfg.KeepAlive = *keepAlive
		if sc.Form {
			cfg.Body = loadgen.LoginForm(*user, *password)
		}

		slog.Info("running scenario", "run", out.RunID, "scenario", sc.Name, "url", cfg.URL, "duration", cfg.Duration)
		res, err := loadgen.New(cfg).Run(ctx)
		if err != nil {
			slog.Error("scenario failed", "scenario", sc.Name, "error", err)
			continue
		}
		out.Results[sc.Name] = res
		fmt.Printf("%s:\n  %s\n", sc.Name, res)
	}

	if len(out.Results) == 0 {
		slog.Error("no scenario produced results", "scenario", *only)
		os.Exit(1)
	}

	if *outputDir != "" {
		path, err := writeOutput(*outputDir, out)
		if err != nil {
			slog.Error("write results", "error", err)
			os.Exit(1)
		}
		slog.Info("results written", "path", path)
	}
}

func writeOutput(dir string, out *Output) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("loadgen-%s-%s.json", out.Timestamp, out.RunID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func waitForServer(ctx context.Context, hostport string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := net.DialTimeout("tcp", hostport, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for server on %s", hostport)
}
