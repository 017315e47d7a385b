// Package loadgen drives HTTP load against a running server and reports
// throughput and latency percentiles.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds load generation configuration.
type Config struct {
	URL         string
	Method      string
	Body        []byte
	Headers     map[string]string
	Duration    time.Duration
	Connections int
	Workers     int
	WarmupTime  time.Duration
	// KeepAlive reuses connections. The request carries an explicit
	// Connection: keep-alive header, which the server requires.
	KeepAlive bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Method:      http.MethodGet,
		Duration:    10 * time.Second,
		Connections: 64,
		Workers:     64,
		WarmupTime:  time.Second,
		KeepAlive:   true,
	}
}

// LoginForm returns a form body for the login and registration endpoints.
func LoginForm(user, password string) []byte {
	return []byte(url.Values{"user": {user}, "password": {password}}.Encode())
}

// Generator runs a load test.
type Generator struct {
	config Config
	client *http.Client

	requests  atomic.Int64
	errors    atomic.Int64
	bytesRead atomic.Int64

	latencies *latencies

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Generator with the given configuration.
func New(cfg Config) *Generator {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.Connections,
		MaxIdleConnsPerHost: cfg.Connections,
		MaxConnsPerHost:     cfg.Connections,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   !cfg.KeepAlive,
	}

	return &Generator{
		config: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		latencies: newLatencies(),
	}
}

// Run executes the load test and returns results.
func (g *Generator) Run(ctx context.Context) (*Result, error) {
	if g.config.URL == "" {
		return nil, fmt.Errorf("loadgen: URL is required")
	}
	if g.config.Workers <= 0 {
		return nil, fmt.Errorf("loadgen: workers must be positive")
	}

	if g.config.WarmupTime > 0 {
		g.warmup(ctx)
	}

	g.requests.Store(0)
	g.errors.Store(0)
	g.bytesRead.Store(0)
	g.latencies.reset()

	g.running.Store(true)
	start := time.Now()

	for i := 0; i < g.config.Workers; i++ {
		g.wg.Add(1)
		go g.worker(ctx)
	}

	select {
	case <-ctx.Done():
	case <-time.After(g.config.Duration):
	}

	g.running.Store(false)
	g.wg.Wait()
	g.client.CloseIdleConnections()

	return g.buildResult(time.Since(start)), nil
}

func (g *Generator) warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, g.config.WarmupTime)
	defer cancel()

	g.running.Store(true)

	for i := 0; i < max(1, g.config.Workers/2); i++ {
		g.wg.Add(1)
		go g.worker(warmupCtx)
	}

	<-warmupCtx.Done()
	g.running.Store(false)
	g.wg.Wait()
}

func (g *Generator) worker(ctx context.Context) {
	defer g.wg.Done()

	for g.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		status, bytesRead, err := g.doRequest(ctx)
		latency := time.Since(start)

		if status != 0 {
			g.latencies.add(status, latency)
		}
		if err != nil {
			g.errors.Add(1)
		} else {
			g.requests.Add(1)
			g.bytesRead.Add(int64(bytesRead))
		}
	}
}

func (g *Generator) doRequest(ctx context.Context) (int, int, error) {
	var body io.Reader
	if len(g.config.Body) > 0 {
		body = bytes.NewReader(g.config.Body)
	}

	req, err := http.NewRequestWithContext(ctx, g.config.Method, g.config.URL, body)
	if err != nil {
		return 0, 0, err
	}

	// Set Content-Length explicitly; the server does not accept chunked bodies.
	if len(g.config.Body) > 0 {
		req.ContentLength = int64(len(g.config.Body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if g.config.KeepAlive {
		req.Header.Set("Connection", "keep-alive")
	}
	for k, v := range g.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	n, _ := io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return resp.StatusCode, int(n), fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, int(n), nil
}

func (g *Generator) buildResult(elapsed time.Duration) *Result {
	reqs := g.requests.Load()
	bytesRead := g.bytesRead.Load()

	ok, byStatus := g.latencies.summary()
	statuses := make(map[int]int64, len(byStatus))
	for status, p := range byStatus {
		statuses[status] = p.Count
	}

	return &Result{
		Requests:        reqs,
		Errors:          g.errors.Load(),
		Statuses:        statuses,
		Duration:        elapsed,
		RequestsPerSec:  float64(reqs) / elapsed.Seconds(),
		ThroughputBPS:   float64(bytesRead) / elapsed.Seconds(),
		Latency:         ok,
		LatencyByStatus: byStatus,
	}
}

// Result holds the load test results.
type Result struct {
	Requests       int64         `json:"requests"`
	Errors         int64         `json:"errors"`
	Statuses       map[int]int64 `json:"statuses"`
	Duration       time.Duration `json:"duration"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	ThroughputBPS  float64       `json:"throughput_bps"`
	// Latency covers responses below 400.
	Latency         Percentiles         `json:"latency"`
	LatencyByStatus map[int]Percentiles `json:"latency_by_status"`
}

// ToJSON serializes the result.
func (r *Result) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// String formats a one-paragraph summary.
func (r *Result) String() string {
	return fmt.Sprintf("%d requests, %d errors in %s\n  %.1f req/s, %s/s\n  latency avg %s p50 %s p90 %s p99 %s max %s",
		r.Requests, r.Errors, r.Duration.Round(time.Millisecond),
		r.RequestsPerSec, formatBytes(r.ThroughputBPS),
		r.Latency.Avg, r.Latency.P50, r.Latency.P90, r.Latency.P99, r.Latency.Max)
}

func formatBytes(b float64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%.0fB", b)
	}
	div, exp := float64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f%cB", b/div, "KMGTPE"[exp])
}
