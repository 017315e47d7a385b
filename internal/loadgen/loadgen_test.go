package loadgen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLatencySummary(t *testing.T) {
	l := newLatencies()
	ok, byStatus := l.summary()
	if ok != (Percentiles{}) || len(byStatus) != 0 {
		t.Errorf("expected empty summary, got %+v %v", ok, byStatus)
	}

	for i := 1; i <= 1000; i++ {
		l.add(http.StatusOK, time.Duration(i)*time.Millisecond)
	}
	// Slow errors must not leak into the success percentiles.
	l.add(http.StatusNotFound, time.Minute)
	l.add(http.StatusNotFound, 2*time.Minute)

	ok, byStatus = l.summary()

	testCases := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"min", ok.Min, time.Millisecond},
		{"max", ok.Max, 1000 * time.Millisecond},
		{"p50", ok.P50, 500 * time.Millisecond},
		{"p90", ok.P90, 900 * time.Millisecond},
		{"p99", ok.P99, 990 * time.Millisecond},
		{"p99.9", ok.P999, 999 * time.Millisecond},
		{"avg", ok.Avg, 500500 * time.Microsecond},
		{"404 max", byStatus[http.StatusNotFound].Max, 2 * time.Minute},
		{"404 p50", byStatus[http.StatusNotFound].P50, time.Minute},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, tc.got)
			}
		})
	}

	if ok.Count != 1000 || byStatus[http.StatusOK].Count != 1000 || byStatus[http.StatusNotFound].Count != 2 {
		t.Errorf("unexpected counts: ok %d, by status %v", ok.Count, byStatus)
	}

	l.reset()
	if ok, byStatus := l.summary(); ok.Count != 0 || len(byStatus) != 0 {
		t.Errorf("expected reset to drop every sample, got %+v %v", ok, byStatus)
	}
}

func TestRank(t *testing.T) {
	testCases := []struct {
		n        int
		permille int
		want     int
	}{
		{1, 500, 0},
		{1, 999, 0},
		{2, 500, 0},
		{10, 500, 4},
		{10, 1000, 9},
		{100, 990, 98},
		{1000, 999, 998},
	}
	for _, tc := range testCases {
		if got := rank(tc.n, tc.permille); got != tc.want {
			t.Errorf("rank(%d, %d) = %d, want %d", tc.n, tc.permille, got, tc.want)
		}
	}
}

func TestRunKeepAlive(t *testing.T) {
	var keepAlive, total atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		total.Add(1)
		if strings.EqualFold(r.Header.Get("Connection"), "keep-alive") {
			keepAlive.Add(1)
		}
		_, _ = io.WriteString(w, "hello")
	}))
	defer ts.Close()

	cfg := DefaultConfig()
	cfg.URL = ts.URL
	cfg.Duration = 200 * time.Millisecond
	cfg.WarmupTime = 0
	cfg.Workers = 2
	cfg.Connections = 2

	res, err := New(cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Requests == 0 || res.Errors != 0 {
		t.Fatalf("expected successful requests, got %d ok %d errors", res.Requests, res.Errors)
	}
	if res.Statuses[http.StatusOK] != res.Requests {
		t.Errorf("expected %d 200s, got %d", res.Requests, res.Statuses[http.StatusOK])
	}
	if keepAlive.Load() != total.Load() {
		t.Errorf("expected every request to ask for keep-alive, got %d of %d", keepAlive.Load(), total.Load())
	}
	if res.Latency.Max == 0 || res.Latency.Count != res.Requests {
		t.Errorf("expected a latency sample per request, got %+v", res.Latency)
	}
}

func TestRunPostsForm(t *testing.T) {
	var bad atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.ContentLength <= 0 || r.FormValue("user") != "alice" {
			bad.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, "welcome")
	}))
	defer ts.Close()

	cfg := DefaultConfig()
	cfg.URL = ts.URL + "/2CGISQL.cgi"
	cfg.Method = http.MethodPost
	cfg.Body = LoginForm("alice", "secret")
	cfg.Duration = 100 * time.Millisecond
	cfg.WarmupTime = 0
	cfg.Workers = 1

	res, err := New(cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if bad.Load() != 0 || res.Requests == 0 {
		t.Errorf("expected only well-formed posts, got %d bad of %d", bad.Load(), res.Requests)
	}
}

func TestRunCountsErrors(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	cfg := DefaultConfig()
	cfg.URL = ts.URL
	cfg.Duration = 100 * time.Millisecond
	cfg.WarmupTime = 0
	cfg.Workers = 1

	res, err := New(cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Requests != 0 || res.Errors == 0 {
		t.Errorf("expected only errors, got %d ok %d errors", res.Requests, res.Errors)
	}
	if res.Statuses[http.StatusNotFound] != res.Errors {
		t.Errorf("expected every error to be a 404, got %v", res.Statuses)
	}
	if res.Latency.Count != 0 || res.LatencyByStatus[http.StatusNotFound].Count != res.Errors {
		t.Errorf("expected 404 latencies kept apart, got %+v %v", res.Latency, res.LatencyByStatus)
	}
}

func TestRunValidates(t *testing.T) {
	if _, err := New(Config{Workers: 1}).Run(context.Background()); err == nil {
		t.Error("expected error without URL")
	}
	if _, err := New(Config{URL: "http://localhost"}).Run(context.Background()); err == nil {
		t.Error("expected error without workers")
	}
}

func TestLoginForm(t *testing.T) {
	v, err := url.ParseQuery(string(LoginForm("a b", "p&q")))
	if err != nil {
		t.Fatal(err)
	}
	if v.Get("user") != "a b" || v.Get("password") != "p&q" {
		t.Errorf("unexpected form %v", v)
	}
}

func TestResultJSON(t *testing.T) {
	res := &Result{Requests: 3, Statuses: map[int]int64{200: 3}, Duration: time.Second}
	data, err := res.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["requests"] != float64(3) {
		t.Errorf("unexpected json %s", data)
	}
	if !strings.Contains(res.String(), "3 requests") {
		t.Errorf("unexpected summary %q", res.String())
	}
}

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{512, "512B"},
		{2048, "2.00KB"},
		{3 * 1024 * 1024, "3.00MB"},
	}
	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
