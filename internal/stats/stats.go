// Package stats holds the server's counters in a go-metrics registry.
// Every method is safe on a nil *Stats so components can run without one.
package stats

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Stats is the set of server counters.
type Stats struct {
	reg metrics.Registry

	accepted  metrics.Counter
	rejected  metrics.Counter
	closed    metrics.Counter
	expired   metrics.Counter
	dropped   metrics.Counter
	active    metrics.Gauge
	bytesSent metrics.Counter
	requests  metrics.Meter
}

// New creates counters in a fresh registry.
func New() *Stats {
	reg := metrics.NewRegistry()
	return &Stats{
		reg:       reg,
		accepted:  metrics.NewRegisteredCounter("conn.accepted", reg),
		rejected:  metrics.NewRegisteredCounter("conn.rejected", reg),
		closed:    metrics.NewRegisteredCounter("conn.closed", reg),
		expired:   metrics.NewRegisteredCounter("conn.expired", reg),
		dropped:   metrics.NewRegisteredCounter("dispatch.dropped", reg),
		active:    metrics.NewRegisteredGauge("conn.active", reg),
		bytesSent: metrics.NewRegisteredCounter("http.bytes_sent", reg),
		requests:  metrics.NewRegisteredMeter("http.requests", reg),
	}
}

// Accepted records a new connection.
func (s *Stats) Accepted() {
	if s == nil {
		return
	}
	s.accepted.Inc(1)
}

// Rejected records a connection refused at the connection cap.
func (s *Stats) Rejected() {
	if s == nil {
		return
	}
	s.rejected.Inc(1)
}

// Closed records a connection teardown; expired marks idle evictions.
func (s *Stats) Closed(expired bool) {
	if s == nil {
		return
	}
	s.closed.Inc(1)
	if expired {
		s.expired.Inc(1)
	}
}

// Dropped records a work item rejected by a full dispatch queue.
func (s *Stats) Dropped() {
	if s == nil {
		return
	}
	s.dropped.Inc(1)
}

// SetActive records the current connection count.
func (s *Stats) SetActive(n int64) {
	if s == nil {
		return
	}
	s.active.Update(n)
}

// Response records a response with the given status.
func (s *Stats) Response(status int) {
	if s == nil {
		return
	}
	s.requests.Mark(1)
	metrics.GetOrRegisterCounter("http.status."+strconv.Itoa(status), s.reg).Inc(1)
}

// Sent records bytes written to clients.
func (s *Stats) Sent(n int) {
	if s == nil {
		return
	}
	s.bytesSent.Inc(int64(n))
}

// Snapshot returns current values keyed by metric name.
func (s *Stats) Snapshot() map[string]any {
	out := make(map[string]any)
	if s == nil {
		return out
	}
	s.reg.Each(func(name string, m any) {
		switch v := m.(type) {
		case metrics.Counter:
			out[name] = v.Count()
		case metrics.Gauge:
			out[name] = v.Value()
		case metrics.Meter:
			snap := v.Snapshot()
			out[name] = map[string]any{
				"count": snap.Count(),
				"rate1": snap.Rate1(),
				"mean":  snap.RateMean(),
			}
		}
	})
	return out
}

// Count returns a counter's value, or zero if it does not exist.
func (s *Stats) Count(name string) int64 {
	if s == nil {
		return 0
	}
	if c, ok := s.reg.Get(name).(metrics.Counter); ok {
		return c.Count()
	}
	return 0
}

// Run logs a snapshot every interval until ctx is done.
func (s *Stats) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if s == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("server stats",
				"accepted", s.accepted.Count(),
				"active", s.active.Value(),
				"closed", s.closed.Count(),
				"expired", s.expired.Count(),
				"dropped", s.dropped.Count(),
				"requests", s.requests.Count())
		}
	}
}
