package loadgen

import (
	"slices"
	"sync"
	"time"
)

// Percentiles summarizes one set of latency samples.
type Percentiles struct {
	Count int64         `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P90   time.Duration `json:"p90"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p99_9"`
}

// latencies keeps every sample grouped by the response status it ended with,
// so error responses never skew the success percentiles.
type latencies struct {
	mu       sync.Mutex
	byStatus map[int][]time.Duration
}

func newLatencies() *latencies {
	return &latencies{byStatus: make(map[int][]time.Duration)}
}

func (l *latencies) add(status int, d time.Duration) {
	l.mu.Lock()
	l.byStatus[status] = append(l.byStatus[status], d)
	l.mu.Unlock()
}

func (l *latencies) reset() {
	l.mu.Lock()
	clear(l.byStatus)
	l.mu.Unlock()
}

// summary returns the percentiles of every response below 400 together with
// a per-status breakdown.
func (l *latencies) summary() (Percentiles, map[int]Percentiles) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ok []time.Duration
	byStatus := make(map[int]Percentiles, len(l.byStatus))
	for status, samples := range l.byStatus {
		byStatus[status] = summarize(slices.Clone(samples))
		if status < 400 {
			ok = append(ok, samples...)
		}
	}
	return summarize(ok), byStatus
}

// summarize sorts samples in place.
func summarize(samples []time.Duration) Percentiles {
	n := len(samples)
	if n == 0 {
		return Percentiles{}
	}
	slices.Sort(samples)

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Percentiles{
		Count: int64(n),
		Avg:   sum / time.Duration(n),
		Min:   samples[0],
		Max:   samples[n-1],
		P50:   samples[rank(n, 500)],
		P90:   samples[rank(n, 900)],
		P99:   samples[rank(n, 990)],
		P999:  samples[rank(n, 999)],
	}
}

// rank is the nearest-rank index of the given per-mille quantile.
func rank(n, permille int) int {
	idx := (n*permille+999)/1000 - 1
	return min(max(idx, 0), n-1)
}
