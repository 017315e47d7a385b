package stats

import "testing"

func TestCounters(t *testing.T) {
	s := New()
	s.Accepted()
	s.Accepted()
	s.Closed(true)
	s.Closed(false)
	s.Dropped()
	s.Response(200)
	s.Response(404)
	s.Response(404)
	s.Sent(128)
	s.SetActive(3)

	testCases := []struct {
		name string
		want int64
	}{
		{"conn.accepted", 2},
		{"conn.closed", 2},
		{"conn.expired", 1},
		{"dispatch.dropped", 1},
		{"http.status.200", 1},
		{"http.status.404", 2},
		{"http.bytes_sent", 128},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.Count(tc.name); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}

	snap := s.Snapshot()
	if snap["conn.active"] != int64(3) {
		t.Errorf("expected active gauge 3, got %v", snap["conn.active"])
	}
}

func TestNilStatsIsSafe(t *testing.T) {
	var s *Stats
	s.Accepted()
	s.Closed(true)
	s.Response(500)
	if s.Count("conn.accepted") != 0 || len(s.Snapshot()) != 0 {
		t.Error("expected nil stats to report nothing")
	}
}
