package api

import (
	"net/http"
	"sync"
	"time"
)

// apiMetrics keeps in-process per-route request counters and cumulative
// latency, exposed on /api/metrics.
type apiMetrics struct {
	mu     sync.Mutex
	counts map[string]int64
	nanos  map[string]int64
}

func newAPIMetrics() *apiMetrics {
	return &apiMetrics{
		counts: make(map[string]int64),
		nanos:  make(map[string]int64),
	}
}

func (m *apiMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		key := r.Method + " " + r.URL.Path
		m.mu.Lock()
		m.counts[key]++
		m.nanos[key] += time.Since(start).Nanoseconds()
		m.mu.Unlock()
	})
}

// routeStat is one route's aggregate.
type routeStat struct {
	Count     int64   `json:"count"`
	AvgMillis float64 `json:"avgMillis"`
}

func (m *apiMetrics) snapshot() map[string]routeStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]routeStat, len(m.counts))
	for key, count := range m.counts {
		stat := routeStat{Count: count}
		if count > 0 {
			stat.AvgMillis = float64(m.nanos[key]) / float64(count) / 1e6
		}
		out[key] = stat
	}
	return out
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"routes":      s.metrics.snapshot(),
		"subscribers": s.emitter.Broker().SubscriberCount(),
	})
}
