package channel

import (
	"net/http"
	"sync"
	"time"
)

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Stats holds the gateway's processing counters.
type Stats struct {
	mu             sync.Mutex
	totalEvents    int64
	byType         map[string]int64
	successCount   int64
	failureCount   int64
	duplicateCount int64
	totalTime      time.Duration
}

func newStats() *Stats {
	return &Stats{byType: make(map[string]int64)}
}

func (s *Stats) recordEvent(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalEvents++
	s.byType[eventType]++
}

func (s *Stats) recordDuplicate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicateCount++
}

func (s *Stats) recordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successCount++
	s.totalTime += d
}

func (s *Stats) recordFailure(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	s.totalTime += d
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalEvents    int64            `json:"totalEvents"`
	ByType         map[string]int64 `json:"byType"`
	SuccessCount   int64            `json:"successCount"`
	FailureCount   int64            `json:"failureCount"`
	DuplicateCount int64            `json:"duplicateCount"`
	TotalTime      time.Duration    `json:"totalTimeNs"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType := make(map[string]int64, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	return StatsSnapshot{
		TotalEvents:    s.totalEvents,
		ByType:         byType,
		SuccessCount:   s.successCount,
		FailureCount:   s.failureCount,
		DuplicateCount: s.duplicateCount,
		TotalTime:      s.totalTime,
	}
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status                  string  `json:"status"`
	EventsProcessed         int64   `json:"eventsProcessed"`
	EventsFailed            int64   `json:"eventsFailed"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
	DuplicateEventsBlocked  int64   `json:"duplicateEventsBlocked"`
}

// Health derives the health report: unhealthy above a 50% failure rate,
// degraded above 10%.
func (s *Stats) Health() HealthReport {
	snap := s.Snapshot()
	finished := snap.SuccessCount + snap.FailureCount

	report := HealthReport{
		Status:                 StatusHealthy,
		EventsProcessed:        snap.SuccessCount,
		EventsFailed:           snap.FailureCount,
		DuplicateEventsBlocked: snap.DuplicateCount,
	}
	if finished == 0 {
		return report
	}

	report.AverageProcessingTimeMs = float64(snap.TotalTime.Milliseconds()) / float64(finished)
	failureRate := float64(snap.FailureCount) / float64(finished)
	switch {
	case failureRate > 0.5:
		report.Status = StatusUnhealthy
	case failureRate > 0.1:
		report.Status = StatusDegraded
	}
	return report
}

// HealthHandler serves the gateway health report. Unhealthy maps to 503.
func (g *Gateway) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := g.stats.Health()
		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}
