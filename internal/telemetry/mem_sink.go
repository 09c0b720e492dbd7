package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/example/driver-agent/internal/models"
)

// MemorySink keeps the last row per driver in memory. Fallback for local runs
// without a configured backend.
type MemorySink struct {
	mu   sync.Mutex
	rows map[string]models.Location
}

func NewMemorySink() *MemorySink {
	return &MemorySink{rows: make(map[string]models.Location)}
}

func (s *MemorySink) UpsertLocation(_ context.Context, driverID string, loc models.Location, _ bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[driverID] = loc
	return nil
}

func (s *MemorySink) Heartbeat(context.Context, string, int) error { return nil }

func (s *MemorySink) Last(driverID string) (models.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.rows[driverID]
	return loc, ok
}
