package state

import (
	"io"
	"sync"
	"testing"

	"github.com/example/driver-agent/internal/logging"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/storage"
)

// memStore implements storage.Store in memory for restart simulations.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

func (m *memStore) Save(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func TestPersistedSubsetSurvivesRestart(t *testing.T) {
	backing := newMemStore()
	log := logging.New(io.Discard, "error")

	s := Open(backing, log)
	s.SetAvailable(true)
	s.SetLocation(&models.Location{Lat: 48.85, Lng: 2.35})
	s.SetOffer(&models.Offer{ID: "ride-9"})
	rides := 7
	earnings := 120.5
	s.MergeStats(models.StatsDelta{RidesCompleted: &rides, EarningsAccrued: &earnings})
	s.SetAssignment(&models.Assignment{Ride: models.Offer{ID: "ride-1"}, Status: "accepted"})

	// simulated restart: a fresh store over the same backing
	s2 := Open(backing, log)

	if s2.Available() {
		t.Fatal("availability must not survive a restart")
	}
	if s2.Location() != nil {
		t.Fatal("location must not survive a restart")
	}
	if s2.Offer() != nil {
		t.Fatal("pending offer must not survive a restart")
	}
	if got := s2.Stats(); got.RidesCompleted != 7 || got.EarningsAccrued != 120.5 {
		t.Fatalf("stats not restored: %+v", got)
	}
	a := s2.Assignment()
	if a == nil || a.Ride.ID != "ride-1" {
		t.Fatalf("assignment not restored: %+v", a)
	}
}

func TestCorruptPersistedStateFallsBackToDefaults(t *testing.T) {
	backing := newMemStore()
	backing.data["driver-state"] = []byte("{not json")

	s := Open(backing, logging.New(io.Discard, "error"))
	if s.Assignment() != nil {
		t.Fatal("expected no assignment from corrupt state")
	}
	if got := s.Stats(); got != (models.Stats{}) {
		t.Fatalf("expected zero stats, got %+v", got)
	}
}

func TestSubscribeNotifiesOnMutation(t *testing.T) {
	s := Open(newMemStore(), logging.New(io.Discard, "error"))

	var mu sync.Mutex
	var seen []Field
	unsub := s.Subscribe(func(f Field) {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	})

	s.SetAvailable(true)
	s.SetOffer(&models.Offer{ID: "o1"})
	s.ClearOffer()

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n != 3 {
		t.Fatalf("expected 3 notifications, got %d", n)
	}
	if seen[0] != FieldAvailability || seen[1] != FieldOffer || seen[2] != FieldOffer {
		t.Fatalf("unexpected fields: %v", seen)
	}

	unsub()
	s.SetAvailable(false)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatal("subscriber called after unsubscribe")
	}
}

func TestMergeStatsLeavesNilFieldsUntouched(t *testing.T) {
	s := Open(newMemStore(), logging.New(io.Discard, "error"))
	rating := 4.8
	s.MergeStats(models.StatsDelta{Rating: &rating})
	mins := 42
	s.MergeStats(models.StatsDelta{OnlineMinutes: &mins})

	got := s.Stats()
	if got.Rating != 4.8 || got.OnlineMinutes != 42 {
		t.Fatalf("merge lost fields: %+v", got)
	}
}
