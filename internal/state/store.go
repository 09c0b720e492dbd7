package state

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/storage"
)

// Field names a slot in the store; subscribers receive the field that changed.
type Field string

const (
	FieldAvailability Field = "availability"
	FieldLocation     Field = "location"
	FieldOffer        Field = "offer"
	FieldAssignment   Field = "assignment"
	FieldStats        Field = "stats"
)

const persistKey = "driver-state"

// persisted is the durable subset. Availability, location and the pending
// offer deliberately reset on a cold start.
type persisted struct {
	Stats      models.Stats       `json:"stats"`
	Assignment *models.Assignment `json:"assignment,omitempty"`
}

// Store is the single shared mutable resource of the agent. All components
// read and write through its accessors; mutations to the persisted subset are
// durably written before the setter returns.
type Store struct {
	mu      sync.RWMutex
	log     *slog.Logger
	backing storage.Store

	available  bool
	location   *models.Location
	offer      *models.Offer
	assignment *models.Assignment
	stats      models.Stats

	nextSubID int
	subs      map[int]func(Field)
}

// Open loads the persisted subset from backing storage. Absent or corrupt
// data is treated as no prior state, never as an error.
func Open(backing storage.Store, log *slog.Logger) *Store {
	s := &Store{
		log:     log,
		backing: backing,
		subs:    make(map[int]func(Field)),
	}
	b, err := backing.Load(persistKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("persisted state unreadable, starting fresh", "error", err)
		}
		return s
	}
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		log.Warn("persisted state corrupt, starting fresh", "error", err)
		return s
	}
	s.stats = p.Stats
	s.assignment = p.Assignment
	return s
}

// Subscribe registers fn to be called after every mutation. The returned
// function removes the subscription. Callbacks run outside the store lock.
func (s *Store) Subscribe(fn func(Field)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(f Field) {
	s.mu.RLock()
	fns := make([]func(Field), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

func (s *Store) SetAvailable(on bool) {
	s.mu.Lock()
	s.available = on
	s.mu.Unlock()
	s.notify(FieldAvailability)
}

func (s *Store) Location() *models.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.location == nil {
		return nil
	}
	loc := *s.location
	return &loc
}

func (s *Store) SetLocation(loc *models.Location) {
	s.mu.Lock()
	s.location = loc
	s.mu.Unlock()
	s.notify(FieldLocation)
}

func (s *Store) Offer() *models.Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offer == nil {
		return nil
	}
	o := *s.offer
	return &o
}

func (s *Store) SetOffer(o *models.Offer) {
	s.mu.Lock()
	s.offer = o
	s.mu.Unlock()
	s.notify(FieldOffer)
}

func (s *Store) ClearOffer() {
	s.SetOffer(nil)
}

func (s *Store) Assignment() *models.Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.assignment == nil {
		return nil
	}
	a := *s.assignment
	return &a
}

func (s *Store) SetAssignment(a *models.Assignment) {
	s.mu.Lock()
	s.assignment = a
	s.persistLocked()
	s.mu.Unlock()
	s.notify(FieldAssignment)
}

func (s *Store) Stats() models.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// MergeStats applies a partial update; nil fields keep their current value.
func (s *Store) MergeStats(d models.StatsDelta) {
	s.mu.Lock()
	if d.EarningsAccrued != nil {
		s.stats.EarningsAccrued = *d.EarningsAccrued
	}
	if d.RidesCompleted != nil {
		s.stats.RidesCompleted = *d.RidesCompleted
	}
	if d.OnlineMinutes != nil {
		s.stats.OnlineMinutes = *d.OnlineMinutes
	}
	if d.Rating != nil {
		s.stats.Rating = *d.Rating
	}
	s.persistLocked()
	s.mu.Unlock()
	s.notify(FieldStats)
}

func (s *Store) persistLocked() {
	b, err := json.Marshal(persisted{Stats: s.stats, Assignment: s.assignment})
	if err != nil {
		s.log.Error("marshaling persisted state", "error", err)
		return
	}
	if err := s.backing.Save(persistKey, b); err != nil {
		s.log.Error("writing persisted state", "error", err)
	}
}
