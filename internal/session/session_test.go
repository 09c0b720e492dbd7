package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/example/driver-agent/internal/dispatch"
	"github.com/example/driver-agent/internal/identity"
	"github.com/example/driver-agent/internal/logging"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/state"
	"github.com/example/driver-agent/internal/storage"
	"github.com/example/driver-agent/internal/stream"
	"github.com/example/driver-agent/internal/telemetry"
)

type memBacking struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memBacking) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.data[key]; ok {
		return b, nil
	}
	return nil, storage.ErrNotFound
}

func (m *memBacking) Save(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = data
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeProvider struct {
	mu      sync.Mutex
	fn      func(models.Location)
	watches int
	cancels int
}

func (p *fakeProvider) RequestPermission(context.Context) (bool, error) { return true, nil }

func (p *fakeProvider) Watch(_ telemetry.WatchOptions, fn func(models.Location)) (telemetry.Subscription, error) {
	p.mu.Lock()
	p.fn = fn
	p.watches++
	p.mu.Unlock()
	return fakeSub{p}, nil
}

func (p *fakeProvider) watching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fn != nil
}

type fakeSub struct{ p *fakeProvider }

func (s fakeSub) Cancel() {
	s.p.mu.Lock()
	s.p.fn = nil
	s.p.cancels++
	s.p.mu.Unlock()
}

type nopSink struct{}

func (nopSink) UpsertLocation(context.Context, string, models.Location, bool, time.Time) error {
	return nil
}

type fakeSource struct {
	mu     sync.Mutex
	feed   chan stream.Event
	opens  int
	closes int
}

func (f *fakeSource) Open(context.Context) (<-chan stream.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.feed = make(chan stream.Event, 16)
	return f.feed, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feed != nil {
		close(f.feed)
		f.feed = nil
		f.closes++
	}
	return nil
}

func (f *fakeSource) push(ev stream.Event) {
	f.mu.Lock()
	feed := f.feed
	f.mu.Unlock()
	feed <- ev
}

type blockingBackend struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (b *blockingBackend) AcceptRide(context.Context, string, string) (dispatch.AcceptReply, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.release != nil {
		<-b.release
	}
	return dispatch.AcceptReply{Won: true, Status: "accepted"}, nil
}

func (b *blockingBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type testRig struct {
	sess     *Session
	store    *state.Store
	provider *fakeProvider
	source   *fakeSource
	coord    *dispatch.Coordinator
	clock    *fakeClock
}

func newRig(t *testing.T, backend dispatch.Backend) *testRig {
	t.Helper()
	return newRigWithBackfill(t, backend, nil)
}

func newRigWithBackfill(t *testing.T, backend dispatch.Backend, backfill Backfiller) *testRig {
	t.Helper()
	log := logging.New(io.Discard, "error")
	store := state.Open(&memBacking{}, log)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	provider := &fakeProvider{}
	loop := telemetry.NewLoop(provider, nopSink{}, nil, identity.Static("drv-1"), store, clock, log, telemetry.Config{})
	source := &fakeSource{}
	channel := stream.NewChannel(source, log)
	coord := dispatch.NewCoordinator(store, backend, identity.Static("drv-1"), log, 20)
	sess := New(context.Background(), store, loop, channel, coord, backfill, clock, log, 10)
	return &testRig{sess: sess, store: store, provider: provider, source: source, coord: coord, clock: clock}
}

func TestToggleOnStartsBothSubsystems(t *testing.T) {
	r := newRig(t, &blockingBackend{})

	if err := r.sess.SetAvailable(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if !r.store.Available() {
		t.Fatal("availability flag not set")
	}
	if !r.provider.watching() {
		t.Fatal("telemetry loop not sampling")
	}
	r.source.mu.Lock()
	opens := r.source.opens
	r.source.mu.Unlock()
	if opens != 1 {
		t.Fatalf("expected one stream subscription, got %d", opens)
	}

	// an inbound pending event reaches the coordinator and fills the slot
	r.source.push(stream.Event{Type: stream.EventInsert, Record: models.RideRecord{ID: "r1", Status: models.OfferStatusPending}})
	deadline := time.After(2 * time.Second)
	for r.store.Offer() == nil {
		select {
		case <-deadline:
			t.Fatal("event never reached the coordinator")
		case <-time.After(time.Millisecond):
		}
	}

	_ = r.sess.SetAvailable(context.Background(), false)
}

func TestToggleOffStopsBothAndAccruesOnlineMinutes(t *testing.T) {
	r := newRig(t, &blockingBackend{})

	if err := r.sess.SetAvailable(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	r.clock.advance(23 * time.Minute)
	if err := r.sess.SetAvailable(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if r.store.Available() {
		t.Fatal("availability flag not cleared")
	}
	if r.provider.watching() {
		t.Fatal("telemetry loop still sampling")
	}
	r.source.mu.Lock()
	closes := r.source.closes
	r.source.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected stream torn down, got %d closes", closes)
	}
	if got := r.store.Stats().OnlineMinutes; got != 23 {
		t.Fatalf("expected 23 online minutes, got %d", got)
	}
}

func TestToggleIsIdempotent(t *testing.T) {
	r := newRig(t, &blockingBackend{})

	_ = r.sess.SetAvailable(context.Background(), true)
	_ = r.sess.SetAvailable(context.Background(), true)

	r.source.mu.Lock()
	opens := r.source.opens
	r.source.mu.Unlock()
	if opens != 1 {
		t.Fatalf("repeated toggle-on must not resubscribe, got %d opens", opens)
	}

	_ = r.sess.SetAvailable(context.Background(), false)
	_ = r.sess.SetAvailable(context.Background(), false)
	if r.provider.cancels != 1 {
		t.Fatalf("repeated toggle-off must be a no-op, got %d cancels", r.provider.cancels)
	}
}

func TestGoingOfflineDoesNotClearAssignment(t *testing.T) {
	r := newRig(t, &blockingBackend{})
	r.store.SetAssignment(&models.Assignment{Ride: models.Offer{ID: "active"}})

	_ = r.sess.SetAvailable(context.Background(), true)
	_ = r.sess.SetAvailable(context.Background(), false)

	if a := r.store.Assignment(); a == nil || a.Ride.ID != "active" {
		t.Fatalf("assignment must survive going offline, got %+v", a)
	}
}

// fakeBackfiller optionally blocks until released; done closes when the fetch
// returns.
type fakeBackfiller struct {
	release chan struct{}
	offers  []models.Offer
	done    chan struct{}
}

func (b *fakeBackfiller) PendingRides(ctx context.Context, limit int) ([]models.Offer, error) {
	defer close(b.done)
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.offers, nil
}

func TestBackfillFeedsCoordinatorWhileOnline(t *testing.T) {
	bf := &fakeBackfiller{
		offers: []models.Offer{{ID: "queued", Status: models.OfferStatusPending}},
		done:   make(chan struct{}),
	}
	r := newRigWithBackfill(t, &blockingBackend{}, bf)

	if err := r.sess.SetAvailable(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for r.store.Offer() == nil {
		select {
		case <-deadline:
			t.Fatal("backfilled ride never reached the coordinator")
		case <-time.After(time.Millisecond):
		}
	}
	if cur := r.store.Offer(); cur.ID != "queued" {
		t.Fatalf("expected backfilled offer, got %+v", cur)
	}

	_ = r.sess.SetAvailable(context.Background(), false)
}

func TestLateBackfillDoesNotLandAfterOffline(t *testing.T) {
	bf := &fakeBackfiller{
		release: make(chan struct{}),
		offers:  []models.Offer{{ID: "late-ride", Status: models.OfferStatusPending}},
		done:    make(chan struct{}),
	}
	r := newRigWithBackfill(t, &blockingBackend{}, bf)

	_ = r.sess.SetAvailable(context.Background(), true)
	_ = r.sess.SetAvailable(context.Background(), false)

	// the fetch resolves only after the driver already went offline
	close(bf.release)
	select {
	case <-bf.done:
	case <-time.After(2 * time.Second):
		t.Fatal("backfill fetch never returned")
	}

	for i := 0; i < 20; i++ {
		if o := r.store.Offer(); o != nil {
			t.Fatalf("offer %q installed while driver is offline", o.ID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.store.Available() {
		t.Fatal("driver must remain offline")
	}
}

func TestInFlightAcceptResolvesAfterGoingOffline(t *testing.T) {
	backend := &blockingBackend{release: make(chan struct{})}
	r := newRig(t, backend)

	_ = r.sess.SetAvailable(context.Background(), true)
	r.coord.OnOfferCreated(models.Offer{ID: "ride-1", Status: models.OfferStatusPending})

	done := make(chan dispatch.AcceptResult, 1)
	go func() {
		res, _ := r.coord.Accept(context.Background(), "ride-1")
		done <- res
	}()

	deadline := time.After(2 * time.Second)
	for backend.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("accept never reached the backend")
		case <-time.After(time.Millisecond):
		}
	}

	// going offline must not cancel the pending accept
	_ = r.sess.SetAvailable(context.Background(), false)
	close(backend.release)

	select {
	case res := <-done:
		if res.Status != dispatch.AcceptWon {
			t.Fatalf("expected won, got %v", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("accept never resolved")
	}

	if a := r.store.Assignment(); a == nil || a.Ride.ID != "ride-1" {
		t.Fatalf("successful accept must still land after going offline, got %+v", a)
	}
}
