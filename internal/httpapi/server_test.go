package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/driver-agent/internal/device"
	"github.com/example/driver-agent/internal/dispatch"
	"github.com/example/driver-agent/internal/identity"
	"github.com/example/driver-agent/internal/logging"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/session"
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

type stubSource struct{}

func (stubSource) Open(context.Context) (<-chan stream.Event, error) {
	return make(chan stream.Event), nil
}

func (stubSource) Close() error { return nil }

// ctxBackend blocks until released and records whether its context was
// cancelled by the time it resolved.
type ctxBackend struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	ctxErr error
}

func (b *ctxBackend) AcceptRide(ctx context.Context, driverID, rideID string) (dispatch.AcceptReply, error) {
	close(b.entered)
	<-b.release
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return dispatch.AcceptReply{Won: true, RideID: rideID, Status: "accepted"}, nil
}

func newTestServer(t *testing.T, backend dispatch.Backend) (*Server, *state.Store, *dispatch.Coordinator) {
	t.Helper()
	log := logging.New(io.Discard, "error")
	store := state.Open(&memBacking{}, log)
	provider := device.NewPushProvider()
	loop := telemetry.NewLoop(provider, telemetry.NewMemorySink(), nil, identity.Static("drv-1"), store, nil, log, telemetry.Config{})
	channel := stream.NewChannel(stubSource{}, log)
	coord := dispatch.NewCoordinator(store, backend, identity.Static("drv-1"), log, 20)
	sess := session.New(context.Background(), store, loop, channel, coord, nil, nil, log, 10)
	return NewServer(store, sess, coord, provider, nil, log), store, coord
}

func TestAcceptOutcomeSurvivesClientDisconnect(t *testing.T) {
	backend := &ctxBackend{entered: make(chan struct{}), release: make(chan struct{})}
	srv, store, coord := newTestServer(t, backend)
	coord.OnOfferCreated(models.Offer{ID: "ride-1", Status: models.OfferStatusPending})

	reqCtx, cancel := context.WithCancel(context.Background())
	body, _ := json.Marshal(map[string]string{"ride_id": "ride-1"})
	req := httptest.NewRequest(http.MethodPost, "/offer/accept", bytes.NewReader(body)).WithContext(reqCtx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-backend.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never reached the backend")
	}

	// the shell disconnects mid round trip
	cancel()
	close(backend.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never returned")
	}

	backend.mu.Lock()
	ctxErr := backend.ctxErr
	backend.mu.Unlock()
	if ctxErr != nil {
		t.Fatalf("client disconnect cancelled the backend call: %v", ctxErr)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if a := store.Assignment(); a == nil || a.Ride.ID != "ride-1" {
		t.Fatalf("won accept must install the assignment, got %+v", a)
	}
}

func TestAcceptMismatchedIDIsConflict(t *testing.T) {
	backend := &ctxBackend{entered: make(chan struct{}), release: make(chan struct{})}
	srv, _, coord := newTestServer(t, backend)
	coord.OnOfferCreated(models.Offer{ID: "ride-1", Status: models.OfferStatusPending})

	body, _ := json.Marshal(map[string]string{"ride_id": "stale"})
	req := httptest.NewRequest(http.MethodPost, "/offer/accept", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	select {
	case <-backend.entered:
		t.Fatal("backend must not be called on a local rejection")
	default:
	}
}
