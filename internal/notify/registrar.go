package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/driver-agent/internal/identity"
)

// LivenessSink forwards the driver's heartbeat to the backend. Telemetry
// sinks that keep a per-driver row implement it.
type LivenessSink interface {
	Heartbeat(ctx context.Context, driverID string, batteryLevel int) error
}

// Registrar registers the device push token with the delivery endpoint and
// forwards liveness. Thin and best-effort: registration failures are logged,
// never fatal.
type Registrar struct {
	endpoint string
	key      string
	client   *http.Client
	liveness LivenessSink
	ids      identity.Provider
	log      *slog.Logger
}

func NewRegistrar(endpoint, key string, liveness LivenessSink, ids identity.Provider, log *slog.Logger) *Registrar {
	return &Registrar{
		endpoint: endpoint,
		key:      key,
		client:   &http.Client{Timeout: 3 * time.Second},
		liveness: liveness,
		ids:      ids,
		log:      log,
	}
}

// Register posts the device token keyed by driver identity, then sends an
// initial heartbeat. No-op without an authenticated driver.
func (r *Registrar) Register(ctx context.Context, token string, batteryLevel int) error {
	driverID, ok := r.ids.CurrentDriverID()
	if !ok {
		r.log.Debug("no driver identity, skipping push registration")
		return nil
	}

	if r.endpoint != "" && token != "" {
		body, _ := json.Marshal(map[string]string{"driver_id": driverID, "token": token})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if r.key != "" {
			req.Header.Set("Authorization", "Bearer "+r.key)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("registering push token: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("registering push token: status %d", resp.StatusCode)
		}
		r.log.Info("push token registered")
	}

	return r.Heartbeat(ctx, batteryLevel)
}

// Heartbeat forwards a liveness signal. No-op without identity or sink.
func (r *Registrar) Heartbeat(ctx context.Context, batteryLevel int) error {
	driverID, ok := r.ids.CurrentDriverID()
	if !ok || r.liveness == nil {
		return nil
	}
	if err := r.liveness.Heartbeat(ctx, driverID, batteryLevel); err != nil {
		return fmt.Errorf("forwarding heartbeat: %w", err)
	}
	return nil
}
