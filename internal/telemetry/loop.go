package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-agent/internal/geo"
	"github.com/example/driver-agent/internal/identity"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/observability"
	"github.com/example/driver-agent/internal/state"
)

// ErrPermissionDenied is reported once through OnStatus when the device
// refuses location access. The loop stays disabled but the process lives on.
var ErrPermissionDenied = errors.New("telemetry: location permission denied")

// WatchOptions are passed through to the device location provider.
type WatchOptions struct {
	HighAccuracy  bool
	MinIntervalMs int
	MinDistanceM  float64
}

// Provider is the device location source.
type Provider interface {
	RequestPermission(ctx context.Context) (bool, error)
	Watch(opts WatchOptions, fn func(models.Location)) (Subscription, error)
}

type Subscription interface {
	Cancel()
}

// Sink receives accepted samples, keyed by driver id. The target row is
// replaced, not appended: last write wins per driver.
type Sink interface {
	UpsertLocation(ctx context.Context, driverID string, loc models.Location, online bool, at time.Time) error
}

// Clock abstracts time so throttling and retry backoff are testable without
// real timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func SystemClock() Clock { return systemClock{} }

// Config bounds the loop's throttling and retry behavior.
type Config struct {
	Interval      time.Duration // minimum time between accepted samples
	MinMovementM  float64       // minimum movement between accepted samples
	UploadTimeout time.Duration
	RetryDelay    time.Duration // delay grows linearly: attempt × RetryDelay
	MaxRetries    int           // 0 disables retries; negative selects the default
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
}

// Loop samples device position while the driver is available, throttles
// reporting, and upserts accepted samples to the backend with bounded retries.
// Telemetry loss is tolerated, never fatal.
type Loop struct {
	provider Provider
	sink     Sink
	mirror   Sink // optional best-effort fan-out, may be nil
	ids      identity.Provider
	store    *state.Store
	clock    Clock
	log      *slog.Logger
	cfg      Config

	// OnStatus, if set, receives one report when the loop is disabled by a
	// permission refusal.
	OnStatus func(err error)

	mu           sync.Mutex
	running      bool
	sub          Subscription
	stop         chan struct{}
	lastAccepted time.Time
	lastLoc      *models.Location
}

func NewLoop(provider Provider, sink Sink, mirror Sink, ids identity.Provider, store *state.Store, clock Clock, log *slog.Logger, cfg Config) *Loop {
	cfg.fillDefaults()
	if clock == nil {
		clock = SystemClock()
	}
	return &Loop{
		provider: provider,
		sink:     sink,
		mirror:   mirror,
		ids:      ids,
		store:    store,
		clock:    clock,
		log:      log,
		cfg:      cfg,
	}
}

// Start begins continuous sampling. A permission refusal disables the loop
// and is reported through OnStatus; Start itself returns nil in that case.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	granted, err := l.provider.RequestPermission(ctx)
	if err != nil {
		return err
	}
	if !granted {
		l.log.Warn("location permission denied, telemetry disabled")
		if l.OnStatus != nil {
			l.OnStatus(ErrPermissionDenied)
		}
		return nil
	}

	sub, err := l.provider.Watch(WatchOptions{
		HighAccuracy:  true,
		MinIntervalMs: int(l.cfg.Interval / time.Millisecond),
		MinDistanceM:  l.cfg.MinMovementM,
	}, l.handleSample)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.running = true
	l.sub = sub
	l.stop = make(chan struct{})
	l.lastAccepted = time.Time{}
	l.lastLoc = nil
	l.mu.Unlock()
	l.log.Info("telemetry loop started", "interval", l.cfg.Interval)
	return nil
}

// Stop halts sampling immediately. No sample is recorded and no retry fires
// after Stop returns, even if a retry was already scheduled.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	sub := l.sub
	l.sub = nil
	close(l.stop)
	l.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
	l.log.Info("telemetry loop stopped")
}

// handleSample applies the throttle, records the sample in the store, and
// kicks off the asynchronous upsert. Retries are sequential within a single
// sample's send path; there is no fan-out.
func (l *Loop) handleSample(loc models.Location) {
	now := l.clock.Now()

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	if !l.lastAccepted.IsZero() && now.Sub(l.lastAccepted) < l.cfg.Interval {
		l.mu.Unlock()
		observability.SamplesThrottled.Inc()
		return
	}
	if l.lastLoc != nil && l.cfg.MinMovementM > 0 {
		movedM := geo.Distance(l.lastLoc.Lat, l.lastLoc.Lng, loc.Lat, loc.Lng) * 1000
		if movedM < l.cfg.MinMovementM {
			l.mu.Unlock()
			observability.SamplesThrottled.Inc()
			return
		}
	}
	l.lastAccepted = now
	cp := loc
	l.lastLoc = &cp
	stop := l.stop
	l.mu.Unlock()

	observability.SamplesAccepted.Inc()
	l.store.SetLocation(&loc)

	driverID, ok := l.ids.CurrentDriverID()
	if !ok {
		l.log.Debug("no driver identity, skipping upload")
		return
	}
	go l.upload(driverID, loc, now, stop)
}

func (l *Loop) upload(driverID string, loc models.Location, at time.Time, stop <-chan struct{}) {
	if l.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.UploadTimeout)
		if err := l.mirror.UpsertLocation(ctx, driverID, loc, true, at); err != nil {
			l.log.Debug("telemetry mirror publish failed", "error", err)
		}
		cancel()
	}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.UploadTimeout)
		err := l.sink.UpsertLocation(ctx, driverID, loc, true, at)
		cancel()
		if err == nil {
			observability.UploadsTotal.Inc()
			return
		}
		if attempt >= l.cfg.MaxRetries {
			observability.UploadFailures.Inc()
			l.log.Error("location upload abandoned", "error", err, "attempts", attempt+1)
			return
		}
		observability.UploadRetries.Inc()
		l.log.Warn("location upload failed, retrying", "error", err, "attempt", attempt+1)
		select {
		case <-stop:
			return
		case <-l.clock.After(time.Duration(attempt+1) * l.cfg.RetryDelay):
			// stop may have closed while the timer was pending
			select {
			case <-stop:
				return
			default:
			}
		}
	}
}
