package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/driver-agent/internal/dispatch"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/observability"
	"github.com/example/driver-agent/internal/state"
	"github.com/example/driver-agent/internal/stream"
	"github.com/example/driver-agent/internal/telemetry"
)

// Backfiller pulls the freshest pending rides when the driver comes online.
type Backfiller interface {
	PendingRides(ctx context.Context, limit int) ([]models.Offer, error)
}

// Session is the single entry point for the availability toggle: going
// online starts the telemetry loop and the offer subscription, going offline
// stops both. It never clears an active assignment and never cancels an
// in-flight accept.
type Session struct {
	// base outlives any single caller: subscriptions started by a toggle
	// must not die with the toggling request's context
	base context.Context

	store    *state.Store
	loop     *telemetry.Loop
	channel  *stream.Channel
	coord    *dispatch.Coordinator
	backfill Backfiller // may be nil
	clock    telemetry.Clock
	log      *slog.Logger

	backfillLimit int

	mu             sync.Mutex
	online         bool
	onlineSince    time.Time
	backfillCancel context.CancelFunc
}

func New(base context.Context, store *state.Store, loop *telemetry.Loop, channel *stream.Channel, coord *dispatch.Coordinator, backfill Backfiller, clock telemetry.Clock, log *slog.Logger, backfillLimit int) *Session {
	if base == nil {
		base = context.Background()
	}
	if clock == nil {
		clock = telemetry.SystemClock()
	}
	if backfillLimit <= 0 {
		backfillLimit = 10
	}
	return &Session{
		base:          base,
		store:         store,
		loop:          loop,
		channel:       channel,
		coord:         coord,
		backfill:      backfill,
		clock:         clock,
		log:           log,
		backfillLimit: backfillLimit,
	}
}

// SetAvailable toggles driver availability. Idempotent.
func (s *Session) SetAvailable(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on == s.online {
		return nil
	}
	if on {
		return s.goOnline(ctx)
	}
	s.goOffline()
	return nil
}

func (s *Session) goOnline(ctx context.Context) error {
	s.store.SetAvailable(true)

	if err := s.loop.Start(ctx); err != nil {
		s.store.SetAvailable(false)
		return err
	}
	if err := s.channel.Subscribe(s.base, stream.Handlers{
		OnCreated: s.coord.OnOfferCreated,
		OnUpdated: s.coord.OnOfferUpdated,
		OnRemoved: s.coord.OnOfferRemoved,
	}); err != nil {
		s.loop.Stop()
		s.store.SetAvailable(false)
		return err
	}

	s.online = true
	s.onlineSince = s.clock.Now()
	observability.Available.Set(1)
	s.log.Info("driver online")

	if s.backfill != nil {
		ctx, cancel := context.WithCancel(s.base)
		s.backfillCancel = cancel
		go s.runBackfill(ctx)
	}
	return nil
}

func (s *Session) goOffline() {
	if s.backfillCancel != nil {
		s.backfillCancel()
		s.backfillCancel = nil
	}
	s.loop.Stop()
	s.channel.Unsubscribe()
	s.store.SetAvailable(false)

	minutes := int(s.clock.Now().Sub(s.onlineSince).Minutes())
	if minutes > 0 {
		total := s.store.Stats().OnlineMinutes + minutes
		s.store.MergeStats(models.StatsDelta{OnlineMinutes: &total})
	}

	s.online = false
	observability.Available.Set(0)
	s.log.Info("driver offline", "online_minutes", minutes)
}

// runBackfill feeds recent pending rides through the admission rule so a
// driver who just came online sees an offer without waiting for the stream.
func (s *Session) runBackfill(ctx context.Context) {
	offers, err := s.backfill.PendingRides(ctx, s.backfillLimit)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("pending ride backfill failed", "error", err)
		}
		return
	}
	// deliver under the session lock: a toggle-off holds the same lock while
	// cancelling, so a late backfill can never land an offer after teardown
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || !s.online {
		return
	}
	for _, o := range offers {
		s.coord.OnOfferCreated(o)
	}
}
