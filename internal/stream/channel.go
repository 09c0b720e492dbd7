package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/observability"
)

// Event types as they appear on the wire.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

// Event is one ride-lifecycle change from the backend.
type Event struct {
	Type   string            `json:"event_type"`
	Record models.RideRecord `json:"record"`
}

// Source is a transport delivering lifecycle events in the order received.
// Open returns a feed that closes on disconnect or Close; reconnect policy
// lives outside this package.
type Source interface {
	Open(ctx context.Context) (<-chan Event, error)
	Close() error
}

// Handlers receive normalized offer lifecycle callbacks. Deduplication and
// "only one relevant change wins" belong to the consumer, not the channel.
type Handlers struct {
	OnCreated func(models.Offer)
	OnUpdated func(models.Offer)
	OnRemoved func(rideID string)
}

// Channel owns exactly one logical subscription to the ride event stream.
// Events are delivered to the handlers in the order received, from a single
// goroutine.
type Channel struct {
	source Source
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewChannel(source Source, log *slog.Logger) *Channel {
	return &Channel{source: source, log: log}
}

// Subscribe opens the stream. If a subscription is already active it is torn
// down first, so there are never duplicate listeners.
func (c *Channel) Subscribe(ctx context.Context, h Handlers) error {
	c.Unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	events, err := c.source.Open(ctx)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range events {
			c.route(ev, h)
		}
	}()
	c.log.Info("offer channel subscribed")
	return nil
}

// Unsubscribe tears the subscription down. Idempotent; once it returns no
// further handler callbacks fire.
func (c *Channel) Unsubscribe() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if err := c.source.Close(); err != nil {
		c.log.Debug("closing event stream", "error", err)
	}
	<-done
	c.log.Info("offer channel unsubscribed")
}

func (c *Channel) route(ev Event, h Handlers) {
	rec := ev.Record
	pending := rec.Status == models.OfferStatusPending
	switch {
	case ev.Type == EventInsert && pending:
		observability.StreamEvents.WithLabelValues("created").Inc()
		if h.OnCreated != nil {
			h.OnCreated(models.OfferFromRecord(rec))
		}
	case ev.Type == EventUpdate && pending:
		observability.StreamEvents.WithLabelValues("updated").Inc()
		if h.OnUpdated != nil {
			h.OnUpdated(models.OfferFromRecord(rec))
		}
	case ev.Type == EventUpdate && !pending:
		observability.StreamEvents.WithLabelValues("removed").Inc()
		if h.OnRemoved != nil {
			h.OnRemoved(rec.ID)
		}
	default:
		observability.StreamEvents.WithLabelValues("ignored").Inc()
	}
}
