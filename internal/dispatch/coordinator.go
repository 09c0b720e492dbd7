package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-agent/internal/geo"
	"github.com/example/driver-agent/internal/identity"
	"github.com/example/driver-agent/internal/models"
	"github.com/example/driver-agent/internal/observability"
	"github.com/example/driver-agent/internal/state"
)

var (
	// ErrAcceptInFlight rejects a second accept while one is pending; the
	// rejection is local, no round trip is made.
	ErrAcceptInFlight = errors.New("dispatch: accept already in flight")

	// ErrOfferMismatch rejects an accept whose id does not match the current
	// offer. Guards against a stale UI call after the offer already changed.
	ErrOfferMismatch = errors.New("dispatch: id does not match current offer")

	// ErrNotAuthenticated rejects accepts issued without a driver identity.
	ErrNotAuthenticated = errors.New("dispatch: no driver identity")
)

// AcceptStatus is the tri-state outcome of an accept attempt.
type AcceptStatus string

const (
	// AcceptWon: the backend confirmed this driver got the ride.
	AcceptWon AcceptStatus = "won"
	// AcceptLost: another driver won the race or the ride was cancelled.
	// Expected outcome, not an exception.
	AcceptLost AcceptStatus = "lost"
	// AcceptAmbiguous: transport failure with unknown server outcome. Never
	// auto-retried; the caller decides whether to re-query ride state.
	AcceptAmbiguous AcceptStatus = "ambiguous"
)

// AcceptResult is returned for every attempt that reached (or tried to reach)
// the backend.
type AcceptResult struct {
	Status AcceptStatus
	RideID string
	Reason string
	Err    error
}

// AcceptReply is the backend's answer to one atomic accept request.
type AcceptReply struct {
	Won    bool
	RideID string
	Status string
	Reason string
}

// Backend issues the server-side atomic accept. Exactly one accept can
// succeed per offer across concurrent drivers; the atomicity lives there.
type Backend interface {
	AcceptRide(ctx context.Context, driverID, rideID string) (AcceptReply, error)
}

// Coordinator owns the at-most-one-offer invariant, the distance admission
// rule, and the accept/decline protocol.
type Coordinator struct {
	store   *state.Store
	backend Backend
	ids     identity.Provider
	log     *slog.Logger

	admissionKm float64

	// OnAdmitted, if set, fires when an offer is installed as current; the
	// shell uses it for alerts and haptics.
	OnAdmitted func(models.Offer)

	mu       sync.Mutex
	inflight bool
}

func NewCoordinator(store *state.Store, backend Backend, ids identity.Provider, log *slog.Logger, admissionKm float64) *Coordinator {
	if admissionKm <= 0 {
		admissionKm = 20
	}
	return &Coordinator{
		store:       store,
		backend:     backend,
		ids:         ids,
		log:         log,
		admissionKm: admissionKm,
	}
}

// OnOfferCreated applies the admission rule. A busy slot or a too-distant
// pickup drops the offer silently; an unknown driver location admits without
// distance filtering.
func (c *Coordinator) OnOfferCreated(o models.Offer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.store.Offer(); cur != nil {
		observability.OffersDropped.WithLabelValues("busy").Inc()
		c.log.Debug("offer dropped, slot occupied", "ride_id", o.ID, "current", cur.ID)
		return
	}
	if c.inflight {
		// a pending offer must never coexist with an acceptance in flight
		// for a different ride
		observability.OffersDropped.WithLabelValues("busy").Inc()
		c.log.Debug("offer dropped, accept in flight", "ride_id", o.ID)
		return
	}
	if loc := c.store.Location(); loc != nil && o.Pickup.Known() {
		dist := geo.Distance(loc.Lat, loc.Lng, o.Pickup.Lat, o.Pickup.Lng)
		if dist > c.admissionKm {
			observability.OffersDropped.WithLabelValues("too_far").Inc()
			c.log.Debug("offer dropped, pickup too far", "ride_id", o.ID, "distance_km", dist)
			return
		}
	}

	c.store.SetOffer(&o)
	observability.OffersAdmitted.Inc()
	c.log.Info("offer admitted", "ride_id", o.ID, "vehicle_type", o.VehicleType)
	if c.OnAdmitted != nil {
		c.OnAdmitted(o)
	}
}

// OnOfferUpdated applies the update only when it references the current offer.
func (c *Coordinator) OnOfferUpdated(o models.Offer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.store.Offer(); cur != nil && cur.ID == o.ID {
		c.store.SetOffer(&o)
	}
}

// OnOfferRemoved clears the current offer only when the ids match.
func (c *Coordinator) OnOfferRemoved(rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.store.Offer(); cur != nil && cur.ID == rideID {
		c.store.ClearOffer()
		c.log.Info("offer withdrawn", "ride_id", rideID)
	}
}

// Accept issues one atomic accept request against the current offer. The
// offer id is captured at issue time; the outcome is reconciled against that
// captured id, not whatever the store holds when the response returns. On any
// failure the offer slot is cleared so a stale offer is never shown.
//
// Local rejections (mismatched id, accept in flight, no identity) return a
// non-nil error without a round trip; everything that reached the backend is
// encoded in the result.
func (c *Coordinator) Accept(ctx context.Context, rideID string) (AcceptResult, error) {
	c.mu.Lock()
	if c.inflight {
		c.mu.Unlock()
		observability.AcceptsTotal.WithLabelValues("rejected_local").Inc()
		return AcceptResult{}, ErrAcceptInFlight
	}
	cur := c.store.Offer()
	if cur == nil || cur.ID != rideID {
		c.mu.Unlock()
		observability.AcceptsTotal.WithLabelValues("rejected_local").Inc()
		return AcceptResult{}, ErrOfferMismatch
	}
	driverID, ok := c.ids.CurrentDriverID()
	if !ok {
		c.mu.Unlock()
		observability.AcceptsTotal.WithLabelValues("rejected_local").Inc()
		return AcceptResult{}, ErrNotAuthenticated
	}
	captured := *cur
	c.inflight = true
	c.mu.Unlock()

	attemptID := uuid.NewString()
	c.log.Info("accept issued", "ride_id", captured.ID, "attempt_id", attemptID)

	reply, err := c.backend.AcceptRide(ctx, driverID, captured.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight = false

	// clear only the offer this attempt was issued against; the slot may
	// already hold a different offer by now
	if now := c.store.Offer(); now != nil && now.ID == captured.ID {
		c.store.ClearOffer()
	}

	if err != nil {
		observability.AcceptsTotal.WithLabelValues("ambiguous").Inc()
		c.log.Error("accept outcome unknown", "ride_id", captured.ID, "attempt_id", attemptID, "error", err)
		return AcceptResult{Status: AcceptAmbiguous, RideID: captured.ID, Err: err}, nil
	}
	if !reply.Won {
		observability.AcceptsTotal.WithLabelValues("lost").Inc()
		c.log.Info("accept lost", "ride_id", captured.ID, "reason", reply.Reason)
		return AcceptResult{Status: AcceptLost, RideID: captured.ID, Reason: reply.Reason}, nil
	}

	status := reply.Status
	if status == "" {
		status = "accepted"
	}
	c.store.SetAssignment(&models.Assignment{
		Ride:       captured,
		Status:     status,
		AcceptedAt: time.Now(),
	})
	observability.AcceptsTotal.WithLabelValues("won").Inc()
	c.log.Info("accept won", "ride_id", captured.ID, "status", status)
	return AcceptResult{Status: AcceptWon, RideID: captured.ID}, nil
}

// Decline dismisses the current offer locally. No backend call: the offer
// stays visible to other drivers.
func (c *Coordinator) Decline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.ClearOffer()
}
