package models

import "time"

// Location is the last device fix. Ephemeral: overwritten on every accepted
// sample, never persisted across restarts.
type Location struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

type Place struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// Known reports whether the place carries real coordinates. The wire format
// defaults missing coordinates to zero, which we treat as "unknown".
func (p Place) Known() bool {
	return p.Lat != 0 || p.Lng != 0
}

const OfferStatusPending = "pending"

// Offer is a ride request visible to the driver before acceptance.
// Identity is ID; at most one offer occupies the current-offer slot.
type Offer struct {
	ID                string     `json:"id"`
	ClientID          string     `json:"client_id,omitempty"`
	Pickup            Place      `json:"pickup"`
	Dropoff           Place      `json:"dropoff"`
	EstimatedPrice    *float64   `json:"estimated_price,omitempty"`
	EstimatedDistance *float64   `json:"estimated_distance,omitempty"`
	EstimatedDuration *float64   `json:"estimated_duration,omitempty"`
	VehicleType       string     `json:"vehicle_type"`
	PickupTime        *time.Time `json:"pickup_time,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	Status            string     `json:"status"`
}

// Assignment is an offer the driver has successfully accepted.
type Assignment struct {
	Ride       Offer     `json:"ride"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Stats are accumulated externally; the agent only merges partial updates.
type Stats struct {
	EarningsAccrued float64 `json:"earnings_accrued"`
	RidesCompleted  int     `json:"rides_completed"`
	OnlineMinutes   int     `json:"online_minutes"`
	Rating          float64 `json:"rating"`
}

// StatsDelta is a partial Stats update; nil fields are left untouched.
type StatsDelta struct {
	EarningsAccrued *float64
	RidesCompleted  *int
	OnlineMinutes   *int
	Rating          *float64
}

// RideRecord is the rides row as it appears on the event stream and in
// backfill queries. Optional columns are pointers so absence survives decoding.
type RideRecord struct {
	ID             string   `json:"id"`
	UserID         string   `json:"user_id"`
	PickupAddress  string   `json:"pickup_address"`
	DropoffAddress string   `json:"dropoff_address"`
	PickupLat      *float64 `json:"pickup_lat"`
	PickupLon      *float64 `json:"pickup_lon"`
	DropoffLat     *float64 `json:"dropoff_lat"`
	DropoffLon     *float64 `json:"dropoff_lon"`
	PickupTime     *string  `json:"pickup_time"`
	VehicleType    string   `json:"vehicle_type"`
	Distance       *float64 `json:"distance"`
	Duration       *float64 `json:"duration"`
	EstimatedPrice *float64 `json:"estimated_price"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"created_at"`
}

// OfferFromRecord normalizes a wire record into an Offer. Fields absent on the
// wire default to their zero value per field, never to an error.
func OfferFromRecord(rec RideRecord) Offer {
	o := Offer{
		ID:                rec.ID,
		ClientID:          rec.UserID,
		Pickup:            Place{Address: rec.PickupAddress},
		Dropoff:           Place{Address: rec.DropoffAddress},
		EstimatedPrice:    rec.EstimatedPrice,
		EstimatedDistance: rec.Distance,
		EstimatedDuration: rec.Duration,
		VehicleType:       rec.VehicleType,
		Status:            rec.Status,
	}
	if rec.PickupLat != nil {
		o.Pickup.Lat = *rec.PickupLat
	}
	if rec.PickupLon != nil {
		o.Pickup.Lng = *rec.PickupLon
	}
	if rec.DropoffLat != nil {
		o.Dropoff.Lat = *rec.DropoffLat
	}
	if rec.DropoffLon != nil {
		o.Dropoff.Lng = *rec.DropoffLon
	}
	if rec.PickupTime != nil {
		if t, err := time.Parse(time.RFC3339, *rec.PickupTime); err == nil {
			o.PickupTime = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
		o.CreatedAt = t
	}
	return o
}
