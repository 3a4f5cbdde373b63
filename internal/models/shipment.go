package models

import (
	"encoding/json"
	"time"
)

// Normalized statuses. Closed set: adapters must map provider payloads
// onto one of these, falling back to IN_TRANSIT for a received event.
const (
	StatusInfoReceived       = "INFO_RECEIVED"
	StatusInTransit          = "IN_TRANSIT"
	StatusArrivedSorting     = "ARRIVED_SORTING_CENTER"
	StatusArrivedDestination = "ARRIVED_DESTINATION"
	StatusCustoms            = "CUSTOMS"
	StatusOutForDelivery     = "OUT_FOR_DELIVERY"
	StatusDelivered          = "DELIVERED"
	StatusException          = "EXCEPTION"
	StatusExpired            = "EXPIRED"
	StatusUnknown            = "UNKNOWN"
)

const (
	StateActive   = "ACTIVE"
	StateArchived = "ARCHIVED"
)

// Event is the canonical form of "what happened to a parcel", as reported
// by a tracking provider and normalized by the provider adapter.
//
// EventTime is nil when the provider's timestamp could not be parsed; it is
// never substituted with the current time, because a synthetic "now" would
// corrupt both event ordering and change detection. EventTimeRaw keeps the
// provider's original timestamp string for dedup and diagnostics.
type Event struct {
	Status       string
	StatusRaw    string
	EventTime    *time.Time
	EventTimeRaw string
	Location     *string
	Payload      json.RawMessage
}

// Shipment is unique per (TrackingNumber, CarrierCode) no matter how many
// subscribers track it. LastEvent/Fingerprint are empty until the first
// confirmed event. NextCheckAt is always set while the shipment is ACTIVE.
type Shipment struct {
	ID             uint64
	TrackingNumber string
	CarrierCode    string
	State          string
	LastEvent      *Event
	Fingerprint    string
	LastCheckAt    *time.Time
	NextCheckAt    time.Time
	DeliveredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ShipmentEvent is one row of a shipment's append-only history.
type ShipmentEvent struct {
	ID           uint64
	ShipmentID   uint64
	Status       string
	StatusRaw    string
	EventTime    *time.Time
	EventTimeRaw string
	Location     *string
	Message      *string
	Payload      json.RawMessage
	CreatedAt    time.Time
}

// Subscription links a user to a shipment. Unique per (UserID, ShipmentID).
// A subscription never owns the shipment's lifecycle: archiving and
// restoring act on the shipment itself.
type Subscription struct {
	ID         uint64
	UserID     int64
	ShipmentID uint64
	ItemName   string
	Muted      bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ShipmentCreateInput struct {
	TrackingNumber string
	CarrierCode    string
}

// UserShipment is the joined view a user sees in listings: the shared
// shipment plus that user's own subscription attributes.
type UserShipment struct {
	Shipment     *Shipment
	ItemName     string
	Muted        bool
	SubscribedAt time.Time
}
