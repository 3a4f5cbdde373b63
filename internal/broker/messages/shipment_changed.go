package messages

import "time"

// ShipmentChanged is published after a reconciliation pass persisted new
// information for a shipment. It carries shipment-level facts only; the
// subscriber list is resolved at consume time so mutes and removals apply
// to messages already in flight.
type ShipmentChanged struct {
	ShipmentID     uint64 `json:"shipment_id"`
	TrackingNumber string `json:"tracking_number"`
	CarrierCode    string `json:"carrier_code"`

	Status       string     `json:"status"`
	StatusRaw    string     `json:"status_raw"`
	EventTime    *time.Time `json:"event_time,omitempty"`
	EventTimeRaw string     `json:"event_time_raw,omitempty"`
	Location     *string    `json:"location,omitempty"`

	Fingerprint string    `json:"fingerprint"`
	CheckedAt   time.Time `json:"checked_at"`
}
