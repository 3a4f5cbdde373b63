package shipmentsapi

import (
	"time"

	"github.com/BearBump/ShipRecon/internal/models"
)

type shipmentDTO struct {
	ID             uint64     `json:"id"`
	TrackingNumber string     `json:"trackingNumber"`
	CarrierCode    string     `json:"carrierCode"`
	State          string     `json:"state"`
	Status         string     `json:"status,omitempty"`
	StatusRaw      string     `json:"statusRaw,omitempty"`
	EventTime      *time.Time `json:"eventTime,omitempty"`
	EventTimeRaw   string     `json:"eventTimeRaw,omitempty"`
	Location       *string    `json:"location,omitempty"`
	LastCheckAt    *time.Time `json:"lastCheckAt,omitempty"`
	NextCheckAt    time.Time  `json:"nextCheckAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type userShipmentDTO struct {
	shipmentDTO
	ItemName     string    `json:"itemName"`
	Muted        bool      `json:"muted"`
	SubscribedAt time.Time `json:"subscribedAt"`
}

type eventDTO struct {
	ID           uint64     `json:"id"`
	ShipmentID   uint64     `json:"shipmentId"`
	Status       string     `json:"status"`
	StatusRaw    string     `json:"statusRaw"`
	EventTime    *time.Time `json:"eventTime,omitempty"`
	EventTimeRaw string     `json:"eventTimeRaw,omitempty"`
	Location     *string    `json:"location,omitempty"`
	Message      *string    `json:"message,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func toShipmentDTO(sh *models.Shipment) shipmentDTO {
	dto := shipmentDTO{
		ID:             sh.ID,
		TrackingNumber: sh.TrackingNumber,
		CarrierCode:    sh.CarrierCode,
		State:          sh.State,
		LastCheckAt:    sh.LastCheckAt,
		NextCheckAt:    sh.NextCheckAt,
		DeliveredAt:    sh.DeliveredAt,
		CreatedAt:      sh.CreatedAt,
		UpdatedAt:      sh.UpdatedAt,
	}
	if sh.LastEvent != nil {
		dto.Status = sh.LastEvent.Status
		dto.StatusRaw = sh.LastEvent.StatusRaw
		dto.EventTime = sh.LastEvent.EventTime
		dto.EventTimeRaw = sh.LastEvent.EventTimeRaw
		dto.Location = sh.LastEvent.Location
	}
	return dto
}

func toUserShipmentDTO(us *models.UserShipment) userShipmentDTO {
	return userShipmentDTO{
		shipmentDTO:  toShipmentDTO(us.Shipment),
		ItemName:     us.ItemName,
		Muted:        us.Muted,
		SubscribedAt: us.SubscribedAt,
	}
}

func toEventDTO(e *models.ShipmentEvent) eventDTO {
	return eventDTO{
		ID:           e.ID,
		ShipmentID:   e.ShipmentID,
		Status:       e.Status,
		StatusRaw:    e.StatusRaw,
		EventTime:    e.EventTime,
		EventTimeRaw: e.EventTimeRaw,
		Location:     e.Location,
		Message:      e.Message,
		CreatedAt:    e.CreatedAt,
	}
}
