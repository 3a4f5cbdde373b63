package reconciler

import (
	"time"

	"github.com/BearBump/ShipRecon/internal/models"
)

// PlannerConfig tunes how far ahead the next provider check is scheduled.
// The defaults follow the delivery tempo each status implies: a parcel out
// for delivery changes within the hour, one sitting in a sorting hub does
// not.
type PlannerConfig struct {
	NoEventDelay        time.Duration // default: 2h, registered but nothing observed yet
	NoDataDelay         time.Duration // default: 1h, provider had nothing this cycle
	OutForDeliveryDelay time.Duration // default: 15m
	ArrivedDelay        time.Duration // default: 90m, destination country or customs
	InTransitDelay      time.Duration // default: 5h, also sorting hubs
	ExceptionDelay      time.Duration // default: 1h
	InfoReceivedDelay   time.Duration // default: 6h
	DefaultDelay        time.Duration // default: 4h
	RateLimitDefer      time.Duration // default: 5m
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		NoEventDelay:        2 * time.Hour,
		NoDataDelay:         1 * time.Hour,
		OutForDeliveryDelay: 15 * time.Minute,
		ArrivedDelay:        90 * time.Minute,
		InTransitDelay:      5 * time.Hour,
		ExceptionDelay:      1 * time.Hour,
		InfoReceivedDelay:   6 * time.Hour,
		DefaultDelay:        4 * time.Hour,
		RateLimitDefer:      5 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if cfg.NoEventDelay <= 0 {
		cfg.NoEventDelay = def.NoEventDelay
	}
	if cfg.NoDataDelay <= 0 {
		cfg.NoDataDelay = def.NoDataDelay
	}
	if cfg.OutForDeliveryDelay <= 0 {
		cfg.OutForDeliveryDelay = def.OutForDeliveryDelay
	}
	if cfg.ArrivedDelay <= 0 {
		cfg.ArrivedDelay = def.ArrivedDelay
	}
	if cfg.InTransitDelay <= 0 {
		cfg.InTransitDelay = def.InTransitDelay
	}
	if cfg.ExceptionDelay <= 0 {
		cfg.ExceptionDelay = def.ExceptionDelay
	}
	if cfg.InfoReceivedDelay <= 0 {
		cfg.InfoReceivedDelay = def.InfoReceivedDelay
	}
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = def.DefaultDelay
	}
	if cfg.RateLimitDefer <= 0 {
		cfg.RateLimitDefer = def.RateLimitDefer
	}
	return &Planner{cfg: cfg}
}

func DefaultPlanner() *Planner {
	return NewPlanner(DefaultPlannerConfig())
}

// NextCheckDelay picks the polling interval for the status a shipment holds
// after reconciliation. hasEvent distinguishes "registered, never seen" from
// statuses derived from a real event. DELIVERED never reaches the planner;
// delivered shipments are archived instead of rescheduled.
func (p *Planner) NextCheckDelay(status string, hasEvent bool) time.Duration {
	if !hasEvent {
		return p.cfg.NoEventDelay
	}
	switch status {
	case models.StatusOutForDelivery:
		return p.cfg.OutForDeliveryDelay
	case models.StatusArrivedDestination, models.StatusCustoms:
		return p.cfg.ArrivedDelay
	case models.StatusInTransit, models.StatusArrivedSorting:
		return p.cfg.InTransitDelay
	case models.StatusException:
		return p.cfg.ExceptionDelay
	case models.StatusInfoReceived:
		return p.cfg.InfoReceivedDelay
	default:
		return p.cfg.DefaultDelay
	}
}

// NoDataDelay is the retry interval when the provider returned nothing for
// a shipment this cycle, regardless of what is stored.
func (p *Planner) NoDataDelay() time.Duration {
	return p.cfg.NoDataDelay
}

// RateLimitDefer is how long a whole batch is pushed out after the provider
// rate-limits it.
func (p *Planner) RateLimitDefer() time.Duration {
	return p.cfg.RateLimitDefer
}
