package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipRecon/internal/broker/messages"
	"github.com/BearBump/ShipRecon/internal/cache"
	"github.com/BearBump/ShipRecon/internal/integrations/provider"
	"github.com/BearBump/ShipRecon/internal/models"
)

// ErrTooManyActive is returned when a register would exceed the per-user
// cap on active shipments.
var ErrTooManyActive = errors.New("active shipment limit reached")

// CooldownError reports a manual refresh attempted before the previous
// one's window expired.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("refresh cooldown active, retry in %s", e.RetryAfter.Round(time.Second))
}

type Repository interface {
	CreateOrGetShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error)
	GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error)
	ArchiveShipment(ctx context.Context, id uint64, deliveredAt *time.Time) error
	ReactivateShipment(ctx context.Context, id uint64) error
	Subscribe(ctx context.Context, userID int64, shipmentID uint64, itemName string) (*models.Subscription, error)
	ToggleMute(ctx context.Context, userID int64, shipmentID uint64) (bool, error)
	RenameSubscription(ctx context.Context, userID int64, shipmentID uint64, itemName string) error
	RemoveSubscription(ctx context.Context, userID int64, shipmentID uint64) (int64, error)
	CountActiveForUser(ctx context.Context, userID int64) (int, error)
	ListForUser(ctx context.Context, userID int64, includeArchived bool) ([]*models.UserShipment, error)
	ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ShipmentEvent, error)
}

// Refresher runs the reconciliation pipeline for a single shipment. Manual
// refresh goes through the exact pipeline the scheduler uses; the service
// never talks to the provider's tracking endpoints itself.
type Refresher interface {
	ReconcileOne(ctx context.Context, shipmentID uint64) (*models.Shipment, bool, error)
}

// Cooldown guards the manual refresh budget. A denied Acquire reports how
// long the caller has to wait.
type Cooldown interface {
	Acquire(ctx context.Context, key string, window time.Duration) (bool, time.Duration, error)
}

type Service struct {
	repo      Repository
	provider  provider.Client
	refresher Refresher
	cache     cache.BytesCache
	cooldown  Cooldown

	currentTTL      time.Duration
	refreshCooldown time.Duration
	maxActive       int
}

func New(repo Repository, client provider.Client, refresher Refresher) *Service {
	return &Service{
		repo:      repo,
		provider:  client,
		refresher: refresher,

		currentTTL:      time.Minute,
		refreshCooldown: 10 * time.Minute,
		maxActive:       30,
	}
}

// WithCache enables the read-side cache. ttl <= 0 leaves caching off.
func (s *Service) WithCache(c cache.BytesCache, ttl time.Duration) *Service {
	s.cache = c
	if ttl > 0 {
		s.currentTTL = ttl
	}
	return s
}

// WithCooldown enables the manual refresh cooldown. window <= 0 keeps the
// default.
func (s *Service) WithCooldown(cd Cooldown, window time.Duration) *Service {
	s.cooldown = cd
	if window > 0 {
		s.refreshCooldown = window
	}
	return s
}

func (s *Service) WithMaxActive(n int) *Service {
	if n > 0 {
		s.maxActive = n
	}
	return s
}

type RegisterInput struct {
	TrackingNumber string
	CarrierCode    string
	ItemName       string
}

// Register subscribes a user to a shipment, creating it on first sight.
// Idempotent on (trackingNumber, carrierCode): a second registration of
// the same number lands on the same shipment row. A brand-new shipment is
// reconciled inline before the subscription exists, so the caller gets the
// initial state in the response without triggering a change notification.
func (s *Service) Register(ctx context.Context, userID int64, in RegisterInput) (*models.UserShipment, error) {
	number := strings.ToUpper(strings.TrimSpace(in.TrackingNumber))
	if number == "" {
		return nil, errors.New("trackingNumber is required")
	}

	carrier := strings.TrimSpace(in.CarrierCode)
	if carrier == "" {
		cands, err := s.provider.DetectCarriers(ctx, number)
		if err != nil {
			return nil, errors.Wrap(err, "detect carriers")
		}
		carrier = cands[0].Code
	}

	active, err := s.repo.CountActiveForUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "count active shipments")
	}
	if active >= s.maxActive {
		return nil, ErrTooManyActive
	}

	if err := s.provider.Register(ctx, number, carrier); err != nil {
		return nil, errors.Wrap(err, "register with provider")
	}

	sh, err := s.repo.CreateOrGetShipment(ctx, models.ShipmentCreateInput{
		TrackingNumber: number,
		CarrierCode:    carrier,
	})
	if err != nil {
		return nil, err
	}

	// Re-registering an archived-but-undelivered shipment puts it back on
	// the schedule. Delivered shipments stay archived.
	if sh.State == models.StateArchived && sh.DeliveredAt == nil {
		if err := s.repo.ReactivateShipment(ctx, sh.ID); err != nil {
			return nil, err
		}
		sh.State = models.StateActive
	}

	if sh.LastCheckAt == nil {
		if fresh, _, err := s.refresher.ReconcileOne(ctx, sh.ID); err != nil {
			// Not fatal: the shipment is due now, the scheduler picks it
			// up on its next tick.
			slog.Warn("initial reconcile", "shipment_id", sh.ID, "error", err.Error())
		} else {
			sh = fresh
		}
	}

	sub, err := s.repo.Subscribe(ctx, userID, sh.ID, strings.TrimSpace(in.ItemName))
	if err != nil {
		return nil, err
	}

	s.dropUserCache(ctx, userID)

	return &models.UserShipment{
		Shipment:     sh,
		ItemName:     sub.ItemName,
		Muted:        sub.Muted,
		SubscribedAt: sub.CreatedAt,
	}, nil
}

func (s *Service) DetectCarriers(ctx context.Context, trackingNumber string) ([]provider.CarrierCandidate, error) {
	number := strings.ToUpper(strings.TrimSpace(trackingNumber))
	if number == "" {
		return nil, errors.New("trackingNumber is required")
	}
	return s.provider.DetectCarriers(ctx, number)
}

// Refresh runs the shared reconciliation pipeline for one shipment on user
// demand. The per-user cooldown burns on every attempt, success or not, so
// a flapping provider cannot be hammered through the manual path.
func (s *Service) Refresh(ctx context.Context, userID int64, shipmentID uint64) (*models.Shipment, bool, error) {
	if shipmentID == 0 {
		return nil, false, errors.New("shipmentId is required")
	}

	if s.cooldown != nil {
		ok, wait, err := s.cooldown.Acquire(ctx, refreshKey(userID), s.refreshCooldown)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, &CooldownError{RetryAfter: wait}
		}
	}

	sh, changed, err := s.refresher.ReconcileOne(ctx, shipmentID)
	if err != nil {
		return nil, false, err
	}

	if s.cache != nil && s.currentTTL > 0 {
		if b, err := json.Marshal(sh); err == nil {
			_ = s.cache.Set(ctx, currentKey(sh.ID), b, s.currentTTL)
		}
	}
	s.dropUserCache(ctx, userID)

	return sh, changed, nil
}

// GetShipment reads one shipment through the cache.
func (s *Service) GetShipment(ctx context.Context, shipmentID uint64) (*models.Shipment, error) {
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(shipmentID)); err == nil && ok {
			var sh models.Shipment
			if json.Unmarshal(b, &sh) == nil {
				return &sh, nil
			}
		}
	}

	sh, err := s.repo.GetShipmentByID(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && s.currentTTL > 0 {
		if b, err := json.Marshal(sh); err == nil {
			_ = s.cache.Set(ctx, currentKey(sh.ID), b, s.currentTTL)
		}
	}
	return sh, nil
}

// List returns the user's shipments newest subscription first, through the
// cache.
func (s *Service) List(ctx context.Context, userID int64, includeArchived bool) ([]*models.UserShipment, error) {
	key := listKey(userID, includeArchived)
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var out []*models.UserShipment
			if json.Unmarshal(b, &out) == nil {
				return out, nil
			}
		}
	}

	out, err := s.repo.ListForUser(ctx, userID, includeArchived)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && s.currentTTL > 0 {
		if b, err := json.Marshal(out); err == nil {
			_ = s.cache.Set(ctx, key, b, s.currentTTL)
		}
	}
	return out, nil
}

func (s *Service) Events(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ShipmentEvent, error) {
	if shipmentID == 0 {
		return nil, errors.New("shipmentId is required")
	}
	return s.repo.ListShipmentEvents(ctx, shipmentID, limit, offset)
}

// MuteToggle flips the caller's muted flag and returns the new value.
func (s *Service) MuteToggle(ctx context.Context, userID int64, shipmentID uint64) (bool, error) {
	muted, err := s.repo.ToggleMute(ctx, userID, shipmentID)
	if err != nil {
		return false, err
	}
	s.dropUserCache(ctx, userID)
	return muted, nil
}

func (s *Service) Rename(ctx context.Context, userID int64, shipmentID uint64, itemName string) error {
	name := strings.TrimSpace(itemName)
	if name == "" {
		return errors.New("itemName is required")
	}
	if err := s.repo.RenameSubscription(ctx, userID, shipmentID, name); err != nil {
		return err
	}
	s.dropUserCache(ctx, userID)
	return nil
}

// Archive retires the shipment from polling for every subscriber. Never
// stamps delivered_at: that is reserved for the delivery transition.
func (s *Service) Archive(ctx context.Context, userID int64, shipmentID uint64) error {
	if err := s.repo.ArchiveShipment(ctx, shipmentID, nil); err != nil {
		return err
	}
	s.dropShipmentCache(ctx, shipmentID)
	s.dropUserCache(ctx, userID)
	return nil
}

// Restore puts an archived shipment back on the schedule, due immediately.
func (s *Service) Restore(ctx context.Context, userID int64, shipmentID uint64) error {
	if err := s.repo.ReactivateShipment(ctx, shipmentID); err != nil {
		return err
	}
	s.dropShipmentCache(ctx, shipmentID)
	s.dropUserCache(ctx, userID)
	return nil
}

// Remove drops the caller's subscription. The shipment itself survives for
// any remaining subscribers; when the last one leaves it is archived so the
// scheduler stops polling a parcel nobody watches.
func (s *Service) Remove(ctx context.Context, userID int64, shipmentID uint64) error {
	remaining, err := s.repo.RemoveSubscription(ctx, userID, shipmentID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := s.repo.ArchiveShipment(ctx, shipmentID, nil); err != nil {
			return errors.Wrap(err, "archive orphaned shipment")
		}
		s.dropShipmentCache(ctx, shipmentID)
	}
	s.dropUserCache(ctx, userID)
	return nil
}

// ApplyChange reacts to a shipment change announced on the broker by
// dropping the shipment's cached current entry, so the next read refetches
// the fresh row from Postgres. Worker writes land in the API's cache no
// later than the change message does.
func (s *Service) ApplyChange(ctx context.Context, msg messages.ShipmentChanged) error {
	s.dropShipmentCache(ctx, msg.ShipmentID)
	return nil
}

func (s *Service) dropUserCache(ctx context.Context, userID int64) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	_ = s.cache.Del(ctx, listKey(userID, false), listKey(userID, true))
}

func (s *Service) dropShipmentCache(ctx context.Context, shipmentID uint64) {
	if s.cache == nil || s.currentTTL <= 0 {
		return
	}
	_ = s.cache.Del(ctx, currentKey(shipmentID))
}

func currentKey(id uint64) string {
	return fmt.Sprintf("shipment:%d:current", id)
}

func listKey(userID int64, includeArchived bool) string {
	if includeArchived {
		return fmt.Sprintf("user:%d:shipments:all", userID)
	}
	return fmt.Sprintf("user:%d:shipments", userID)
}

func refreshKey(userID int64) string {
	return fmt.Sprintf("refresh:%d", userID)
}
