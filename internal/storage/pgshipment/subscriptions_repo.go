package pgshipment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipRecon/internal/models"
)

// Subscribe links a user to a shipment, or refreshes the item name on the
// existing link. The mute flag survives re-subscribing.
func (s *Storage) Subscribe(ctx context.Context, userID int64, shipmentID uint64, itemName string) (*models.Subscription, error) {
	now := time.Now().UTC()

	var sub models.Subscription
	err := s.db.QueryRow(ctx, `
INSERT INTO subscriptions (user_id, shipment_id, item_name, created_at, updated_at)
VALUES ($1,$2,$3,$4,$4)
ON CONFLICT (user_id, shipment_id)
DO UPDATE SET item_name = EXCLUDED.item_name, updated_at = now()
RETURNING id, user_id, shipment_id, item_name, muted, created_at, updated_at
`, userID, shipmentID, itemName, now).Scan(
		&sub.ID, &sub.UserID, &sub.ShipmentID, &sub.ItemName, &sub.Muted, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert subscription")
	}
	return &sub, nil
}

// ToggleMute flips the mute flag and returns its new value.
func (s *Storage) ToggleMute(ctx context.Context, userID int64, shipmentID uint64) (bool, error) {
	var muted bool
	err := s.db.QueryRow(ctx, `
UPDATE subscriptions SET muted = NOT muted, updated_at = now()
WHERE user_id = $1 AND shipment_id = $2
RETURNING muted
`, userID, shipmentID).Scan(&muted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, errors.Wrap(err, "toggle mute")
	}
	return muted, nil
}

func (s *Storage) RenameSubscription(ctx context.Context, userID int64, shipmentID uint64, itemName string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE subscriptions SET item_name = $3, updated_at = now()
WHERE user_id = $1 AND shipment_id = $2
`, userID, shipmentID, itemName)
	if err != nil {
		return errors.Wrap(err, "rename subscription")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveSubscription deletes the user's link to the shipment and returns
// how many subscribers remain, so the caller can decide whether the
// shipment still needs polling.
func (s *Storage) RemoveSubscription(ctx context.Context, userID int64, shipmentID uint64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
DELETE FROM subscriptions WHERE user_id = $1 AND shipment_id = $2
`, userID, shipmentID)
	if err != nil {
		return 0, errors.Wrap(err, "delete subscription")
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}

	var remaining int64
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM subscriptions WHERE shipment_id = $1
`, shipmentID).Scan(&remaining); err != nil {
		return 0, errors.Wrap(err, "count remaining subscribers")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return remaining, nil
}

// CountActiveForUser counts the user's subscriptions to shipments that are
// still being polled. Archived shipments do not count against the cap.
func (s *Storage) CountActiveForUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM subscriptions sub
JOIN shipments sh ON sh.id = sub.shipment_id
WHERE sub.user_id = $1 AND sh.state = $2
`, userID, models.StateActive).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count active subscriptions")
	}
	return n, nil
}

// ListForUser returns the user's shipments newest first, joined with the
// user's own subscription attributes.
func (s *Storage) ListForUser(ctx context.Context, userID int64, includeArchived bool) ([]*models.UserShipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT
  sub.item_name, sub.muted, sub.created_at,
  sh.id, sh.tracking_number, sh.carrier_code, sh.state,
  sh.status, sh.status_raw, sh.event_time, sh.event_time_raw, sh.location, sh.payload,
  sh.fingerprint, sh.last_check_at, sh.next_check_at, sh.delivered_at,
  sh.created_at, sh.updated_at
FROM subscriptions sub
JOIN shipments sh ON sh.id = sub.shipment_id
WHERE sub.user_id = $1
  AND ($2 OR sh.state = $3)
ORDER BY sub.created_at DESC
`, userID, includeArchived, models.StateActive)
	if err != nil {
		return nil, errors.Wrap(err, "select user shipments")
	}
	defer rows.Close()

	var out []*models.UserShipment
	for rows.Next() {
		us, err := scanUserShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan user shipment")
		}
		out = append(out, us)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListSubscribers returns everyone linked to the shipment. Muted
// subscriptions are filtered here, at read time, so a mute applies to
// messages already published but not yet delivered.
func (s *Storage) ListSubscribers(ctx context.Context, shipmentID uint64, includeMuted bool) ([]*models.Subscription, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, user_id, shipment_id, item_name, muted, created_at, updated_at
FROM subscriptions
WHERE shipment_id = $1
  AND ($2 OR NOT muted)
ORDER BY id ASC
`, shipmentID, includeMuted)
	if err != nil {
		return nil, errors.Wrap(err, "select subscribers")
	}
	defer rows.Close()

	var out []*models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(
			&sub.ID, &sub.UserID, &sub.ShipmentID, &sub.ItemName, &sub.Muted, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan subscriber")
		}
		out = append(out, &sub)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanUserShipment(row rowScanner) (*models.UserShipment, error) {
	var (
		us           models.UserShipment
		sh           models.Shipment
		status       string
		statusRaw    string
		eventTime    *time.Time
		eventTimeRaw string
		location     *string
		payload      []byte
	)
	if err := row.Scan(
		&us.ItemName, &us.Muted, &us.SubscribedAt,
		&sh.ID, &sh.TrackingNumber, &sh.CarrierCode, &sh.State,
		&status, &statusRaw, &eventTime, &eventTimeRaw, &location, &payload,
		&sh.Fingerprint, &sh.LastCheckAt, &sh.NextCheckAt, &sh.DeliveredAt,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if sh.Fingerprint != "" {
		sh.LastEvent = &models.Event{
			Status:       status,
			StatusRaw:    statusRaw,
			EventTime:    eventTime,
			EventTimeRaw: eventTimeRaw,
			Location:     location,
			Payload:      payload,
		}
	}
	us.Shipment = &sh
	return &us, nil
}
