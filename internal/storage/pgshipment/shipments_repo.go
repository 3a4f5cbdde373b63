package pgshipment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipRecon/internal/models"
)

const shipmentColumns = `
  id, tracking_number, carrier_code, state,
  status, status_raw, event_time, event_time_raw, location, payload,
  fingerprint, last_check_at, next_check_at, delivered_at,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	var (
		sh           models.Shipment
		status       string
		statusRaw    string
		eventTime    *time.Time
		eventTimeRaw string
		location     *string
		payload      []byte
	)
	if err := row.Scan(
		&sh.ID, &sh.TrackingNumber, &sh.CarrierCode, &sh.State,
		&status, &statusRaw, &eventTime, &eventTimeRaw, &location, &payload,
		&sh.Fingerprint, &sh.LastCheckAt, &sh.NextCheckAt, &sh.DeliveredAt,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	// A non-empty fingerprint means at least one event was ever observed.
	if sh.Fingerprint != "" {
		ev := &models.Event{
			Status:       status,
			StatusRaw:    statusRaw,
			EventTime:    eventTime,
			EventTimeRaw: eventTimeRaw,
			Location:     location,
		}
		if len(payload) > 0 {
			ev.Payload = json.RawMessage(payload)
		}
		sh.LastEvent = ev
	}
	return &sh, nil
}

// CreateOrGetShipment inserts the shipment or returns the existing row for
// the same (tracking_number, carrier_code). New shipments are immediately
// due for their first poll.
func (s *Storage) CreateOrGetShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO shipments (
  tracking_number, carrier_code, status, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (tracking_number, carrier_code)
DO UPDATE SET updated_at = shipments.updated_at
RETURNING id
`, in.TrackingNumber, in.CarrierCode, models.StatusUnknown, now, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}

	return s.GetShipmentByID(ctx, id)
}

func (s *Storage) GetShipmentByID(ctx context.Context, id uint64) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id)
	sh, err := scanShipment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

// GetShipmentByNaturalKey looks a shipment up by the identity the outside
// world knows it by. Callers normalize the number before storing, so the
// lookup is exact-match.
func (s *Storage) GetShipmentByNaturalKey(ctx context.Context, trackingNumber, carrierCode string) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE tracking_number = $1 AND carrier_code = $2
`, trackingNumber, carrierCode)
	sh, err := scanShipment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "select shipment by natural key")
	}
	return sh, nil
}

// FindDueShipments returns active shipments whose next check time has
// passed, oldest first. The caller owns pacing; rows are not locked or
// leased, the engine runs one polling loop at a time.
func (s *Storage) FindDueShipments(ctx context.Context, now time.Time, limit int) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE state = $1
  AND next_check_at <= $2
ORDER BY next_check_at ASC
LIMIT $3
`, models.StateActive, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpsertShipment replaces the stored document with sh, last write wins.
// The row must already exist; creation goes through CreateOrGetShipment.
func (s *Storage) UpsertShipment(ctx context.Context, sh *models.Shipment) error {
	status := models.StatusUnknown
	var (
		statusRaw    string
		eventTime    *time.Time
		eventTimeRaw string
		location     *string
		payload      []byte
	)
	if sh.LastEvent != nil {
		status = sh.LastEvent.Status
		statusRaw = sh.LastEvent.StatusRaw
		eventTime = sh.LastEvent.EventTime
		eventTimeRaw = sh.LastEvent.EventTimeRaw
		location = sh.LastEvent.Location
		payload = sh.LastEvent.Payload
	}

	tag, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  state = $2,
  status = $3,
  status_raw = $4,
  event_time = $5,
  event_time_raw = $6,
  location = $7,
  payload = $8,
  fingerprint = $9,
  last_check_at = $10,
  next_check_at = $11,
  delivered_at = $12,
  updated_at = now()
WHERE id = $1
`, sh.ID, sh.State, status, statusRaw, eventTime, eventTimeRaw, location, payload,
		sh.Fingerprint, sh.LastCheckAt, sh.NextCheckAt.UTC(), sh.DeliveredAt)
	if err != nil {
		return errors.Wrap(err, "upsert shipment")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveShipment takes the shipment out of polling. deliveredAt is
// recorded only if no delivery time is stored yet, so the first observation
// sticks.
func (s *Storage) ArchiveShipment(ctx context.Context, id uint64, deliveredAt *time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE shipments
SET state = $2, delivered_at = COALESCE(delivered_at, $3), updated_at = now()
WHERE id = $1
`, id, models.StateArchived, deliveredAt)
	if err != nil {
		return errors.Wrap(err, "archive shipment")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReactivateShipment puts an archived shipment back into rotation and makes
// it due immediately.
func (s *Storage) ReactivateShipment(ctx context.Context, id uint64) error {
	tag, err := s.db.Exec(ctx, `
UPDATE shipments
SET state = $2, next_check_at = now(), updated_at = now()
WHERE id = $1
`, id, models.StateActive)
	if err != nil {
		return errors.Wrap(err, "reactivate shipment")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeferShipments pushes the next check of all given shipments to until.
// Used when the provider rate-limits a whole batch; the deferral must be
// persisted so a restart does not hammer the provider again.
func (s *Storage) DeferShipments(ctx context.Context, ids []uint64, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
UPDATE shipments SET next_check_at = $2, updated_at = now() WHERE id = ANY($1)
`, ids, until.UTC())
	return errors.Wrap(err, "defer shipments")
}

// ArchiveExpired archives active shipments created before the cutoff and
// stamps them EXPIRED. Returns the number of shipments archived.
func (s *Storage) ArchiveExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE shipments
SET state = $2, status = $3, updated_at = now()
WHERE state = $4 AND created_at < $1
`, cutoff.UTC(), models.StateArchived, models.StatusExpired, models.StateActive)
	if err != nil {
		return 0, errors.Wrap(err, "archive expired")
	}
	return tag.RowsAffected(), nil
}
