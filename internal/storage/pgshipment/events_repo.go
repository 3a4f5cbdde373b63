package pgshipment

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipRecon/internal/models"
)

// AppendEvents records history rows for a shipment. Duplicates of rows
// already stored (same raw status, raw time and location) are dropped by
// the unique index, so replays after a crash or a provider resend are
// harmless.
func (s *Storage) AppendEvents(ctx context.Context, shipmentID uint64, events []*models.ShipmentEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, e := range events {
		loc := ""
		if e.Location != nil {
			loc = *e.Location
		}
		msg := ""
		if e.Message != nil {
			msg = *e.Message
		}
		var payload []byte
		if len(e.Payload) > 0 {
			payload = e.Payload
		}

		_, err := tx.Exec(ctx, `
INSERT INTO shipment_events (
  shipment_id, status, status_raw, event_time, event_time_raw, location, message, payload, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
ON CONFLICT (shipment_id, status_raw, event_time_raw, location) DO NOTHING
`, shipmentID, e.Status, e.StatusRaw, e.EventTime, e.EventTimeRaw, loc, msg, payload)
		if err != nil {
			return errors.Wrap(err, "insert shipment event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

func (s *Storage) ListShipmentEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.ShipmentEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, shipment_id, status, status_raw,
  event_time, event_time_raw, location, message, payload, created_at
FROM shipment_events
WHERE shipment_id = $1
ORDER BY event_time DESC NULLS LAST, id DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.ShipmentEvent
	for rows.Next() {
		var (
			e        models.ShipmentEvent
			location string
			message  string
			payload  []byte
		)
		if err := rows.Scan(
			&e.ID, &e.ShipmentID, &e.Status, &e.StatusRaw,
			&e.EventTime, &e.EventTimeRaw, &location, &message, &payload, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if location != "" {
			e.Location = &location
		}
		if message != "" {
			e.Message = &message
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
