package pgshipment

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL,
  carrier_code TEXT NOT NULL,
  state TEXT NOT NULL DEFAULT 'ACTIVE',
  status TEXT NOT NULL,
  status_raw TEXT NOT NULL DEFAULT '',
  event_time TIMESTAMPTZ NULL,
  event_time_raw TEXT NOT NULL DEFAULT '',
  location TEXT NULL,
  payload JSONB NULL,
  fingerprint TEXT NOT NULL DEFAULT '',
  last_check_at TIMESTAMPTZ NULL,
  next_check_at TIMESTAMPTZ NOT NULL,
  delivered_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tracking_number, carrier_code)
)`,
		// The poller query filters on state first, then due time.
		`CREATE INDEX IF NOT EXISTS idx_shipments_state_next_check_at ON shipments(state, next_check_at)`,
		`
CREATE TABLE IF NOT EXISTS subscriptions (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  item_name TEXT NOT NULL DEFAULT '',
  muted BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, shipment_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_shipment_id ON subscriptions(shipment_id)`,
		`
CREATE TABLE IF NOT EXISTS shipment_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  status_raw TEXT NOT NULL,
  event_time TIMESTAMPTZ NULL,
  event_time_raw TEXT NOT NULL DEFAULT '',
  location TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  payload JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipment_events_shipment_id_event_time ON shipment_events(shipment_id, event_time DESC)`,
		// Dedup key uses the raw timestamp string: event_time itself can be
		// NULL, which a unique index would not compare.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_shipment_events_dedup ON shipment_events(shipment_id, status_raw, event_time_raw, location)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
