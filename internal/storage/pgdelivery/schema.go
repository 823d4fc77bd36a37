package pgdelivery

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS customers (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  email TEXT NOT NULL,
  phone TEXT NOT NULL,
  address TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_email ON customers(email)`,
		`
CREATE TABLE IF NOT EXISTS packages (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NOT NULL,
  verification_code TEXT NOT NULL,
  sender_id BIGINT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
  receiver_id BIGINT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
  sender_user_id BIGINT NULL,
  receiver_user_id BIGINT NULL,
  description TEXT NOT NULL,
  weight NUMERIC(6,2) NOT NULL,
  service_tier TEXT NOT NULL DEFAULT 'standard',
  price NUMERIC(8,2) NOT NULL DEFAULT 0,
  payment_status TEXT NOT NULL DEFAULT 'pending',
  status TEXT NOT NULL DEFAULT 'pending',
  current_location TEXT NOT NULL DEFAULT '',
  estimated_delivery DATE NULL,
  is_claimed BOOLEAN NOT NULL DEFAULT FALSE,
  claimed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_sender_user_id ON packages(sender_user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_receiver_user_id ON packages(receiver_user_id, created_at DESC)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  event_time TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		// event_time DESC, id DESC is the display order; id keeps equal
		// timestamps stable.
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_package_id_event_time ON tracking_events(package_id, event_time DESC, id DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
