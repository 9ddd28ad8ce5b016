package pgorders

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id UUID PRIMARY KEY,
  customer_name TEXT NOT NULL,
  customer_phone TEXT NOT NULL,
  customer_address TEXT NOT NULL,
  total_amount BIGINT NOT NULL,
  status TEXT NOT NULL,
  risk_verdict JSONB NULL,
  courier_provider TEXT NOT NULL DEFAULT '',
  consignment_id TEXT NOT NULL DEFAULT '',
  tracking_ref TEXT NULL,
  last_error TEXT NULL,
  version BIGINT NOT NULL DEFAULT 1,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_next_attempt_at ON orders(next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_consignment ON orders(courier_provider, consignment_id)`,
		`
CREATE TABLE IF NOT EXISTS order_items (
  id BIGSERIAL PRIMARY KEY,
  order_id UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  product_id TEXT NOT NULL,
  quantity INT NOT NULL,
  unit_price BIGINT NOT NULL,
  options JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`
CREATE TABLE IF NOT EXISTS push_subscriptions (
  id BIGSERIAL PRIMARY KEY,
  admin_id TEXT NOT NULL,
  endpoint TEXT NOT NULL UNIQUE,
  p256dh TEXT NOT NULL,
  auth TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS dispatch_attempts (
  id BIGSERIAL PRIMARY KEY,
  order_id UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  provider TEXT NOT NULL,
  ok BOOLEAN NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  raw JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_order_id ON dispatch_attempts(order_id, created_at)`,
		`
CREATE TABLE IF NOT EXISTS courier_reports (
  id BIGSERIAL PRIMARY KEY,
  order_id UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  provider TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_courier_reports_order_id ON courier_reports(order_id, created_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
