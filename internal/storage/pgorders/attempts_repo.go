package pgorders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DispatchAttempt — запись аудита одной попытки у провайдера.
type DispatchAttempt struct {
	ID        uint64
	OrderID   uuid.UUID
	Provider  string
	OK        bool
	Error     string
	Raw       json.RawMessage
	CreatedAt time.Time
}

func (s *Storage) RecordDispatchAttempt(ctx context.Context, a DispatchAttempt) error {
	var raw any
	if len(a.Raw) > 0 {
		var m any
		if json.Unmarshal(a.Raw, &m) == nil {
			raw = m
		}
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO dispatch_attempts (order_id, provider, ok, error, raw, created_at)
VALUES ($1,$2,$3,$4,$5, now())
`, a.OrderID, a.Provider, a.OK, a.Error, raw)
	return errors.Wrap(err, "insert dispatch attempt")
}

func (s *Storage) ListDispatchAttempts(ctx context.Context, orderID uuid.UUID) ([]*DispatchAttempt, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, order_id, provider, ok, error, raw, created_at
FROM dispatch_attempts
WHERE order_id = $1
ORDER BY id
`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select dispatch attempts")
	}
	defer rows.Close()

	var out []*DispatchAttempt
	for rows.Next() {
		var a DispatchAttempt
		var raw any
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Provider, &a.OK, &a.Error, &raw, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan dispatch attempt")
		}
		if raw != nil {
			b, _ := json.Marshal(raw)
			a.Raw = b
		}
		out = append(out, &a)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
