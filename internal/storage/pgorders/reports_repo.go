package pgorders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// CourierReport — сырой статус из вебхука провайдера, как он пришёл.
// Пишется для каждого отчёта, включая отстающие и незнакомые: стадия заказа
// от них не меняется, но след в аудите остаётся.
type CourierReport struct {
	ID        uint64
	OrderID   uuid.UUID
	Provider  string
	Status    string
	CreatedAt time.Time
}

func (s *Storage) RecordCourierReport(ctx context.Context, r CourierReport) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO courier_reports (order_id, provider, status, created_at)
VALUES ($1,$2,$3, now())
`, r.OrderID, r.Provider, r.Status)
	return errors.Wrap(err, "insert courier report")
}

func (s *Storage) ListCourierReports(ctx context.Context, orderID uuid.UUID) ([]*CourierReport, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, order_id, provider, status, created_at
FROM courier_reports
WHERE order_id = $1
ORDER BY id
`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select courier reports")
	}
	defer rows.Close()

	var out []*CourierReport
	for rows.Next() {
		var r CourierReport
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Provider, &r.Status, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan courier report")
		}
		out = append(out, &r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
