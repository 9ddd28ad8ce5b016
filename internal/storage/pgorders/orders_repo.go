package pgorders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// StatusUpdate — одна атомарная смена статуса. ExpectedVersion обязателен:
// запись условная, несовпадение версии превращается в ErrVersionConflict,
// а не в молча потерянное обновление.
type StatusUpdate struct {
	OrderID         uuid.UUID
	ExpectedVersion int64
	NewStatus       string

	RiskVerdict     *models.RiskVerdict
	CourierProvider string
	ConsignmentID   string
	TrackingRef     *string
	LastError       *string
}

func (s *Storage) CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error) {
	now := time.Now().UTC()
	id := uuid.New()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO orders (
  id, customer_name, customer_phone, customer_address, total_amount,
  status, next_attempt_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7,$7)
`, id, in.CustomerName, in.CustomerPhone, in.CustomerAddress, in.TotalAmount,
		models.OrderStatusCreated, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	for _, it := range in.Items {
		opts, _ := json.Marshal(it.Options)
		_, err = tx.Exec(ctx, `
INSERT INTO order_items (order_id, product_id, quantity, unit_price, options)
VALUES ($1,$2,$3,$4,$5)
`, id, it.ProductID, it.Quantity, it.UnitPrice, opts)
		if err != nil {
			return nil, errors.Wrap(err, "insert order item")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetOrder(ctx, id)
}

const orderColumns = `
  id, customer_name, customer_phone, customer_address, total_amount,
  status, risk_verdict, courier_provider, consignment_id, tracking_ref,
  last_error, version, next_attempt_at, created_at, updated_at
`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var verdict []byte
	if err := row.Scan(
		&o.ID, &o.CustomerName, &o.CustomerPhone, &o.CustomerAddress, &o.TotalAmount,
		&o.Status, &verdict, &o.CourierProvider, &o.ConsignmentID, &o.TrackingRef,
		&o.LastError, &o.Version, &o.NextAttemptAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(verdict) > 0 {
		var v models.RiskVerdict
		if json.Unmarshal(verdict, &v) == nil {
			o.RiskVerdict = &v
		}
	}
	return &o, nil
}

func (s *Storage) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	if err := s.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Storage) GetOrderByConsignment(ctx context.Context, provider, consignmentID string) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE courier_provider = $1 AND consignment_id = $2
`, provider, consignmentID)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order by consignment")
	}
	return o, nil
}

func (s *Storage) loadItems(ctx context.Context, o *models.Order) error {
	rows, err := s.db.Query(ctx, `
SELECT id, order_id, product_id, quantity, unit_price, options
FROM order_items
WHERE order_id = $1
ORDER BY id
`, o.ID)
	if err != nil {
		return errors.Wrap(err, "select items")
	}
	defer rows.Close()

	for rows.Next() {
		var it models.OrderItem
		var opts []byte
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &opts); err != nil {
			return errors.Wrap(err, "scan item")
		}
		if len(opts) > 0 {
			_ = json.Unmarshal(opts, &it.Options)
		}
		o.Items = append(o.Items, it)
	}
	return errors.Wrap(rows.Err(), "rows")
}

// UpdateOrderStatus — единственный путь записи статуса. Проверка версии и
// инкремент происходят одним условным UPDATE; ноль строк означает либо
// конфликт версий, либо отсутствие заказа.
func (s *Storage) UpdateOrderStatus(ctx context.Context, upd StatusUpdate) error {
	var verdict []byte
	if upd.RiskVerdict != nil {
		verdict, _ = json.Marshal(upd.RiskVerdict)
	}

	tag, err := s.db.Exec(ctx, `
UPDATE orders
SET
  status = $3,
  version = version + 1,
  risk_verdict = COALESCE($4, risk_verdict),
  courier_provider = CASE WHEN $5 <> '' THEN $5 ELSE courier_provider END,
  consignment_id = CASE WHEN $6 <> '' THEN $6 ELSE consignment_id END,
  tracking_ref = COALESCE($7, tracking_ref),
  last_error = $8,
  updated_at = now()
WHERE id = $1 AND version = $2
`, upd.OrderID, upd.ExpectedVersion, upd.NewStatus, verdict,
		upd.CourierProvider, upd.ConsignmentID, upd.TrackingRef, upd.LastError)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, upd.OrderID).Scan(&exists); err != nil {
			return errors.Wrap(err, "check order exists")
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// Статусы, с которых конвейер может стартовать или возобновиться.
// FRAUD_CHECKED остаётся после воркера, упавшего между записью вердикта и
// передачей курьеру: по истечении брони заказ подбирается заново.
var dispatchableStatuses = []string{
	models.OrderStatusCreated,
	models.OrderStatusFraudChecked,
}

// ClaimPlacedOrders выбирает пачку заказов, готовых к диспетчеризации,
// и "бронирует" их сдвигом next_attempt_at, чтобы конкурентный воркер не взял
// те же заказы. SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimPlacedOrders(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+orderColumns+`
FROM orders
WHERE status = ANY($1)
  AND next_attempt_at <= $2
ORDER BY next_attempt_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, dispatchableStatuses, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due orders")
	}

	var picked []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due order")
		}
		picked = append(picked, o)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, o := range picked {
		_, err := tx.Exec(ctx, `UPDATE orders SET next_attempt_at = $2, updated_at = now() WHERE id = $1`, o.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease order")
		}
		o.NextAttemptAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	for _, o := range picked {
		if err := s.loadItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return picked, nil
}
