package pgorders

import (
	"context"
	"time"

	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) CreatePushSubscription(ctx context.Context, in models.PushSubscriptionInput) (*models.PushSubscription, error) {
	now := time.Now().UTC()
	var sub models.PushSubscription
	// Повторная регистрация того же endpoint перезаписывает ключи:
	// браузер мог перевыпустить подписку с тем же URL.
	err := s.db.QueryRow(ctx, `
INSERT INTO push_subscriptions (admin_id, endpoint, p256dh, auth, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (endpoint)
DO UPDATE SET admin_id = EXCLUDED.admin_id, p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth
RETURNING id, admin_id, endpoint, p256dh, auth, created_at
`, in.AdminID, in.Endpoint, in.P256dh, in.Auth, now).Scan(
		&sub.ID, &sub.AdminID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert push subscription")
	}
	return &sub, nil
}

func (s *Storage) ListPushSubscriptions(ctx context.Context) ([]models.PushSubscription, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, admin_id, endpoint, p256dh, auth, created_at
FROM push_subscriptions
ORDER BY id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select push subscriptions")
	}
	defer rows.Close()

	var out []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.AdminID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan push subscription")
		}
		out = append(out, sub)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) DeletePushSubscription(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id)
	return errors.Wrap(err, "delete push subscription")
}
