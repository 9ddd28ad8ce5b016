package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"

	"github.com/BongoMart/OrderPilot/internal/models"
)

// SubscriptionStore — доступ к подпискам админов на push-уведомления.
type SubscriptionStore interface {
	ListPushSubscriptions(ctx context.Context) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, id uint64) error
}

// Outcome — результат доставки по одной подписке.
type Outcome struct {
	SubscriptionID uint64
	Endpoint       string
	Delivered      bool
	Removed        bool
	Err            error
}

type Dispatcher struct {
	store      SubscriptionStore
	subscriber string
	vapidPub   string
	vapidPriv  string
	ttl        int
	client     *http.Client
}

func NewDispatcher(store SubscriptionStore, subscriber, vapidPublicKey, vapidPrivateKey string, ttl int) *Dispatcher {
	if ttl <= 0 {
		ttl = 60
	}
	return &Dispatcher{
		store:      store,
		subscriber: subscriber,
		vapidPub:   vapidPublicKey,
		vapidPriv:  vapidPrivateKey,
		ttl:        ttl,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Event — уведомление об изменении заказа для админской PWA.
type Event struct {
	OrderID string            `json:"orderId"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
}

func (d *Dispatcher) OrderEvent(ctx context.Context, ev Event) ([]Outcome, error) {
	return d.Broadcast(ctx, ev)
}

// Broadcast шлёт payload по всем подпискам. Ошибка одной подписки не трогает
// остальные; подписки с ответом 404/410 удаляются как протухшие.
func (d *Dispatcher) Broadcast(ctx context.Context, payload any) ([]Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal push payload")
	}

	subs, err := d.store.ListPushSubscriptions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list push subscriptions")
	}
	if len(subs) == 0 {
		return nil, nil
	}

	outcomes := make([]Outcome, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub models.PushSubscription) {
			defer wg.Done()
			outcomes[i] = d.sendOne(ctx, sub, body)
		}(i, sub)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.Err != nil {
			slog.Warn("push delivery failed",
				"endpoint", o.Endpoint, "removed", o.Removed, "error", o.Err)
		}
	}
	return outcomes, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, sub models.PushSubscription, body []byte) Outcome {
	out := Outcome{SubscriptionID: sub.ID, Endpoint: sub.Endpoint}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.vapidPub,
		VAPIDPrivateKey: d.vapidPriv,
		TTL:             d.ttl,
		HTTPClient:      d.client,
	})
	if err != nil {
		out.Err = errors.Wrap(err, "send notification")
		return out
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.Delivered = true
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// Подписка мертва, браузер её отозвал. Чистим.
		out.Err = errors.Errorf("endpoint gone: status %d", resp.StatusCode)
		if delErr := d.store.DeletePushSubscription(ctx, sub.ID); delErr != nil {
			out.Err = errors.Wrap(delErr, "delete stale subscription")
		} else {
			out.Removed = true
		}
	default:
		out.Err = errors.Errorf("push service: status %d", resp.StatusCode)
	}
	return out
}
