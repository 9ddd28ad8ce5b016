package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BongoMart/OrderPilot/internal/broker/messages"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/BongoMart/OrderPilot/internal/integrations/fraudcheck"
	"github.com/BongoMart/OrderPilot/internal/metrics"
	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

type Repository interface {
	ClaimPlacedOrders(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Order, error)
	UpdateOrderStatus(ctx context.Context, upd pgorders.StatusUpdate) error
	RecordDispatchAttempt(ctx context.Context, attempt pgorders.DispatchAttempt) error
}

type FraudChecker interface {
	Check(ctx context.Context, in fraudcheck.CheckInput) *models.RiskVerdict
}

type ShipmentCreator interface {
	CreateShipment(ctx context.Context, req courier.ShipmentRequest) (courier.ShipmentResult, []courier.Attempt, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Worker забирает свежесозданные заказы из базы и гонит их по конвейеру
// fraud-проверка -> передача курьеру, публикуя события о каждом переходе.
type Worker struct {
	repo     Repository
	fraud    FraudChecker
	gateway  ShipmentCreator
	producer Producer
	rl       RateLimiter

	topic string

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, fraud FraudChecker, gateway ShipmentCreator, producer Producer, rl RateLimiter, topic string) *Worker {
	return &Worker{
		repo: repo, fraud: fraud, gateway: gateway, producer: producer, rl: rl, topic: topic,
		pollInterval:       2 * time.Second,
		batchSize:          50,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Worker {
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if batchSize > 0 {
		w.batchSize = batchSize
	}
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if lease > 0 {
		w.lease = lease
	}
	if rlPerMin > 0 {
		w.rateLimitPerMinute = rlPerMin
	}
	return w
}

// Trigger forces an immediate dispatch cycle (best-effort, non-blocking).
func (w *Worker) Trigger() {
	w.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (w *Worker) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		TotalClaimed:   w.totalClaimed.Load(),
		TotalProcessed: w.totalProcessed.Load(),
		TotalErrors:    w.totalErrors.Load(),
		InFlight:       w.inFlight.Load(),
	}
	if n := w.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := w.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.runOnce(ctx)
		case <-w.triggerCh:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	w.lastCycleUnixNano.Store(now.UnixNano())

	orders, err := w.repo.ClaimPlacedOrders(ctx, now, w.batchSize, w.lease)
	if err != nil {
		slog.Error("claim placed orders", "error", err.Error())
		w.noteError(err)
		return
	}
	w.totalClaimed.Add(int64(len(orders)))
	metrics.OrdersClaimedTotal.Add(float64(len(orders)))

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, o := range orders {
		sem <- struct{}{}
		wg.Add(1)
		oCopy := o
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := w.processOne(ctx, oCopy); err != nil {
				w.totalErrors.Add(1)
				w.noteError(err)
				slog.Error("dispatch order", "order_id", oCopy.ID, "error", err.Error())
			}
			w.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (w *Worker) noteError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}

func (w *Worker) processOne(ctx context.Context, o *models.Order) error {
	started := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(started).Seconds()) }()

	version := o.Version
	if o.Status == models.OrderStatusCreated {
		verdict := w.fraud.Check(ctx, fraudcheck.CheckInput{
			OrderID: o.ID.String(),
			Name:    o.CustomerName,
			Phone:   o.CustomerPhone,
			Address: o.CustomerAddress,
			Amount:  o.TotalAmount,
		})
		metrics.FraudChecksTotal.Inc()

		err := w.repo.UpdateOrderStatus(ctx, pgorders.StatusUpdate{
			OrderID:         o.ID,
			ExpectedVersion: version,
			NewStatus:       models.OrderStatusFraudChecked,
			RiskVerdict:     verdict,
		})
		if errors.Is(err, pgorders.ErrVersionConflict) {
			// Заказ изменился под нами (например, отменён админом). Не наш ход.
			slog.Warn("order moved concurrently, skipping", "order_id", o.ID)
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "persist fraud verdict")
		}
		version++
		w.publishTransition(ctx, messages.OrderStatusChanged{
			OrderID:    o.ID.String(),
			Status:     models.OrderStatusFraudChecked,
			PrevStatus: models.OrderStatusCreated,
			OccurredAt: time.Now().UTC(),
		})
	} else {
		// FRAUD_CHECKED из claim: вердикт уже записан воркером, упавшим до
		// передачи курьеру. Проверку не повторяем, продолжаем с отправки.
		slog.Info("resuming interrupted dispatch", "order_id", o.ID, "status", o.Status)
	}

	if err := w.throttle(ctx); err != nil {
		return err
	}

	res, attempts, shipErr := w.gateway.CreateShipment(ctx, buildShipmentRequest(o))
	metrics.CourierAttemptsTotal.Add(float64(len(attempts)))
	w.recordAttempts(ctx, o.ID, attempts, res)

	if shipErr != nil {
		metrics.OrdersFailedTotal.Inc()
		reason := shipErr.Error()
		if err := w.repo.UpdateOrderStatus(ctx, pgorders.StatusUpdate{
			OrderID:         o.ID,
			ExpectedVersion: version,
			NewStatus:       models.OrderStatusFailed,
			LastError:       &reason,
		}); err != nil {
			return errors.Wrap(err, "persist failed status")
		}
		w.publishTransition(ctx, messages.OrderStatusChanged{
			OrderID:       o.ID.String(),
			Status:        models.OrderStatusFailed,
			PrevStatus:    models.OrderStatusFraudChecked,
			FailureReason: &reason,
			OccurredAt:    time.Now().UTC(),
		})
		return nil
	}

	tref := res.TrackingRef
	if err := w.repo.UpdateOrderStatus(ctx, pgorders.StatusUpdate{
		OrderID:         o.ID,
		ExpectedVersion: version,
		NewStatus:       models.OrderStatusCourierAssigned,
		CourierProvider: res.Provider,
		ConsignmentID:   res.ConsignmentID,
		TrackingRef:     &tref,
	}); err != nil {
		return errors.Wrap(err, "persist courier assignment")
	}
	metrics.OrdersDispatchedTotal.Inc()
	w.publishTransition(ctx, messages.OrderStatusChanged{
		OrderID:       o.ID.String(),
		Status:        models.OrderStatusCourierAssigned,
		PrevStatus:    models.OrderStatusFraudChecked,
		Provider:      res.Provider,
		ConsignmentID: res.ConsignmentID,
		TrackingRef:   res.TrackingRef,
		OccurredAt:    time.Now().UTC(),
	})
	return nil
}

func (w *Worker) throttle(ctx context.Context) error {
	if w.rl == nil || w.rateLimitPerMinute <= 0 {
		return nil
	}
	now := time.Now().UTC()
	minuteKey := fmt.Sprintf("rl:courier:%s", now.Format("200601021504"))
	allowed, n, err := w.rl.Allow(ctx, minuteKey, w.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		return errors.Wrap(err, "rate limiter")
	}
	if !allowed {
		// Слишком много запросов в минуту: подождём немного, чтобы разгрузить провайдеров.
		slog.Warn("courier rate limit exceeded", "count", n)
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

func (w *Worker) recordAttempts(ctx context.Context, orderID uuid.UUID, attempts []courier.Attempt, res courier.ShipmentResult) {
	for _, a := range attempts {
		rec := pgorders.DispatchAttempt{OrderID: orderID, Provider: a.Provider}
		if a.Err != nil {
			rec.Error = a.Err.Error()
		} else {
			rec.OK = true
			rec.Raw = res.Raw
		}
		if err := w.repo.RecordDispatchAttempt(ctx, rec); err != nil {
			// Аудит не должен ронять конвейер.
			slog.Warn("record dispatch attempt", "order_id", orderID, "error", err.Error())
		}
	}
}

func (w *Worker) publishTransition(ctx context.Context, msg messages.OrderStatusChanged) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal kafka msg", "order_id", msg.OrderID, "error", err.Error())
		return
	}

	// Kafka может быть не готова сразу после старта docker compose.
	// Делаем небольшой retry, чтобы не терять переходы на ровном месте.
	var pubErr error
	for i := 0; i < 10; i++ {
		if pubErr = w.producer.Publish(ctx, w.topic, []byte(msg.OrderID), b); pubErr == nil {
			return
		}
		time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
	}
	slog.Error("publish status change", "order_id", msg.OrderID, "error", pubErr.Error())
}

func buildShipmentRequest(o *models.Order) courier.ShipmentRequest {
	descs := make([]string, 0, len(o.Items))
	var itemCount int32
	for _, it := range o.Items {
		itemCount += it.Quantity
		descs = append(descs, fmt.Sprintf("%s x%d", it.ProductID, it.Quantity))
	}
	if itemCount == 0 {
		itemCount = 1
	}
	return courier.ShipmentRequest{
		Invoice:          o.ID.String(),
		RecipientName:    o.CustomerName,
		RecipientPhone:   o.CustomerPhone,
		RecipientAddress: o.CustomerAddress,
		CODAmount:        o.TotalAmount,
		ItemCount:        itemCount,
		ItemDescription:  strings.Join(descs, ", "),
	}
}
