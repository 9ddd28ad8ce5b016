package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/BongoMart/OrderPilot/internal/integrations/fraudcheck"
	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/BongoMart/OrderPilot/internal/services/orders"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

type fakeRepo struct{}

func (r *fakeRepo) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return nil, pgorders.ErrNotFound
}
func (r *fakeRepo) GetOrderByConsignment(ctx context.Context, provider, cid string) (*models.Order, error) {
	return nil, pgorders.ErrNotFound
}
func (r *fakeRepo) UpdateOrderStatus(ctx context.Context, upd pgorders.StatusUpdate) error {
	return nil
}
func (r *fakeRepo) RecordCourierReport(ctx context.Context, rep pgorders.CourierReport) error {
	return nil
}
func (r *fakeRepo) CreatePushSubscription(ctx context.Context, in models.PushSubscriptionInput) (*models.PushSubscription, error) {
	return &models.PushSubscription{ID: 1}, nil
}

type fakeFraud struct{}

func (f fakeFraud) Check(ctx context.Context, in fraudcheck.CheckInput) *models.RiskVerdict {
	return models.UnknownVerdict()
}

type fakeGeo struct{}

func (g fakeGeo) ListCities(ctx context.Context, provider string) ([]courier.GeoUnit, error) {
	return nil, nil
}
func (g fakeGeo) ListZones(ctx context.Context, provider string, cityID int64) ([]courier.GeoUnit, error) {
	return nil, nil
}
func (g fakeGeo) ListAreas(ctx context.Context, provider string, zoneID int64) ([]courier.GeoUnit, error) {
	return nil, nil
}

type fakeConsumer struct{}

func (c fakeConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRunOrderAPI_SwaggerAndHealthServed(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	svc := orders.New(&fakeRepo{}, fakeFraud{}, fakeGeo{}, nil, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := orderAPIOpts{
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   sw,
		topic:         "t",
		consumerGroup: "g",
		onListen:      func(httpAddr string) { addrCh <- httpAddr },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runOrderAPI(ctx, opts, svc, fakeConsumer{})
	}()

	httpAddr := <-addrCh

	resp, err := http.Get("http://" + httpAddr + "/swagger.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	resp, err = http.Get("http://" + httpAddr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	// Хендлеры доменного API подключены к тому же роутеру.
	resp, err = http.Get("http://" + httpAddr + "/api/v1/orders/" + uuid.NewString())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 404, resp.StatusCode)

	cancel()
	require.Error(t, <-errCh)
}
