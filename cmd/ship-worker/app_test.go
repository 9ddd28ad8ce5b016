package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BongoMart/OrderPilot/config"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/BongoMart/OrderPilot/internal/integrations/fraudcheck"
	"github.com/BongoMart/OrderPilot/internal/models"
	"github.com/BongoMart/OrderPilot/internal/services/dispatch"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

type noopProducer struct{}

func (p noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

func TestDefaultWorkerFactories_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newRateLimiter(cfg))
	require.NotNil(t, f.newFraud(cfg))
}

func TestDefaultWorkerFactories_GatewayChain(t *testing.T) {
	f := defaultWorkerFactories()

	gw, err := f.newGateway(&config.Config{
		Couriers: config.CouriersConfig{Chain: []string{"pathao", "steadfast"}},
	})
	require.NoError(t, err)
	require.NotNil(t, gw)

	_, err = f.newGateway(&config.Config{
		Couriers: config.CouriersConfig{Chain: []string{"dhl"}},
	})
	require.Error(t, err)
}

func TestRunWorkerHTTPServer_StatsAndTrigger(t *testing.T) {
	w := dispatch.New(stubRepo{}, stubFraud{}, stubGateway{}, noopProducer{}, nil, "t")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: "127.0.0.1:0",
			worker:   w,
			cfg:      &config.Config{},
			onListen: func(addr string) { addrCh <- addr },
		})
	}()

	addr := <-addrCh

	resp, err := http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	var st dispatch.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.False(t, st.StartedAt.IsZero())

	resp, err = http.Post("http://"+addr+"/trigger", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	cancel()
	require.Error(t, <-errCh)
}

type stubRepo struct{}

func (stubRepo) ClaimPlacedOrders(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Order, error) {
	return nil, nil
}
func (stubRepo) UpdateOrderStatus(ctx context.Context, upd pgorders.StatusUpdate) error { return nil }
func (stubRepo) RecordDispatchAttempt(ctx context.Context, a pgorders.DispatchAttempt) error {
	return nil
}

type stubFraud struct{}

func (stubFraud) Check(ctx context.Context, in fraudcheck.CheckInput) *models.RiskVerdict {
	return models.UnknownVerdict()
}

type stubGateway struct{}

func (stubGateway) CreateShipment(ctx context.Context, req courier.ShipmentRequest) (courier.ShipmentResult, []courier.Attempt, error) {
	return courier.ShipmentResult{}, nil, nil
}
