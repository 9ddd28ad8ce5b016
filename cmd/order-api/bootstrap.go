package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BongoMart/OrderPilot/config"
	"github.com/BongoMart/OrderPilot/internal/broker/kafka"
	"github.com/BongoMart/OrderPilot/internal/cache/rediscache"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier/pathao"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier/steadfast"
	"github.com/BongoMart/OrderPilot/internal/integrations/fraudcheck"
	"github.com/BongoMart/OrderPilot/internal/notify"
	"github.com/BongoMart/OrderPilot/internal/services/orders"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

type orderAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     orderAPIOpts
	svc      *orders.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapOrderAPI() *orderAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.OrderPilot.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.OrderPilot.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "order-api"
	}
	topic := cfg.Kafka.OrderStatusChangedTopicName
	if topic == "" {
		topic = "order.status.changed"
	}
	cacheTTL := time.Duration(cfg.OrderPilot.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	st := mustOpenPostgresWithRetry(connString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	fraudc := fraudcheck.New(fraudcheck.Config{
		BaseURL: cfg.Fraud.BaseURL,
		APIKey:  cfg.Fraud.APIKey,
		Timeout: time.Duration(cfg.Fraud.TimeoutSeconds) * time.Second,
	})

	gw, err := buildGateway(cfg, rc)
	if err != nil {
		panic(err)
	}

	pushTTL := cfg.Push.TTLSeconds
	dispatcher := notify.NewDispatcher(st, cfg.Push.Subscriber,
		cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, pushTTL)

	svc := orders.New(st, fraudc, gw, dispatcher, rc, cacheTTL)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &orderAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: orderAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func connString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

// buildGateway собирает fallback-цепочку провайдеров в порядке из конфига.
func buildGateway(cfg *config.Config, geoCache *rediscache.RedisCache) (*courier.Gateway, error) {
	chain := cfg.Couriers.Chain
	if len(chain) == 0 {
		chain = []string{"pathao", "steadfast"}
	}

	clients := make([]courier.Client, 0, len(chain))
	for _, name := range chain {
		switch name {
		case "pathao":
			clients = append(clients, pathao.New(pathao.Config{
				BaseURL:      cfg.Couriers.Pathao.BaseURL,
				ClientID:     cfg.Couriers.Pathao.ClientID,
				ClientSecret: cfg.Couriers.Pathao.ClientSecret,
				Username:     cfg.Couriers.Pathao.Username,
				Password:     cfg.Couriers.Pathao.Password,
				StoreID:      cfg.Couriers.Pathao.StoreID,
			}))
		case "steadfast":
			clients = append(clients, steadfast.New(steadfast.Config{
				BaseURL:   cfg.Couriers.Steadfast.BaseURL,
				APIKey:    cfg.Couriers.Steadfast.APIKey,
				SecretKey: cfg.Couriers.Steadfast.SecretKey,
			}))
		default:
			return nil, fmt.Errorf("unknown courier provider %q in chain", name)
		}
	}

	geoTTL := time.Duration(cfg.Couriers.GeoTTLSeconds) * time.Second
	if geoTTL <= 0 {
		geoTTL = 6 * time.Hour
	}
	return courier.NewGateway(clients, geoCache, geoTTL), nil
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgorders.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgorders.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *orderAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *orderAPIApp) Run() error {
	return runOrderAPI(a.ctx, a.opts, a.svc, a.consumer)
}
