package main

import (
	"fmt"
	"time"

	"github.com/BongoMart/OrderPilot/config"
	"github.com/BongoMart/OrderPilot/internal/broker/kafka"
	"github.com/BongoMart/OrderPilot/internal/cache/rediscache"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier/pathao"
	"github.com/BongoMart/OrderPilot/internal/integrations/courier/steadfast"
	"github.com/BongoMart/OrderPilot/internal/integrations/fraudcheck"
	"github.com/BongoMart/OrderPilot/internal/services/dispatch"
	"github.com/BongoMart/OrderPilot/internal/storage/pgorders"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo dispatch.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) dispatch.Producer
	newRateLimiter func(cfg *config.Config) dispatch.RateLimiter
	newFraud       func(cfg *config.Config) dispatch.FraudChecker
	newGateway     func(cfg *config.Config) (dispatch.ShipmentCreator, error)
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (dispatch.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgorders.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) dispatch.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) dispatch.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newFraud: func(cfg *config.Config) dispatch.FraudChecker {
			return fraudcheck.New(fraudcheck.Config{
				BaseURL: cfg.Fraud.BaseURL,
				APIKey:  cfg.Fraud.APIKey,
				Timeout: time.Duration(cfg.Fraud.TimeoutSeconds) * time.Second,
			})
		},
		newGateway: func(cfg *config.Config) (dispatch.ShipmentCreator, error) {
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
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			// Воркеру geo-кэш нужен тот же, что и API: ключи общие.
			return courier.NewGateway(clients, rediscache.New(redisAddr), geoTTL), nil
		},
	}
}

func buildShipWorker(cfg *config.Config, f workerFactories) (*dispatch.Worker, func(), error) {
	topic := cfg.Kafka.OrderStatusChangedTopicName
	if topic == "" {
		topic = "order.status.changed"
	}

	pollInterval := time.Duration(cfg.OrderPilot.WorkerPollIntervalSeconds) * time.Second
	batchSize := cfg.OrderPilot.WorkerBatchSize
	concurrency := cfg.OrderPilot.WorkerConcurrency
	lease := time.Duration(cfg.OrderPilot.WorkerLeaseSeconds) * time.Second
	rlPerMin := int64(cfg.OrderPilot.WorkerRateLimitPerMinute)

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	if closeFn == nil {
		closeFn = func() {}
	}

	gw, err := f.newGateway(cfg)
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	w := dispatch.New(repo, f.newFraud(cfg), gw, f.newProducer(cfg), f.newRateLimiter(cfg), topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin)
	return w, closeFn, nil
}
