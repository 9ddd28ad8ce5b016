package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Fraud     FraudConfig     `yaml:"fraud"`
	Couriers  CouriersConfig  `yaml:"couriers"`
	Push      PushConfig      `yaml:"push"`
	OrderPilot OrderPilotConfig `yaml:"orderpilot"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                        string `yaml:"host"`
	Port                        int    `yaml:"port"`
	OrderStatusChangedTopicName string `yaml:"order_status_changed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type FraudConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CouriersConfig описывает цепочку провайдеров. Chain — порядок fallback.
type CouriersConfig struct {
	Chain []string `yaml:"chain"` // например ["pathao", "steadfast"]

	GeoTTLSeconds int `yaml:"geo_ttl_seconds"`

	Pathao    PathaoConfig    `yaml:"pathao"`
	Steadfast SteadfastConfig `yaml:"steadfast"`
}

type PathaoConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	StoreID      int64  `yaml:"store_id"`
}

type SteadfastConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
}

type PushConfig struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	Subscriber      string `yaml:"subscriber"` // mailto: для VAPID
	TTLSeconds      int    `yaml:"ttl_seconds"`
}

type OrderPilotConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	CurrentStatusTTLSeconds int `yaml:"current_status_ttl_seconds"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
