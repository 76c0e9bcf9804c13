package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type MQTT struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
}

type Worker struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	NodeTimeout  time.Duration
}

type Queue struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type Maintenance struct {
	ReaperSchedule string
	PruneSchedule  string
	Retention      time.Duration
}

type Webhook struct {
	RPS   int
	Burst int
}

type Config struct {
	Port              string
	LogLevel          string
	JWTPublicKeyPath  string
	SecretsPassphrase string
	OTLPEndpoint      string
	Postgres          Postgres
	Redis             Redis
	MQTT              MQTT
	Worker            Worker
	Queue             Queue
	Maintenance       Maintenance
	Webhook           Webhook
}

var defaults = map[string]any{
	"workflow_engine_port":        "8096",
	"log_level":                   "info",
	"jwt_public_key_path":         "",
	"secrets_passphrase":          "",
	"otel_exporter_otlp_endpoint": "",
	"postgres_user":               "",
	"postgres_password":           "",
	"postgres_db":                 "",
	"postgres_host":               "",
	"postgres_port":               "",
	"postgres_sslmode":            "disable",
	"redis_addr":                  "",
	"redis_password":              "",
	"redis_db":                    0,
	"mqtt_broker_url":             "",
	"mqtt_client_id":              "workflow-engine",
	"mqtt_topic_prefix":           "homenavi/workflows",
	"worker_concurrency":          4,
	"worker_poll_interval":        "1s",
	"worker_lease":                "5m",
	"node_timeout":                "60s",
	"queue_max_attempts":          3,
	"queue_backoff_base":          "1s",
	"queue_backoff_max":           "5m",
	"reaper_schedule":             "@every 30s",
	"prune_schedule":              "@hourly",
	"retention":                   "168h",
	"webhook_rps":                 10,
	"webhook_burst":               20,
}

// Load reads configuration from the environment, optionally layered over a
// YAML or JSON file whose keys are the lower-cased environment names.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("WORKFLOW_ENGINE_CONFIG")
	}
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Port:              v.GetString("workflow_engine_port"),
		LogLevel:          v.GetString("log_level"),
		JWTPublicKeyPath:  v.GetString("jwt_public_key_path"),
		SecretsPassphrase: v.GetString("secrets_passphrase"),
		OTLPEndpoint:      v.GetString("otel_exporter_otlp_endpoint"),
		Postgres: Postgres{
			User:     v.GetString("postgres_user"),
			Password: v.GetString("postgres_password"),
			DBName:   v.GetString("postgres_db"),
			Host:     v.GetString("postgres_host"),
			Port:     v.GetString("postgres_port"),
			SSLMode:  v.GetString("postgres_sslmode"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		MQTT: MQTT{
			BrokerURL:   v.GetString("mqtt_broker_url"),
			ClientID:    v.GetString("mqtt_client_id"),
			TopicPrefix: strings.TrimRight(v.GetString("mqtt_topic_prefix"), "/"),
		},
		Worker: Worker{
			Concurrency:  v.GetInt("worker_concurrency"),
			PollInterval: v.GetDuration("worker_poll_interval"),
			Lease:        v.GetDuration("worker_lease"),
			NodeTimeout:  v.GetDuration("node_timeout"),
		},
		Queue: Queue{
			MaxAttempts: v.GetInt("queue_max_attempts"),
			BackoffBase: v.GetDuration("queue_backoff_base"),
			BackoffMax:  v.GetDuration("queue_backoff_max"),
		},
		Maintenance: Maintenance{
			ReaperSchedule: v.GetString("reaper_schedule"),
			PruneSchedule:  v.GetString("prune_schedule"),
			Retention:      v.GetDuration("retention"),
		},
		Webhook: Webhook{
			RPS:   v.GetInt("webhook_rps"),
			Burst: v.GetInt("webhook_burst"),
		},
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker_poll_interval must be > 0")
	}
	if c.Worker.Lease <= 0 {
		return fmt.Errorf("worker_lease must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue_max_attempts must be > 0")
	}
	return nil
}

// MissingPostgres returns the env keys required for a database connection
// that are not set.
func (c Config) MissingPostgres() []string {
	var missing []string
	for key, val := range map[string]string{
		"POSTGRES_USER": c.Postgres.User,
		"POSTGRES_DB":   c.Postgres.DBName,
		"POSTGRES_HOST": c.Postgres.Host,
		"POSTGRES_PORT": c.Postgres.Port,
	} {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}
