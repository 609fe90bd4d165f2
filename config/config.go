// Package config loads fieldflow process configuration via Viper.
//
// Precedence (lowest to highest): defaults < /etc/fieldflow/config.toml
// < ~/.fieldflow/config.toml < ./fieldflow.toml < FIELDFLOW_* env vars.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the process configuration shared by the producer, worker,
// and applier commands.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Store    StoreConfig    `mapstructure:"store"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Log      LogConfig      `mapstructure:"log"`
}

// BrokerConfig addresses the message broker.
type BrokerConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
}

// StoreConfig selects and addresses the entity store.
type StoreConfig struct {
	// Driver is "rest" for the remote document-store endpoint or
	// "sqlite" for the embedded local store.
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
	Path   string `mapstructure:"path"`
}

// WorkerConfig controls execution-unit supervision.
type WorkerConfig struct {
	// MaxTaskTime bounds one task's processing time before the
	// execution unit is terminated.
	MaxTaskTime time.Duration `mapstructure:"max_task_time"`
}

// EndpointConfig controls outbound calls to remote task endpoints.
type EndpointConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// LogConfig controls log output format.
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// SetDefaults installs default values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "amqp://localhost:5672?heartbeat=10")
	v.SetDefault("broker.reconnect_backoff", 3*time.Second)
	v.SetDefault("broker.publish_timeout", 30*time.Second)

	v.SetDefault("store.driver", "rest")
	v.SetDefault("store.url", "http://localhost:8080")
	v.SetDefault("store.path", "fieldflow.db")

	v.SetDefault("worker.max_task_time", 30*time.Minute)

	v.SetDefault("endpoint.max_attempts", 3)
	v.SetDefault("endpoint.retry_backoff", 2*time.Second)
	v.SetDefault("endpoint.call_timeout", 5*time.Minute)
	v.SetDefault("endpoint.rate_per_second", 10.0)
	v.SetDefault("endpoint.rate_burst", 5)

	v.SetDefault("log.json", false)
}
