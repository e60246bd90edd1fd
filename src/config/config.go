package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Backend selector values accepted by the store factory.
const (
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"debug"` // debug | info | warn | error
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"` // json | text
	Port      string `envconfig:"PORT" default:"9898"`

	Storage  string `envconfig:"ERRTRACK_STORAGE" default:"postgres"`
	DBURI    string `envconfig:"ERRTRACK_DB_URI"`
	RedisURI string `envconfig:"ERRTRACK_REDIS_URI"`

	// Optional outbound notification endpoint. Empty disables the sink.
	WebhookURL string `envconfig:"ERRTRACK_WEBHOOK_URL"`

	// Optional paste service for oversized notification bodies.
	PasteURL   string `envconfig:"ERRTRACK_PASTE_URL"`
	PasteToken string `envconfig:"ERRTRACK_PASTE_TOKEN"`

	GormLogLevel int `envconfig:"GORM_LOG_LEVEL" default:"2"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
