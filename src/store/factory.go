package store

import (
	"errors"
	"fmt"

	"errtrack/src/config"
	"errtrack/src/notify"
)

var (
	ErrMissingDBURI    = errors.New("ERRTRACK_DB_URI must be set for the postgres backend")
	ErrMissingRedisURI = errors.New("ERRTRACK_REDIS_URI must be set for the redis backend")
)

// FromConfig constructs a Store over the configured backend. Selecting an
// unavailable backend or omitting its connection string is a startup
// error; the process must refuse to run rather than degrade.
func FromConfig(cfg config.Config) (*Store, error) {
	var backend Backend
	switch cfg.Storage {
	case config.StoragePostgres:
		if cfg.DBURI == "" {
			return nil, ErrMissingDBURI
		}
		backend = NewPostgresBackend(cfg.DBURI, cfg.GormLogLevel)
	case config.StorageRedis:
		if cfg.RedisURI == "" {
			return nil, ErrMissingRedisURI
		}
		backend = NewRedisBackend(cfg.RedisURI)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL, cfg.PasteURL, cfg.PasteToken)
	}

	return New(backend, notifier), nil
}
