package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"errtrack/src/model"
)

// PostgresBackend persists records in one relational table with a composite
// unique index over the fingerprint columns. The unique index is the safety
// net for concurrent first captures of the same failure.
type PostgresBackend struct {
	dsn          string
	gormLogLevel int

	connOnce sync.Once
	connErr  error
	db       *gorm.DB
}

// NewPostgresBackend builds the backend. The connection is created lazily
// on first use.
func NewPostgresBackend(dsn string, gormLogLevel int) *PostgresBackend {
	return &PostgresBackend{dsn: dsn, gormLogLevel: gormLogLevel}
}

// WithDB overrides the underlying *gorm.DB instance. Useful for tests or
// when sharing an existing connection; skips migration.
func (b *PostgresBackend) WithDB(db *gorm.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// conn returns the lazily created connection. sync.Once keeps two
// concurrent first calls from racing to connect.
func (b *PostgresBackend) conn() (*gorm.DB, error) {
	b.connOnce.Do(func() {
		if b.db != nil {
			return
		}

		db, err := gorm.Open(postgres.Open(b.dsn), &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.LogLevel(b.gormLogLevel)),
		})
		if err != nil {
			b.connErr = fmt.Errorf("connecting to postgres: %w", err)
			return
		}

		sqlDB, err := db.DB()
		if err != nil {
			b.connErr = fmt.Errorf("unwrapping gorm DB: %w", err)
			return
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(1 * time.Hour)

		if err := db.AutoMigrate(&model.Record{}); err != nil {
			b.connErr = fmt.Errorf("migrating error table: %w", err)
			return
		}

		b.db = db
		logger.WithField("component", "PostgresBackend").
			Info("Database connection established")
	})
	return b.db, b.connErr
}

// Put inserts a new record and returns the generated id.
func (b *PostgresBackend) Put(ctx context.Context, rec *model.Record) (int64, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}

	logger.WithFields(map[string]interface{}{
		"component": "PostgresBackend",
		"op":        "Put",
		"filename":  rec.TrackingFilename,
		"function":  rec.TrackingFunction,
	}).Debug("Inserting new error record")

	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, ErrFingerprintTaken
		}
		return 0, err
	}
	return rec.ID, nil
}

// GetByFingerprint resolves a record by the primary (filename, function)
// key or the secondary (filename, args) key in a single query.
func (b *PostgresBackend) GetByFingerprint(ctx context.Context, filename, function string, args []string) (*model.Record, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	argsJSON, err := json.Marshal(model.StringList(args))
	if err != nil {
		return nil, fmt.Errorf("encoding args: %w", err)
	}

	var recs []model.Record
	err = db.WithContext(ctx).
		Where("tracking_filename = ? AND (tracking_function = ? OR args = CAST(? AS jsonb))",
			filename, function, string(argsJSON)).
		Limit(1).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// GetByID fetches a record by primary key. Returns (nil, nil) when the id
// is unknown.
func (b *PostgresBackend) GetByID(ctx context.Context, id int64) (*model.Record, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	var rec model.Record
	if err := db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// AddOccurrence bumps the counter, appends the message and clears the
// handled flag in one statement, so concurrent occurrences never clobber
// each other.
func (b *PostgresBackend) AddOccurrence(ctx context.Context, id int64, message string) error {
	db, err := b.conn()
	if err != nil {
		return err
	}

	appended, err := json.Marshal(model.StringList{message})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	res := db.WithContext(ctx).Exec(
		"UPDATE errtrack_errors SET occurrences = occurrences + 1, messages = messages || CAST(? AS jsonb), handled = false WHERE id = ?",
		string(appended), id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no record with id %d", id)
	}

	logger.WithFields(map[string]interface{}{
		"component": "PostgresBackend",
		"op":        "AddOccurrence",
		"record_id": id,
	}).Debug("Occurrence recorded")

	return nil
}

// SetHandled persists the flag and returns the updated record, or
// (nil, nil) when the id is unknown.
func (b *PostgresBackend) SetHandled(ctx context.Context, id int64, handled bool) (*model.Record, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	res := db.WithContext(ctx).
		Model(&model.Record{}).
		Where("id = ?", id).
		Update("handled", handled)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	return b.GetByID(ctx, id)
}

// ListUnhandled returns every record whose handled flag is false.
func (b *PostgresBackend) ListUnhandled(ctx context.Context) ([]model.Record, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	var recs []model.Record
	if err := db.WithContext(ctx).Where("handled = ?", false).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Close releases the connection if one was created.
func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
