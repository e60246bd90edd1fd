package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"

	"errtrack/src/model"
)

const (
	keyPrefix    = "errtrack:"
	keyNextID    = keyPrefix + "next_id"
	keyUnhandled = keyPrefix + "unhandled"

	// Optimistic retries for the read-append-write on the messages field.
	addOccurrenceRetries = 5
)

func recordKey(id int64) string {
	return fmt.Sprintf("%serror:%d", keyPrefix, id)
}

func funcIndexKey(filename, function string) string {
	return fmt.Sprintf("%sindex:func:%s:%s", keyPrefix, filename, function)
}

func argsIndexKey(filename string, args []string) string {
	// JSON keeps the args encoding deterministic and unambiguous, matching
	// the relational backend's array equality.
	encoded, _ := json.Marshal(args)
	return fmt.Sprintf("%sindex:args:%s:%s", keyPrefix, filename, string(encoded))
}

// RedisBackend persists records as one hash per id plus two fingerprint
// index keys, an unhandled set and a global id counter. The index keys are
// written once with SetNX after the record hash exists; since the
// fingerprint fields are immutable the indexes never go stale, and SetNX
// doubles as the compare-and-set that closes the concurrent-create race.
type RedisBackend struct {
	uri string

	connOnce sync.Once
	connErr  error
	client   *redis.Client
}

// NewRedisBackend builds the backend. The connection is created lazily on
// first use.
func NewRedisBackend(uri string) *RedisBackend {
	return &RedisBackend{uri: uri}
}

// WithClient overrides the underlying client. Useful for tests.
func (b *RedisBackend) WithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) conn(ctx context.Context) (*redis.Client, error) {
	b.connOnce.Do(func() {
		if b.client != nil {
			return
		}

		opts, err := redis.ParseURL(b.uri)
		if err != nil {
			b.connErr = fmt.Errorf("parsing redis uri: %w", err)
			return
		}

		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			b.connErr = fmt.Errorf("connecting to redis: %w", err)
			return
		}

		b.client = client
		logger.WithField("component", "RedisBackend").
			Info("Redis connection established")
	})
	return b.client, b.connErr
}

// Put assigns the next id, writes the record hash and then claims the
// fingerprint indexes. The hash must land before the index claim: an index
// hit therefore always resolves to a readable hash. Losing the SetNX on
// the function index means another writer beat us to this fingerprint;
// our hash is deleted and the caller downgrades to an occurrence of the
// winner's record.
func (b *RedisBackend) Put(ctx context.Context, rec *model.Record) (int64, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return 0, err
	}

	id, err := client.Incr(ctx, keyNextID).Result()
	if err != nil {
		return 0, err
	}

	rec.ID = id
	pairs, err := flatPairs(rec)
	if err != nil {
		return 0, err
	}
	if err := client.HSet(ctx, recordKey(id), pairs...).Err(); err != nil {
		return 0, err
	}

	claimed, err := client.SetNX(ctx, funcIndexKey(rec.TrackingFilename, rec.TrackingFunction), id, 0).Result()
	if err != nil {
		return 0, err
	}
	if !claimed {
		// Another writer owns this fingerprint. Our hash is unreachable;
		// drop it so only the winner's record remains.
		if err := client.Del(ctx, recordKey(id)).Err(); err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"component": "RedisBackend",
				"op":        "Put",
				"record_id": id,
			}).Warn("Failed to delete record hash after losing fingerprint race")
		}
		return 0, ErrFingerprintTaken
	}

	// Secondary index; a loss here leaves the earlier owner in place,
	// which is correct since that record resolves the same fingerprint.
	if err := client.SetNX(ctx, argsIndexKey(rec.TrackingFilename, rec.Args), id, 0).Err(); err != nil {
		return 0, err
	}

	if err := client.SAdd(ctx, keyUnhandled, id).Err(); err != nil {
		return 0, err
	}

	logger.WithFields(map[string]interface{}{
		"component": "RedisBackend",
		"op":        "Put",
		"record_id": id,
	}).Debug("Record hash written")

	return id, nil
}

// GetByFingerprint tries the (filename, function) index first, then the
// (filename, args) index. First match wins.
func (b *RedisBackend) GetByFingerprint(ctx context.Context, filename, function string, args []string) (*model.Record, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range []string{funcIndexKey(filename, function), argsIndexKey(filename, args)} {
		raw, err := client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt index value %q at %s: %w", raw, key, err)
		}
		return b.GetByID(ctx, id)
	}
	return nil, nil
}

// GetByID fetches and decodes the record hash. An unknown id returns
// (nil, nil).
func (b *RedisBackend) GetByID(ctx context.Context, id int64) (*model.Record, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}

	flat, err := client.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(flat) == 0 {
		return nil, nil
	}
	return model.RecordFromFlat(flat)
}

// AddOccurrence has no single-statement append like the relational
// backend, so the read-append-write on messages runs under WATCH and
// retries on interleaved writers.
func (b *RedisBackend) AddOccurrence(ctx context.Context, id int64, message string) error {
	client, err := b.conn(ctx)
	if err != nil {
		return err
	}
	key := recordKey(id)

	apply := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, model.FieldMessages).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("no record with id %d", id)
		}
		if err != nil {
			return err
		}

		var messages []string
		if err := json.Unmarshal([]byte(raw), &messages); err != nil {
			return fmt.Errorf("decoding messages for record %d: %w", id, err)
		}
		messages = append(messages, message)
		encoded, err := json.Marshal(messages)
		if err != nil {
			return fmt.Errorf("encoding messages for record %d: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, model.FieldOccurrences, 1)
			pipe.HSet(ctx, key, model.FieldMessages, string(encoded), model.FieldHandled, "false")
			pipe.SAdd(ctx, keyUnhandled, id)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < addOccurrenceRetries; attempt++ {
		err := client.Watch(ctx, apply, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"component": "RedisBackend",
			"op":        "AddOccurrence",
			"record_id": id,
			"attempt":   attempt + 1,
		}).Debug("Message append raced, retrying")
	}
	return fmt.Errorf("appending occurrence to record %d: %w", id, redis.TxFailedErr)
}

// SetHandled updates the flag, maintains the unhandled set and returns the
// re-read record so both backends answer with the full row.
func (b *RedisBackend) SetHandled(ctx context.Context, id int64, handled bool) (*model.Record, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}
	key := recordKey(id)

	exists, err := client.Exists(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, nil
	}

	if err := client.HSet(ctx, key, model.FieldHandled, strconv.FormatBool(handled)).Err(); err != nil {
		return nil, err
	}
	if handled {
		err = client.SRem(ctx, keyUnhandled, id).Err()
	} else {
		err = client.SAdd(ctx, keyUnhandled, id).Err()
	}
	if err != nil {
		return nil, err
	}

	return b.GetByID(ctx, id)
}

// ListUnhandled scans the unhandled set and point-reads every member.
func (b *RedisBackend) ListUnhandled(ctx context.Context) ([]model.Record, error) {
	client, err := b.conn(ctx)
	if err != nil {
		return nil, err
	}

	members, err := client.SMembers(ctx, keyUnhandled).Result()
	if err != nil {
		return nil, err
	}

	recs := make([]model.Record, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt unhandled set member %q: %w", member, err)
		}
		rec, err := b.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// Close releases the client if one was created.
func (b *RedisBackend) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

// flatPairs renders the record's flat form as field/value pairs in a
// stable order.
func flatPairs(rec *model.Record) ([]interface{}, error) {
	flat, err := rec.ToFlat()
	if err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(flat))
	for field := range flat {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	pairs := make([]interface{}, 0, len(flat)*2)
	for _, field := range fields {
		pairs = append(pairs, field, flat[field])
	}
	return pairs, nil
}
