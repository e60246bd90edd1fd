package store

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"errtrack/src/capture"
	"errtrack/src/model"
	"errtrack/src/notify"
)

// ErrFingerprintTaken is returned by Backend.Put when another writer
// created a record for the same fingerprint first. The store degrades the
// create into an occurrence of the winner's record.
var ErrFingerprintTaken = errors.New("fingerprint already registered")

// Backend is the persistence contract both storage implementations uphold.
// GetByFingerprint and GetByID return (nil, nil) when nothing matches.
type Backend interface {
	Put(ctx context.Context, rec *model.Record) (int64, error)
	GetByFingerprint(ctx context.Context, filename, function string, args []string) (*model.Record, error)
	GetByID(ctx context.Context, id int64) (*model.Record, error)
	AddOccurrence(ctx context.Context, id int64, message string) error
	SetHandled(ctx context.Context, id int64, handled bool) (*model.Record, error)
	ListUnhandled(ctx context.Context) ([]model.Record, error)
	Close() error
}

// Store orchestrates capture, fingerprint resolution, persistence and
// notification.
type Store struct {
	backend  Backend
	notifier notify.Notifier

	// dispatch runs notification sends without the caller awaiting them.
	// Overridable so tests can run sends inline.
	dispatch func(fn func())
}

// New builds a Store over the given backend. A nil notifier disables the
// sink.
func New(backend Backend, notifier notify.Notifier) *Store {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Store{
		backend:  backend,
		notifier: notifier,
		dispatch: func(fn func()) { go fn() },
	}
}

// PutError records one observed failure. A known fingerprint gains an
// occurrence; an unknown one becomes a new record. Exactly one of the two
// happens per call.
func (s *Store) PutError(ctx context.Context, trigger capture.Trigger, cause error) (*model.Record, error) {
	snap := capture.Capture(cause)
	message := trigger.Serialize()

	existing, err := s.backend.GetByFingerprint(ctx, snap.TrackingFilename(), snap.TrackingFunction(), snap.Args)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.recordOccurrence(ctx, existing.ID, message)
	}

	rec := &model.Record{
		Stack:            snap.Stack,
		Frames:           snap.Frames,
		Args:             snap.Args,
		Occurrences:      1,
		Handled:          false,
		OccurredAt:       trigger.OccurredAt,
		Messages:         model.StringList{message},
		TrackingFilename: snap.TrackingFilename(),
		TrackingFunction: snap.TrackingFunction(),
	}

	id, err := s.backend.Put(ctx, rec)
	if errors.Is(err, ErrFingerprintTaken) {
		// Lost the create race to a concurrent writer; resolve again and
		// record an occurrence of the winner's record instead.
		winner, rerr := s.backend.GetByFingerprint(ctx, rec.TrackingFilename, rec.TrackingFunction, rec.Args)
		if rerr != nil {
			return nil, rerr
		}
		if winner == nil {
			return nil, err
		}
		return s.recordOccurrence(ctx, winner.ID, message)
	}
	if err != nil {
		return nil, err
	}
	rec.ID = id

	logger.WithFields(map[string]interface{}{
		"component": "store",
		"op":        "PutError",
		"record_id": rec.ID,
		"filename":  rec.TrackingFilename,
		"function":  rec.TrackingFunction,
	}).Info("New error recorded")

	s.notify(func() error { return s.notifier.NotifyNew(rec) })
	return rec, nil
}

func (s *Store) recordOccurrence(ctx context.Context, id int64, message string) (*model.Record, error) {
	if err := s.backend.AddOccurrence(ctx, id, message); err != nil {
		return nil, err
	}

	rec, err := s.backend.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("record %d vanished after occurrence update", id)
	}

	logger.WithFields(map[string]interface{}{
		"component":   "store",
		"op":          "PutError",
		"record_id":   id,
		"occurrences": rec.Occurrences,
	}).Info("Recurring error recorded")

	s.notify(func() error { return s.notifier.NotifyRecurrence(rec) })
	return rec, nil
}

// GetError fetches a record by id. Unknown ids return (nil, nil).
func (s *Store) GetError(ctx context.Context, id int64) (*model.Record, error) {
	return s.backend.GetByID(ctx, id)
}

// SetHandled persists the handled flag and returns the updated record.
// Unknown ids return (nil, nil) and fire no notification.
func (s *Store) SetHandled(ctx context.Context, id int64, handled bool) (*model.Record, error) {
	rec, err := s.backend.SetHandled(ctx, id, handled)
	if err != nil || rec == nil {
		return rec, err
	}

	logger.WithFields(map[string]interface{}{
		"component": "store",
		"op":        "SetHandled",
		"record_id": id,
		"handled":   handled,
	}).Info("Handled state changed")

	s.notify(func() error { return s.notifier.NotifyHandledChange(rec) })
	return rec, nil
}

// GetAllUnhandled lists every record whose handled flag is false, in no
// particular order.
func (s *Store) GetAllUnhandled(ctx context.Context) ([]model.Record, error) {
	return s.backend.ListUnhandled(ctx)
}

// Close releases the backend's connection.
func (s *Store) Close() error {
	return s.backend.Close()
}

// notify dispatches a sink send without the mutating call awaiting it.
// Sink failures are logged and never reach the caller.
func (s *Store) notify(send func() error) {
	s.dispatch(func() {
		if err := send(); err != nil {
			logger.WithError(err).WithField("component", "store").
				Warn("Notification send failed")
		}
	})
}
