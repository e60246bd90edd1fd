package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"errtrack/src/capture"
	"errtrack/src/model"
)

func newRedisRecord() *model.Record {
	return &model.Record{
		Stack:            model.StringList{"error: boom", "  at bar (foo.go:17)"},
		Frames:           model.FrameList{{Filename: "foo.go", Function: "bar", Line: 17, Scope: map[string]string{}}},
		Args:             model.StringList{"boom"},
		Occurrences:      1,
		Handled:          false,
		OccurredAt:       time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		Messages:         model.StringList{`{"content":"!deploy"}`},
		TrackingFilename: "foo.go",
		TrackingFunction: "bar",
	}
}

func TestRedisBackendPut(t *testing.T) {
	client, mock := redismock.NewClientMock()
	backend := NewRedisBackend("").WithClient(client)
	rec := newRedisRecord()

	expected := *rec
	expected.ID = 6
	pairs, err := flatPairs(&expected)
	if err != nil {
		t.Fatalf("failed to build expected hash pairs: %v", err)
	}

	mock.ExpectIncr("errtrack:next_id").SetVal(6)
	mock.ExpectHSet("errtrack:error:6", pairs...).SetVal(int64(len(pairs) / 2))
	mock.ExpectSetNX("errtrack:index:func:foo.go:bar", int64(6), 0).SetVal(true)
	mock.ExpectSetNX(`errtrack:index:args:foo.go:["boom"]`, int64(6), 0).SetVal(true)
	mock.ExpectSAdd("errtrack:unhandled", int64(6)).SetVal(1)

	id, err := backend.Put(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error writing record: %v", err)
	}
	if id != 6 {
		t.Fatalf("expected id 6, got %d", id)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet redis expectations: %v", err)
	}
}

func TestRedisBackendPutLosesFingerprintRace(t *testing.T) {
	client, mock := redismock.NewClientMock()
	backend := NewRedisBackend("").WithClient(client)
	rec := newRedisRecord()

	expected := *rec
	expected.ID = 7
	pairs, err := flatPairs(&expected)
	if err != nil {
		t.Fatalf("failed to build expected hash pairs: %v", err)
	}

	mock.ExpectIncr("errtrack:next_id").SetVal(7)
	mock.ExpectHSet("errtrack:error:7", pairs...).SetVal(int64(len(pairs) / 2))
	mock.ExpectSetNX("errtrack:index:func:foo.go:bar", int64(7), 0).SetVal(false)
	mock.ExpectDel("errtrack:error:7").SetVal(1)

	_, err = backend.Put(context.Background(), rec)
	if !errors.Is(err, ErrFingerprintTaken) {
		t.Fatalf("expected ErrFingerprintTaken, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet redis expectations: %v", err)
	}
}

// Losing the create race must never surface ErrFingerprintTaken to the
// caller: the second resolve finds the winner's record through the index
// and the call records an occurrence of it instead.
func TestPutErrorLosesCreateRaceOnRedis(t *testing.T) {
	client, mock := redismock.NewClientMock()
	backend := NewRedisBackend("").WithClient(client)
	notifier := &fakeNotifier{}
	s := newTestStore(backend, notifier)

	cause := capture.NewRemote("boom", []string{"boom"}, []model.Frame{
		{Filename: "foo.go", Function: "bar", Line: 17},
	})
	trigger := capture.Trigger{
		Payload:    `{"content":"!again"}`,
		OccurredAt: time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	// First resolve misses both indexes.
	mock.ExpectGet("errtrack:index:func:foo.go:bar").RedisNil()
	mock.ExpectGet(`errtrack:index:args:foo.go:["boom"]`).RedisNil()

	// The create writes its hash, loses the SetNX claim to a concurrent
	// writer and drops the hash again.
	loser := newRedisRecord()
	loser.ID = 7
	loser.OccurredAt = trigger.OccurredAt
	loser.Messages = model.StringList{`{"content":"!again"}`}
	loserPairs, err := flatPairs(loser)
	if err != nil {
		t.Fatalf("failed to build expected hash pairs: %v", err)
	}
	mock.ExpectIncr("errtrack:next_id").SetVal(7)
	mock.ExpectHSet("errtrack:error:7", loserPairs...).SetVal(int64(len(loserPairs) / 2))
	mock.ExpectSetNX("errtrack:index:func:foo.go:bar", int64(7), 0).SetVal(false)
	mock.ExpectDel("errtrack:error:7").SetVal(1)

	// The second resolve now sees the winner.
	winner := newRedisRecord()
	winner.ID = 6
	winnerFlat, err := winner.ToFlat()
	if err != nil {
		t.Fatalf("failed to build flat record: %v", err)
	}
	mock.ExpectGet("errtrack:index:func:foo.go:bar").SetVal("6")
	mock.ExpectHGetAll("errtrack:error:6").SetVal(winnerFlat)

	// The call degrades to an occurrence of the winner's record.
	mock.ExpectWatch("errtrack:error:6")
	mock.ExpectHGet("errtrack:error:6", model.FieldMessages).SetVal(`["{\"content\":\"!deploy\"}"]`)
	mock.ExpectTxPipeline()
	mock.ExpectHIncrBy("errtrack:error:6", model.FieldOccurrences, 1).SetVal(2)
	mock.ExpectHSet("errtrack:error:6",
		model.FieldMessages, `["{\"content\":\"!deploy\"}","{\"content\":\"!again\"}"]`,
		model.FieldHandled, "false",
	).SetVal(0)
	mock.ExpectSAdd("errtrack:unhandled", int64(6)).SetVal(0)
	mock.ExpectTxPipelineExec()

	updated := newRedisRecord()
	updated.ID = 6
	updated.Occurrences = 2
	updated.Messages = append(updated.Messages, `{"content":"!again"}`)
	updatedFlat, err := updated.ToFlat()
	if err != nil {
		t.Fatalf("failed to build flat record: %v", err)
	}
	mock.ExpectHGetAll("errtrack:error:6").SetVal(updatedFlat)

	rec, err := s.PutError(context.Background(), trigger, cause)
	if err != nil {
		t.Fatalf("losing the create race must not fail the call: %v", err)
	}
	if rec == nil || rec.ID != 6 || rec.Occurrences != 2 {
		t.Fatalf("expected the winner's record with 2 occurrences, got %+v", rec)
	}
	if notifier.news != 0 || notifier.recurrences != 1 {
		t.Fatalf("unexpected notifications: %+v", notifier)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet redis expectations: %v", err)
	}
}

func TestRedisBackendGetByFingerprint(t *testing.T) {
	t.Run("primary index hit", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		backend := NewRedisBackend("").WithClient(client)

		rec := newRedisRecord()
		rec.ID = 6
		flat, err := rec.ToFlat()
		if err != nil {
			t.Fatalf("failed to build flat record: %v", err)
		}

		mock.ExpectGet("errtrack:index:func:foo.go:bar").SetVal("6")
		mock.ExpectHGetAll("errtrack:error:6").SetVal(flat)

		got, err := backend.GetByFingerprint(context.Background(), "foo.go", "bar", []string{"boom"})
		if err != nil {
			t.Fatalf("unexpected error resolving fingerprint: %v", err)
		}
		if got == nil || got.ID != 6 {
			t.Fatalf("expected record 6, got %+v", got)
		}
	})

	t.Run("falls back to args index", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		backend := NewRedisBackend("").WithClient(client)

		rec := newRedisRecord()
		rec.ID = 6
		flat, err := rec.ToFlat()
		if err != nil {
			t.Fatalf("failed to build flat record: %v", err)
		}

		mock.ExpectGet("errtrack:index:func:foo.go:other").RedisNil()
		mock.ExpectGet(`errtrack:index:args:foo.go:["boom"]`).SetVal("6")
		mock.ExpectHGetAll("errtrack:error:6").SetVal(flat)

		got, err := backend.GetByFingerprint(context.Background(), "foo.go", "other", []string{"boom"})
		if err != nil {
			t.Fatalf("unexpected error resolving via args index: %v", err)
		}
		if got == nil || got.ID != 6 {
			t.Fatalf("expected record 6, got %+v", got)
		}
	})

	t.Run("no index hit returns nil", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		backend := NewRedisBackend("").WithClient(client)

		mock.ExpectGet("errtrack:index:func:foo.go:bar").RedisNil()
		mock.ExpectGet(`errtrack:index:args:foo.go:["nope"]`).RedisNil()

		got, err := backend.GetByFingerprint(context.Background(), "foo.go", "bar", []string{"nope"})
		if err != nil {
			t.Fatalf("unexpected error on fingerprint miss: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil record, got %+v", got)
		}
	})
}

func TestRedisBackendGetByIDUnknown(t *testing.T) {
	client, mock := redismock.NewClientMock()
	backend := NewRedisBackend("").WithClient(client)

	mock.ExpectHGetAll("errtrack:error:999").SetVal(map[string]string{})

	rec, err := backend.GetByID(context.Background(), 999)
	if err != nil {
		t.Fatalf("unexpected error fetching unknown record: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestRedisBackendAddOccurrence(t *testing.T) {
	client, mock := redismock.NewClientMock()
	backend := NewRedisBackend("").WithClient(client)

	mock.ExpectWatch("errtrack:error:6")
	mock.ExpectHGet("errtrack:error:6", model.FieldMessages).SetVal(`["{\"content\":\"!deploy\"}"]`)
	mock.ExpectTxPipeline()
	mock.ExpectHIncrBy("errtrack:error:6", model.FieldOccurrences, 1).SetVal(2)
	mock.ExpectHSet("errtrack:error:6",
		model.FieldMessages, `["{\"content\":\"!deploy\"}","{\"content\":\"!again\"}"]`,
		model.FieldHandled, "false",
	).SetVal(0)
	mock.ExpectSAdd("errtrack:unhandled", int64(6)).SetVal(0)
	mock.ExpectTxPipelineExec()

	if err := backend.AddOccurrence(context.Background(), 6, `{"content":"!again"}`); err != nil {
		t.Fatalf("unexpected error adding occurrence: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet redis expectations: %v", err)
	}
}

func TestRedisBackendAddOccurrenceUnknownRecord(t *testing.T) {
	client, mock := redismock.NewClientMock()
	backend := NewRedisBackend("").WithClient(client)

	mock.ExpectWatch("errtrack:error:999")
	mock.ExpectHGet("errtrack:error:999", model.FieldMessages).RedisNil()

	if err := backend.AddOccurrence(context.Background(), 999, "msg"); err == nil {
		t.Fatal("expected an error for unknown record")
	}
}

func TestRedisBackendSetHandled(t *testing.T) {
	t.Run("handling removes from unhandled set", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		backend := NewRedisBackend("").WithClient(client)

		rec := newRedisRecord()
		rec.ID = 6
		rec.Handled = true
		flat, err := rec.ToFlat()
		if err != nil {
			t.Fatalf("failed to build flat record: %v", err)
		}

		mock.ExpectExists("errtrack:error:6").SetVal(1)
		mock.ExpectHSet("errtrack:error:6", model.FieldHandled, "true").SetVal(0)
		mock.ExpectSRem("errtrack:unhandled", int64(6)).SetVal(1)
		mock.ExpectHGetAll("errtrack:error:6").SetVal(flat)

		got, err := backend.SetHandled(context.Background(), 6, true)
		if err != nil {
			t.Fatalf("unexpected error setting handled: %v", err)
		}
		if got == nil || !got.Handled {
			t.Fatalf("expected handled record, got %+v", got)
		}
	})

	t.Run("unhandling re-adds to unhandled set", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		backend := NewRedisBackend("").WithClient(client)

		rec := newRedisRecord()
		rec.ID = 6
		flat, err := rec.ToFlat()
		if err != nil {
			t.Fatalf("failed to build flat record: %v", err)
		}

		mock.ExpectExists("errtrack:error:6").SetVal(1)
		mock.ExpectHSet("errtrack:error:6", model.FieldHandled, "false").SetVal(0)
		mock.ExpectSAdd("errtrack:unhandled", int64(6)).SetVal(1)
		mock.ExpectHGetAll("errtrack:error:6").SetVal(flat)

		got, err := backend.SetHandled(context.Background(), 6, false)
		if err != nil {
			t.Fatalf("unexpected error clearing handled: %v", err)
		}
		if got == nil || got.Handled {
			t.Fatalf("expected unhandled record, got %+v", got)
		}
	})

	t.Run("unknown id returns nil without error", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		backend := NewRedisBackend("").WithClient(client)

		mock.ExpectExists("errtrack:error:999").SetVal(0)

		got, err := backend.SetHandled(context.Background(), 999, true)
		if err != nil {
			t.Fatalf("unexpected error on unknown id: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil record, got %+v", got)
		}
	})
}

func TestRedisBackendListUnhandled(t *testing.T) {
	client, mock := redismock.NewClientMock()
	backend := NewRedisBackend("").WithClient(client)

	first := newRedisRecord()
	first.ID = 3
	firstFlat, err := first.ToFlat()
	if err != nil {
		t.Fatalf("failed to build flat record: %v", err)
	}
	second := newRedisRecord()
	second.ID = 7
	secondFlat, err := second.ToFlat()
	if err != nil {
		t.Fatalf("failed to build flat record: %v", err)
	}

	mock.ExpectSMembers("errtrack:unhandled").SetVal([]string{"3", "7"})
	mock.ExpectHGetAll("errtrack:error:3").SetVal(firstFlat)
	mock.ExpectHGetAll("errtrack:error:7").SetVal(secondFlat)

	recs, err := backend.ListUnhandled(context.Background())
	if err != nil {
		t.Fatalf("unexpected error listing unhandled records: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != 3 || recs[1].ID != 7 {
		t.Fatalf("unexpected listing: %+v", recs)
	}
}
