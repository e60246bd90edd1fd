package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"errtrack/src/capture"
	"errtrack/src/model"
)

type errorGetter interface {
	GetError(ctx context.Context, id int64) (*model.Record, error)
}

type handledSetter interface {
	SetHandled(ctx context.Context, id int64, handled bool) (*model.Record, error)
}

type unhandledLister interface {
	GetAllUnhandled(ctx context.Context) ([]model.Record, error)
}

type errorReporter interface {
	PutError(ctx context.Context, trigger capture.Trigger, cause error) (*model.Record, error)
}

// GetErrorHandler returns a handler that fetches one record by id.
func GetErrorHandler(store errorGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid error id", http.StatusBadRequest)
			return
		}

		rec, err := store.GetError(r.Context(), id)
		if err != nil {
			logger.WithError(err).Error("failed to fetch error record")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "error record not found", http.StatusNotFound)
			return
		}

		writeJSON(w, rec)
	}
}

// ListUnhandledHandler returns a handler that lists unhandled records. The
// order is unspecified; clients wanting most-recent or most-frequent reduce
// over id or occurrences themselves.
func ListUnhandledHandler(store unhandledLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := store.GetAllUnhandled(r.Context())
		if err != nil {
			logger.WithError(err).Error("failed to list unhandled error records")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []model.Record{}
		}

		writeJSON(w, recs)
	}
}

type setHandledRequest struct {
	Handled bool `json:"handled"`
}

// SetHandledHandler returns a handler that toggles a record's handled flag.
func SetHandledHandler(store handledSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid error id", http.StatusBadRequest)
			return
		}

		var req setHandledRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		rec, err := store.SetHandled(r.Context(), id, req.Handled)
		if err != nil {
			logger.WithError(err).Error("failed to set handled state")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "error record not found", http.StatusNotFound)
			return
		}

		writeJSON(w, rec)
	}
}

type reportRequest struct {
	Error      string          `json:"error"`
	Args       []string        `json:"args,omitempty"`
	Frames     []model.Frame   `json:"frames,omitempty"`
	OccurredAt *time.Time      `json:"occurred_at,omitempty"`
	Message    capture.Message `json:"message"`
}

// ReportErrorHandler returns a handler that records a failure reported by
// a monitored host, together with the input that triggered it.
func ReportErrorHandler(store errorReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Error == "" {
			http.Error(w, "error text is required", http.StatusBadRequest)
			return
		}

		occurredAt := time.Now().UTC()
		if req.OccurredAt != nil {
			occurredAt = *req.OccurredAt
		}

		trigger := capture.Trigger{
			Payload:    req.Message,
			OccurredAt: occurredAt,
		}

		rec, err := store.PutError(r.Context(), trigger, capture.NewRemote(req.Error, req.Args, req.Frames))
		if err != nil {
			logger.WithError(err).Error("failed to record reported error")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(rec); err != nil {
			logger.WithError(err).Error("failed to encode record response")
		}
	}
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Error("failed to encode response")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
