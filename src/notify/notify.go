// Package notify delivers best-effort human-readable summaries of store
// mutations. Nothing here may fail the store operation that fired it.
package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"errtrack/src/model"
)

// Transport messages longer than this are offloaded to the paste service
// (or truncated when none is configured).
const maxBodyLen = 1990

// Notifier is the outbound channel for store events.
type Notifier interface {
	NotifyNew(rec *model.Record) error
	NotifyRecurrence(rec *model.Record) error
	NotifyHandledChange(rec *model.Record) error
}

// Noop drops every notification. Used when no endpoint is configured.
type Noop struct{}

func (Noop) NotifyNew(*model.Record) error           { return nil }
func (Noop) NotifyRecurrence(*model.Record) error    { return nil }
func (Noop) NotifyHandledChange(*model.Record) error { return nil }

// Event is the JSON payload posted to the webhook endpoint.
type Event struct {
	EventID     string `json:"event_id"`
	Kind        string `json:"kind"` // new | recurrence | handled_change
	RecordID    int64  `json:"record_id"`
	Occurrences int    `json:"occurrences"`
	Handled     bool   `json:"handled"`
	Text        string `json:"text"`
	TextURL     string `json:"text_url,omitempty"`
}

// Webhook posts events to an HTTP endpoint, optionally offloading long
// bodies to a paste service.
type Webhook struct {
	http       *resty.Client
	webhookURL string
	pasteURL   string
	pasteToken string
}

// NewWebhook builds the webhook sink.
func NewWebhook(webhookURL, pasteURL, pasteToken string) *Webhook {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Webhook{
		http:       httpClient,
		webhookURL: webhookURL,
		pasteURL:   pasteURL,
		pasteToken: pasteToken,
	}
}

func (w *Webhook) NotifyNew(rec *model.Record) error {
	text := fmt.Sprintf(
		"New error #%d first seen on %s.\n```\n%s\n```",
		rec.ID,
		rec.OccurredAt.Format("Mon, Jan 02 at 15:04 MST"),
		strings.Join(rec.Stack, "\n"),
	)
	return w.send("new", rec, text)
}

func (w *Webhook) NotifyRecurrence(rec *model.Record) error {
	text := fmt.Sprintf(
		"Error #%d has occurred %d times, and is currently %s.",
		rec.ID, rec.Occurrences, handledLabel(rec.Handled),
	)
	return w.send("recurrence", rec, text)
}

func (w *Webhook) NotifyHandledChange(rec *model.Record) error {
	text := fmt.Sprintf("Error #%d is now %s", rec.ID, handledLabel(rec.Handled))
	return w.send("handled_change", rec, text)
}

func handledLabel(handled bool) string {
	if handled {
		return "HANDLED"
	}
	return "UNHANDLED"
}

func (w *Webhook) send(kind string, rec *model.Record, text string) error {
	event := Event{
		EventID:     uuid.New().String(),
		Kind:        kind,
		RecordID:    rec.ID,
		Occurrences: rec.Occurrences,
		Handled:     rec.Handled,
		Text:        text,
	}

	if len(event.Text) > maxBodyLen {
		if url, err := w.paste(event.Text); err == nil {
			event.Text = ""
			event.TextURL = url
		} else {
			logger.WithError(err).WithField("component", "notify").
				Warn("Paste offload failed, truncating body")
			event.Text = truncate(event.Text, maxBodyLen)
		}
	}

	resp, err := w.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post(w.webhookURL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// truncate caps s at limit bytes without splitting a multi-byte rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

type pasteResponse struct {
	URL string `json:"url"`
}

func (w *Webhook) paste(text string) (string, error) {
	if w.pasteURL == "" {
		return "", fmt.Errorf("no paste endpoint configured")
	}

	var parsed pasteResponse
	resp, err := w.http.R().
		SetAuthToken(w.pasteToken).
		SetHeader("Content-Type", "text/plain").
		SetBody(text).
		SetResult(&parsed).
		Post(w.pasteURL)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("paste service returned status %d", resp.StatusCode())
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("paste service returned no url")
	}
	return parsed.URL, nil
}
