package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Flat field names used by the key-value backend. Every value is a string;
// nested structures are JSON-encoded.
const (
	FieldID               = "id"
	FieldStack            = "stack"
	FieldFrames           = "frames"
	FieldArgs             = "args"
	FieldOccurrences      = "occurrences"
	FieldHandled          = "handled"
	FieldOccurredAt       = "occurred_at"
	FieldMessages         = "messages"
	FieldTrackingFilename = "tracking_filename"
	FieldTrackingFunction = "tracking_function"
)

// ToDocument encodes the record as a JSON document.
func (r *Record) ToDocument() ([]byte, error) {
	return json.Marshal(r)
}

// RecordFromDocument decodes a record from its JSON document form.
func RecordFromDocument(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record document: %w", err)
	}
	return &rec, nil
}

// ToFlat encodes the record as a flat string map suitable for a hash-style
// key-value store.
func (r *Record) ToFlat() (map[string]string, error) {
	stack, err := json.Marshal(r.Stack)
	if err != nil {
		return nil, fmt.Errorf("encoding stack: %w", err)
	}
	frames, err := json.Marshal(r.Frames)
	if err != nil {
		return nil, fmt.Errorf("encoding frames: %w", err)
	}
	args, err := json.Marshal(r.Args)
	if err != nil {
		return nil, fmt.Errorf("encoding args: %w", err)
	}
	messages, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, fmt.Errorf("encoding messages: %w", err)
	}

	return map[string]string{
		FieldID:               strconv.FormatInt(r.ID, 10),
		FieldStack:            string(stack),
		FieldFrames:           string(frames),
		FieldArgs:             string(args),
		FieldOccurrences:      strconv.Itoa(r.Occurrences),
		FieldHandled:          strconv.FormatBool(r.Handled),
		FieldOccurredAt:       r.OccurredAt.Format(time.RFC3339Nano),
		FieldMessages:         string(messages),
		FieldTrackingFilename: r.TrackingFilename,
		FieldTrackingFunction: r.TrackingFunction,
	}, nil
}

// RecordFromFlat decodes a record from its flat string map form. Missing
// list fields decode as empty lists rather than failing, since older
// entries may predate a field.
func RecordFromFlat(flat map[string]string) (*Record, error) {
	rec := &Record{
		Stack:            StringList{},
		Frames:           FrameList{},
		Args:             StringList{},
		Messages:         StringList{},
		TrackingFilename: flat[FieldTrackingFilename],
		TrackingFunction: flat[FieldTrackingFunction],
	}

	var err error
	if raw, ok := flat[FieldID]; ok {
		if rec.ID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("decoding record id %q: %w", raw, err)
		}
	}
	if raw, ok := flat[FieldOccurrences]; ok {
		if rec.Occurrences, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("decoding occurrences %q: %w", raw, err)
		}
	}
	if raw, ok := flat[FieldHandled]; ok {
		if rec.Handled, err = strconv.ParseBool(raw); err != nil {
			return nil, fmt.Errorf("decoding handled %q: %w", raw, err)
		}
	}
	if raw, ok := flat[FieldOccurredAt]; ok {
		if rec.OccurredAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("decoding occurred_at %q: %w", raw, err)
		}
	}
	if raw := flat[FieldStack]; raw != "" {
		if err = json.Unmarshal([]byte(raw), &rec.Stack); err != nil {
			return nil, fmt.Errorf("decoding stack: %w", err)
		}
	}
	if raw := flat[FieldFrames]; raw != "" {
		if err = json.Unmarshal([]byte(raw), &rec.Frames); err != nil {
			return nil, fmt.Errorf("decoding frames: %w", err)
		}
	}
	if raw := flat[FieldArgs]; raw != "" {
		if err = json.Unmarshal([]byte(raw), &rec.Args); err != nil {
			return nil, fmt.Errorf("decoding args: %w", err)
		}
	}
	if raw := flat[FieldMessages]; raw != "" {
		if err = json.Unmarshal([]byte(raw), &rec.Messages); err != nil {
			return nil, fmt.Errorf("decoding messages: %w", err)
		}
	}

	return rec, nil
}
