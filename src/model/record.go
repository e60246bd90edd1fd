package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Frame describes one level of a captured stack, outermost first in a
// Record's Frames slice. Scope maps variable names to their serialized
// representation.
type Frame struct {
	Filename string            `json:"filename"`
	Function string            `json:"function"`
	Line     int               `json:"lineno"`
	Scope    map[string]string `json:"scope"`
}

// Record represents one distinct failure signature. A record is created on
// the first capture of a failure and mutated only by recording further
// occurrences or toggling the handled flag.
type Record struct {
	ID int64 `gorm:"primaryKey" json:"id"`

	// Diagnostic snapshot, immutable after creation.
	Stack  StringList `gorm:"type:jsonb;not null" json:"stack"`
	Frames FrameList  `gorm:"type:jsonb;not null" json:"frames"`
	Args   StringList `gorm:"type:jsonb;not null;uniqueIndex:idx_errtrack_fingerprint,priority:3" json:"args"`

	Occurrences int       `gorm:"not null;default:1" json:"occurrences"`
	Handled     bool      `gorm:"not null" json:"handled"`
	OccurredAt  time.Time `gorm:"not null" json:"occurred_at"`

	// One serialized trigger snapshot per occurrence, append-only.
	Messages StringList `gorm:"type:jsonb;not null" json:"messages"`

	// Deepest frame at first capture; together with Args these form the
	// dedup fingerprint.
	TrackingFilename string `gorm:"not null;uniqueIndex:idx_errtrack_fingerprint,priority:1" json:"tracking_filename"`
	TrackingFunction string `gorm:"not null;uniqueIndex:idx_errtrack_fingerprint,priority:2" json:"tracking_function"`
}

// TableName keeps the historical table name used by earlier deployments.
func (Record) TableName() string {
	return "errtrack_errors"
}

// StringList is a []string persisted as a jsonb column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner. Both byte and text representations are
// accepted since drivers disagree on how jsonb comes back.
func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// FrameList is a []Frame persisted as a jsonb column.
type FrameList []Frame

// Value implements driver.Valuer.
func (f FrameList) Value() (driver.Value, error) {
	if f == nil {
		f = FrameList{}
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner.
func (f *FrameList) Scan(value interface{}) error {
	return scanJSON(value, f)
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported column type %T", value)
	}
}
