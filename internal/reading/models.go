package reading

import (
	"time"

	"github.com/google/uuid"
)

// Value is one named field of a Reading. Exactly one of Number, Text or Bool
// is set, unless Absent marks a field the vendor did not report.
type Value struct {
	Number *float64 `json:"number,omitempty"`
	Text   *string  `json:"text,omitempty"`
	Bool   *bool    `json:"bool,omitempty"`
	Absent bool     `json:"absent,omitempty"`
}

func Number(v float64) Value { return Value{Number: &v} }

func Text(v string) Value { return Value{Text: &v} }

func Bool(v bool) Value { return Value{Bool: &v} }

// Absent is the explicit marker for a field missing from a vendor payload.
func Absent() Value { return Value{Absent: true} }

// Reading is a single sample for one sub-entity of a source (a home, a
// device, a price area, a location).
type Reading struct {
	Entity string `json:"entity"`

	// CapturedAt is when the sample was fetched, in local time. Partitioning
	// on disk is driven by this timestamp.
	CapturedAt time.Time `json:"capturedAt"`

	// MeasuredAt is the vendor's own timestamp for the sample, if any.
	MeasuredAt time.Time `json:"measuredAt,omitempty"`

	Fields map[string]Value `json:"fields"`
}

// Session identifies every file written during one polling run.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// NewSession returns a session whose ID sorts by start time and stays unique
// across concurrent loops.
func NewSession(startedAt time.Time) Session {
	id := uuid.NewString()
	return Session{
		ID:        startedAt.Format("20060102T150405") + "-" + id[:8],
		StartedAt: startedAt,
	}
}
