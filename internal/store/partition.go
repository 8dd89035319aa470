package store

import (
	"fmt"
	"time"
)

// Partition is a time-bucketed file grouping for one source.
type Partition string

const (
	Daily   Partition = "daily"
	Weekly  Partition = "weekly"
	Monthly Partition = "monthly"
	Yearly  Partition = "yearly"
)

// Partitions lists every granularity written on each write-through.
var Partitions = []Partition{Daily, Weekly, Monthly, Yearly}

// Key returns the partition key for t, e.g. 2024-03-05, 2024-W10, 2024-03, 2024.
func (p Partition) Key(t time.Time) string {
	switch p {
	case Daily:
		return t.Format("2006-01-02")
	case Weekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case Monthly:
		return t.Format("2006-01")
	case Yearly:
		return t.Format("2006")
	default:
		return ""
	}
}

// Bounds returns the [start, end) window of the partition containing t, in
// t's location. Weeks start on Monday.
func (p Partition) Bounds(t time.Time) (time.Time, time.Time) {
	loc := t.Location()
	y, m, d := t.Date()
	switch p {
	case Daily:
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 1)
	case Weekly:
		offset := (int(t.Weekday()) + 6) % 7
		start := time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 7)
	case Monthly:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	default:
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(1, 0, 0)
	}
}

// OpenSince returns the start of the earliest partition window containing t.
// Readings captured before it no longer appear in any file written at t.
func OpenSince(t time.Time) time.Time {
	earliest := t
	for _, p := range Partitions {
		if from, _ := p.Bounds(t); from.Before(earliest) {
			earliest = from
		}
	}
	return earliest
}

// FileName builds <source>_<partition-key>__<session>.<ext>.
func FileName(source string, p Partition, t time.Time, sessionID, ext string) string {
	return fmt.Sprintf("%s_%s__%s.%s", source, p.Key(t), sessionID, ext)
}
