package scheduler

import (
	"time"

	"go.uber.org/atomic"
)

// State of a polling loop.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateFetching  State = "fetching"
	StateStopped   State = "stopped"
)

// Outcome of one tick.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomePartial       Outcome = "partial"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeFetchFailed   Outcome = "failed"
	OutcomePersistFailed Outcome = "persist_failed"
)

// Status is a point-in-time view of a loop, safe to read from other goroutines.
type Status struct {
	Source      string    `json:"source"`
	Session     string    `json:"session"`
	State       State     `json:"state"`
	Period      string    `json:"period"`
	LastTick    time.Time `json:"lastTick,omitempty"`
	NextTick    time.Time `json:"nextTick,omitempty"`
	LastOutcome Outcome   `json:"lastOutcome,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Fetches     int64     `json:"fetches"`
	Failures    int64     `json:"failures"`
	Duplicates  int64     `json:"duplicates"`
	Persisted   int64     `json:"persisted"`
	InMemory    int64     `json:"inMemory"`
}

type loopStatus struct {
	state       atomic.String
	lastTick    atomic.Int64 // unix nanos, 0 = never
	nextTick    atomic.Int64
	lastOutcome atomic.String
	lastError   atomic.String
	fetches     atomic.Int64
	failures    atomic.Int64
	duplicates  atomic.Int64
	persisted   atomic.Int64
	inMemory    atomic.Int64
}

func storeTime(a *atomic.Int64, t time.Time) {
	if t.IsZero() {
		a.Store(0)
		return
	}
	a.Store(t.UnixNano())
}

func loadTime(a *atomic.Int64, loc *time.Location) time.Time {
	n := a.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).In(loc)
}
