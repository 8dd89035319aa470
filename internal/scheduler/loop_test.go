package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/home-energy-capture/internal/reading"
	"github.com/i474232898/home-energy-capture/internal/store"
)

// fakeClock advances only when slept on or explicitly moved.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

type fetchResult struct {
	readings []reading.Reading
	err      error
}

// scriptedSource returns results in order, repeating the last one, and takes
// cost of fake time per fetch.
type scriptedSource struct {
	clock   *fakeClock
	cost    time.Duration
	results []fetchResult
	calls   []time.Time
	onFetch func(n int)
}

func (s *scriptedSource) Name() string { return "tibber" }

func (s *scriptedSource) Fetch(ctx context.Context) ([]reading.Reading, error) {
	s.calls = append(s.calls, s.clock.Now())
	if s.onFetch != nil {
		s.onFetch(len(s.calls))
	}
	s.clock.Advance(s.cost)

	i := len(s.calls) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	if i < 0 {
		return []reading.Reading{sample("home", 1)}, nil
	}
	return s.results[i].readings, s.results[i].err
}

func sample(entity string, v float64) reading.Reading {
	return reading.Reading{
		Entity: entity,
		Fields: map[string]reading.Value{"consumption": reading.Number(v)},
	}
}

type failingStore struct {
	writes int
}

func (s *failingStore) Initialize(string) error { return nil }

func (s *failingStore) WriteThrough(string, reading.Session, *reading.ReadingSet, time.Time) error {
	s.writes++
	return errors.New("disk full")
}

func newTestLoop(src *scriptedSource, st reading.Store, cfg LoopConfig) *Loop {
	return NewLoop(src, st, src.clock, cfg, zerolog.Nop(), nil)
}

func TestLoopTicksAreDriftFree(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 23, 10, 0, time.UTC)}
	src := &scriptedSource{clock: clock, cost: 7 * time.Second}
	st := store.NewMemoryStore()

	loop := newTestLoop(src, st, LoopConfig{
		Period: 15 * time.Minute,
		EndAt:  time.Date(2024, 3, 5, 16, 0, 0, 0, time.UTC),
	})
	require.NoError(t, loop.Run(context.Background()))

	require.Len(t, src.calls, 6)
	want := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	for i, got := range src.calls {
		assert.True(t, want.Equal(got), "tick %d: want %v, got %v", i, want, got)
		want = want.Add(15 * time.Minute)
	}
	assert.True(t, st.Initialized("tibber"))
	assert.Equal(t, 6, st.Writes("tibber"))
	assert.Equal(t, StateStopped, loop.Status().State)
	assert.EqualValues(t, 6, loop.Status().Persisted)
}

func TestLoopEndTimeInThePast(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 23, 10, 0, time.UTC)
	clock := &fakeClock{now: now}
	src := &scriptedSource{clock: clock}
	st := store.NewMemoryStore()

	loop := newTestLoop(src, st, LoopConfig{Period: time.Minute, EndAt: now.Add(-time.Second)})
	require.NoError(t, loop.Run(context.Background()))

	assert.Empty(t, src.calls)
	assert.Zero(t, st.Writes("tibber"))
}

func TestLoopRejectsNonPositivePeriod(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	loop := newTestLoop(&scriptedSource{clock: clock}, store.NewMemoryStore(), LoopConfig{})
	assert.Error(t, loop.Run(context.Background()))
}

func TestLoopDuplicateDoesNotWrite(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	src := &scriptedSource{
		clock: clock,
		results: []fetchResult{
			{readings: []reading.Reading{sample("home", 1.5)}},
			{err: reading.Duplicate("same hour")},
		},
	}
	st := store.NewMemoryStore()

	loop := newTestLoop(src, st, LoopConfig{
		Period: time.Hour,
		EndAt:  time.Date(2024, 3, 5, 17, 0, 0, 0, time.UTC),
	})
	require.NoError(t, loop.Run(context.Background()))

	require.Len(t, src.calls, 3)
	assert.Equal(t, 1, st.Writes("tibber"))
	assert.Equal(t, 1, loop.set.Len())

	status := loop.Status()
	assert.EqualValues(t, 2, status.Duplicates)
	assert.Equal(t, OutcomeDuplicate, status.LastOutcome)
}

func TestLoopPersistsMissingFieldAsAbsent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	partial := reading.Reading{
		Entity: "Living room",
		Fields: map[string]reading.Value{
			"temperature": reading.Number(21.5),
			"humidity":    reading.Absent(),
		},
	}
	src := &scriptedSource{
		clock:   clock,
		results: []fetchResult{{readings: []reading.Reading{partial}, err: reading.MissingFields("Living room", "humidity")}},
	}
	st := store.NewMemoryStore()
	loop := newTestLoop(src, st, LoopConfig{Period: time.Hour})

	outcome := loop.Tick(context.Background(), clock.Now())
	assert.Equal(t, OutcomePartial, outcome)

	daily, err := st.Latest("tibber", store.Daily)
	require.NoError(t, err)
	series := daily.Series["Living room"]
	require.Len(t, series, 1)
	assert.True(t, series[0].Fields["humidity"].Absent)
	assert.Equal(t, 21.5, *series[0].Fields["temperature"].Number)
	assert.True(t, clock.Now().Equal(series[0].CapturedAt))
}

func TestLoopFetchFailureKeepsPolling(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	src := &scriptedSource{
		clock: clock,
		results: []fetchResult{
			{err: reading.Transient(errors.New("503 from vendor"))},
			{readings: []reading.Reading{sample("home", 2)}},
		},
	}
	st := store.NewMemoryStore()

	loop := newTestLoop(src, st, LoopConfig{
		Period: 30 * time.Minute,
		EndAt:  time.Date(2024, 3, 5, 15, 30, 0, 0, time.UTC),
	})
	require.NoError(t, loop.Run(context.Background()))

	require.Len(t, src.calls, 3)
	assert.Equal(t, 2, st.Writes("tibber"))
	assert.EqualValues(t, 1, loop.Status().Failures)
	assert.Empty(t, loop.Status().LastError)
}

func TestLoopPersistFailureKeepsPolling(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	src := &scriptedSource{clock: clock}
	st := &failingStore{}

	loop := newTestLoop(src, st, LoopConfig{
		Period: 20 * time.Minute,
		EndAt:  time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, loop.Run(context.Background()))

	assert.Len(t, src.calls, 3)
	assert.Equal(t, 3, st.writes)
	assert.Equal(t, OutcomePersistFailed, loop.Status().LastOutcome)
	assert.Contains(t, loop.Status().LastError, "disk full")
	// Readings stay in memory and are retried with the next write.
	assert.Equal(t, 3, loop.set.Len())
}

func TestLoopSkipsMissedTicks(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	src := &scriptedSource{clock: clock, cost: 35 * time.Minute}

	loop := newTestLoop(src, store.NewMemoryStore(), LoopConfig{
		Period: 15 * time.Minute,
		EndAt:  time.Date(2024, 3, 5, 15, 20, 0, 0, time.UTC),
	})
	require.NoError(t, loop.Run(context.Background()))

	// 14:00 fires on time; 14:30 and 15:00 fire late; the rest are skipped.
	require.Len(t, src.calls, 3)
	assert.Equal(t, time.Date(2024, 3, 5, 14, 35, 0, 0, time.UTC), src.calls[1])
	assert.Equal(t, time.Date(2024, 3, 5, 15, 10, 0, 0, time.UTC), src.calls[2])
}

func TestLoopStopsOnCancel(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	src := &scriptedSource{clock: clock, onFetch: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	st := store.NewMemoryStore()

	loop := newTestLoop(src, st, LoopConfig{Period: time.Minute})
	err := loop.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, src.calls, 2)
	assert.Equal(t, StateStopped, loop.Status().State)
}

func TestLoopHistoryLimitKeepsPartitionFiles(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	src := &scriptedSource{clock: clock}
	st := store.NewFileStore(t.TempDir())

	loop := newTestLoop(src, st, LoopConfig{
		Period:     time.Minute,
		EndAt:      time.Date(2024, 3, 5, 14, 10, 0, 0, time.UTC),
		MaxHistory: 4,
	})
	require.NoError(t, loop.Run(context.Background()))
	require.Len(t, src.calls, 10)

	last := src.calls[len(src.calls)-1]
	for _, p := range store.Partitions {
		snap, err := store.Load(st.Path("tibber", p, loop.Session(), last))
		require.NoError(t, err, string(p))
		assert.Equal(t, 10, snap.Len(), string(p))
	}
	assert.Equal(t, 10, loop.set.Len())
	assert.True(t, loop.overHistory)
}

func TestLoopKeepsWeekAcrossNewYear(t *testing.T) {
	// 2026-W53 runs from Monday 2026-12-28 to Sunday 2027-01-03.
	clock := &fakeClock{now: time.Date(2026, 12, 30, 22, 30, 0, 0, time.UTC)}
	src := &scriptedSource{clock: clock}
	st := store.NewFileStore(t.TempDir())

	loop := newTestLoop(src, st, LoopConfig{
		Period: time.Hour,
		EndAt:  time.Date(2027, 1, 1, 2, 0, 0, 0, time.UTC),
	})
	require.NoError(t, loop.Run(context.Background()))
	require.Len(t, src.calls, 27)

	last := time.Date(2027, 1, 1, 1, 0, 0, 0, time.UTC)
	weekly := st.Path("tibber", store.Weekly, loop.Session(), last)
	assert.Contains(t, weekly, "tibber_2026-W53__")
	snap, err := store.Load(weekly)
	require.NoError(t, err)
	assert.Equal(t, 27, snap.Len())

	yearly, err := store.Load(st.Path("tibber", store.Yearly, loop.Session(), last))
	require.NoError(t, err)
	assert.Equal(t, 2, yearly.Len())

	lastOf2026, err := store.Load(st.Path("tibber", store.Yearly, loop.Session(), time.Date(2026, 12, 31, 23, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, 25, lastOf2026.Len())
}

func TestLoopDropsReadingsOutsideOpenPartitions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	src := &scriptedSource{clock: clock}
	loop := newTestLoop(src, store.NewMemoryStore(), LoopConfig{Period: time.Hour})

	loop.set.Append(
		reading.Reading{Entity: "home", CapturedAt: time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)},
		reading.Reading{Entity: "home", CapturedAt: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)},
	)
	loop.Tick(context.Background(), clock.Now())

	require.Len(t, loop.set.Series["home"], 2)
	assert.Equal(t, 2024, loop.set.Series["home"][0].CapturedAt.Year())
}
