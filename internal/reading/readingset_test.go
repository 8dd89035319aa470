package reading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(entity string, ts time.Time) Reading {
	return Reading{Entity: entity, CapturedAt: ts, Fields: map[string]Value{"price": Number(1)}}
}

func TestReadingSetAppendAndEntities(t *testing.T) {
	set := NewReadingSet("spotmarket")
	base := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	set.Append(at("SE3", base), at("NO1", base), at("SE3", base.Add(time.Hour)))

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, []string{"NO1", "SE3"}, set.Entities())
	assert.Len(t, set.Series["SE3"], 2)
}

func TestReadingSetWindow(t *testing.T) {
	set := NewReadingSet("weather")
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	set.Append(
		at("a", day.Add(-time.Second)),
		at("a", day),
		at("a", day.Add(23*time.Hour)),
		at("b", day.Add(24*time.Hour)),
	)

	w := set.Window(day, day.Add(24*time.Hour))
	assert.Equal(t, "weather", w.Source)
	assert.Equal(t, 2, w.Len())
	assert.NotContains(t, w.Series, "b")

	// The window is a copy.
	w.Append(at("a", day.Add(time.Hour)))
	assert.Equal(t, 4, set.Len())
}

func TestReadingSetPrune(t *testing.T) {
	set := NewReadingSet("tibber")
	newYear := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	set.Append(
		at("home", newYear.Add(-2*time.Hour)),
		at("home", newYear.Add(-time.Hour)),
		at("home", newYear),
		at("old", newYear.Add(-time.Hour)),
	)

	removed := set.Prune(newYear)
	assert.Equal(t, 3, removed)
	require.Len(t, set.Series["home"], 1)
	assert.Equal(t, newYear, set.Series["home"][0].CapturedAt)
	assert.NotContains(t, set.Series, "old")
}

func TestReadingSetPruneZeroCutoff(t *testing.T) {
	set := NewReadingSet("tibber")
	set.Append(at("home", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Zero(t, set.Prune(time.Time{}))
	assert.Equal(t, 1, set.Len())
}

func TestReadingSetMaxSeries(t *testing.T) {
	set := NewReadingSet("sensibo")
	assert.Zero(t, set.MaxSeries())

	base := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		set.Append(at("Bedroom", base.Add(time.Duration(i)*time.Minute)))
	}
	set.Append(at("Hall", base))
	assert.Equal(t, 5, set.MaxSeries())
}

func TestNewSession(t *testing.T) {
	started := time.Date(2024, 3, 5, 14, 0, 7, 0, time.UTC)
	a := NewSession(started)
	b := NewSession(started)

	assert.Regexp(t, `^20240305T140007-[0-9a-f]{8}$`, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, started, a.StartedAt)
}
