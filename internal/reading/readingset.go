package reading

import (
	"sort"
	"time"
)

// ReadingSet is the per-source accumulated history, keyed by entity. Each
// series is ordered by CapturedAt. A ReadingSet is owned by a single polling
// loop and is not safe for concurrent use.
type ReadingSet struct {
	Source string               `json:"source"`
	Series map[string][]Reading `json:"series"`
}

func NewReadingSet(source string) *ReadingSet {
	return &ReadingSet{
		Source: source,
		Series: make(map[string][]Reading),
	}
}

// Append adds readings to their entity series.
func (s *ReadingSet) Append(readings ...Reading) {
	for _, r := range readings {
		s.Series[r.Entity] = append(s.Series[r.Entity], r)
	}
}

// Len returns the total number of readings across all entities.
func (s *ReadingSet) Len() int {
	n := 0
	for _, series := range s.Series {
		n += len(series)
	}
	return n
}

// Entities returns the entity keys in sorted order.
func (s *ReadingSet) Entities() []string {
	keys := make([]string, 0, len(s.Series))
	for k := range s.Series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Window returns a copy holding readings captured in [from, to). Entities
// with no reading in the window are omitted.
func (s *ReadingSet) Window(from, to time.Time) *ReadingSet {
	out := NewReadingSet(s.Source)
	for entity, series := range s.Series {
		var kept []Reading
		for _, r := range series {
			if !r.CapturedAt.Before(from) && r.CapturedAt.Before(to) {
				kept = append(kept, r)
			}
		}
		if len(kept) > 0 {
			out.Series[entity] = kept
		}
	}
	return out
}

// Prune drops readings captured before cutoff and returns how many were
// removed. A zero cutoff keeps everything.
func (s *ReadingSet) Prune(cutoff time.Time) int {
	if cutoff.IsZero() {
		return 0
	}
	removed := 0
	for entity, series := range s.Series {
		i := 0
		for ; i < len(series); i++ {
			if !series[i].CapturedAt.Before(cutoff) {
				break
			}
		}
		if i == 0 {
			continue
		}
		removed += i
		if i == len(series) {
			delete(s.Series, entity)
			continue
		}
		// Re-slice into a fresh array so dropped readings can be collected.
		s.Series[entity] = append([]Reading(nil), series[i:]...)
	}
	return removed
}

// MaxSeries returns the length of the longest entity series.
func (s *ReadingSet) MaxSeries() int {
	n := 0
	for _, series := range s.Series {
		if len(series) > n {
			n = len(series)
		}
	}
	return n
}
