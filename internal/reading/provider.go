package reading

import (
	"context"
	"time"
)

// Source abstracts one external data provider (energy prices, AC controller,
// weather, spot market).
//
// Fetch performs one bounded round of network calls. It may return readings
// together with a MissingField FetchError when the payload was incomplete;
// callers must persist those readings.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Reading, error)
}

// Store is the contract the capture stores (disk or memory) must satisfy.
type Store interface {
	Initialize(source string) error
	WriteThrough(source string, session Session, set *ReadingSet, now time.Time) error
}
