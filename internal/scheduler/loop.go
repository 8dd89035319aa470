package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/home-energy-capture/internal/metrics"
	"github.com/i474232898/home-energy-capture/internal/reading"
	"github.com/i474232898/home-energy-capture/internal/store"
)

// LoopConfig configures one polling loop.
type LoopConfig struct {
	Period time.Duration
	// EndAt stops the loop once the next tick is not before it. Zero runs forever.
	EndAt time.Time
	// FetchTimeout bounds a single Fetch call. Zero means no extra bound.
	FetchTimeout time.Duration
	// MaxHistory is the per-entity in-memory size above which the loop warns
	// (0 = never). Readings inside open partitions are never dropped for it.
	MaxHistory int
}

// Loop polls one source on an hour-aligned, drift-free schedule and writes
// every successful batch through the store.
type Loop struct {
	source  reading.Source
	store   reading.Store
	clock   Clock
	cfg     LoopConfig
	session reading.Session
	set     *reading.ReadingSet
	logger  zerolog.Logger
	metrics *metrics.Metrics
	status  loopStatus

	overHistory bool
}

// NewLoop wires a loop. The session is created here, once per run.
func NewLoop(src reading.Source, store reading.Store, clock Clock, cfg LoopConfig, logger zerolog.Logger, m *metrics.Metrics) *Loop {
	l := &Loop{
		source:  src,
		store:   store,
		clock:   clock,
		cfg:     cfg,
		session: reading.NewSession(clock.Now()),
		set:     reading.NewReadingSet(src.Name()),
		metrics: m,
	}
	l.logger = logger.With().Str("source", src.Name()).Str("session", l.session.ID).Logger()
	l.status.state.Store(string(StateIdle))
	return l
}

func (l *Loop) Name() string { return l.source.Name() }

func (l *Loop) Session() reading.Session { return l.session }

// Status returns a snapshot of the loop's progress.
func (l *Loop) Status() Status {
	loc := l.clock.Now().Location()
	return Status{
		Source:      l.source.Name(),
		Session:     l.session.ID,
		State:       State(l.status.state.Load()),
		Period:      l.cfg.Period.String(),
		LastTick:    loadTime(&l.status.lastTick, loc),
		NextTick:    loadTime(&l.status.nextTick, loc),
		LastOutcome: Outcome(l.status.lastOutcome.Load()),
		LastError:   l.status.lastError.Load(),
		Fetches:     l.status.fetches.Load(),
		Failures:    l.status.failures.Load(),
		Duplicates:  l.status.duplicates.Load(),
		Persisted:   l.status.persisted.Load(),
		InMemory:    l.status.inMemory.Load(),
	}
}

func (l *Loop) ended(next time.Time) bool {
	return !l.cfg.EndAt.IsZero() && !next.Before(l.cfg.EndAt)
}

// Run polls until the end time is reached (returns nil) or ctx is done
// (returns ctx.Err()).
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.Period <= 0 {
		return errors.New("scheduler: sampling period must be positive")
	}
	defer l.status.state.Store(string(StateStopped))

	if err := l.store.Initialize(l.source.Name()); err != nil {
		// The store reports again on every write; keep polling.
		l.logger.Error().Err(err).Msg("failed to initialize capture directories")
	}

	next := FirstAlignedTick(l.clock.Now(), l.cfg.Period)
	l.logger.Info().
		Time("first_tick", next).
		Dur("period", l.cfg.Period).
		Time("end_at", l.cfg.EndAt).
		Msg("polling loop started")

	for {
		if l.ended(next) {
			l.logger.Info().Time("next_tick", next).Msg("end time reached; polling loop stopped")
			return nil
		}
		storeTime(&l.status.nextTick, next)
		l.status.state.Store(string(StateScheduled))

		now := l.clock.Now()
		if wait := next.Sub(now); wait > 0 {
			if err := l.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		} else if lag := -wait; lag >= l.cfg.Period {
			// Missed ticks are skipped, not queued; the latest passed one fires now.
			skipped := lag / l.cfg.Period
			next = next.Add(skipped * l.cfg.Period)
			l.logger.Warn().Int64("skipped", int64(skipped)).Time("tick", next).Msg("fetch overran its period; skipping missed ticks")
			if l.ended(next) {
				l.logger.Info().Time("next_tick", next).Msg("end time reached; polling loop stopped")
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		l.Tick(ctx, next)
		next = next.Add(l.cfg.Period)
	}
}

// Tick performs one fetch/persist cycle for the given scheduled instant.
func (l *Loop) Tick(ctx context.Context, tick time.Time) Outcome {
	l.status.state.Store(string(StateFetching))
	storeTime(&l.status.lastTick, tick)
	l.status.fetches.Inc()

	fetchCtx := ctx
	if l.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, l.cfg.FetchTimeout)
		defer cancel()
	}

	started := l.clock.Now()
	batch, err := l.source.Fetch(fetchCtx)
	capturedAt := l.clock.Now()

	outcome := l.handle(tick, capturedAt, batch, err)
	l.metrics.ObserveFetch(l.source.Name(), string(outcome), capturedAt.Sub(started).Seconds())
	l.status.lastOutcome.Store(string(outcome))
	return outcome
}

func (l *Loop) handle(tick, capturedAt time.Time, batch []reading.Reading, fetchErr error) Outcome {
	nextTick := tick.Add(l.cfg.Period)
	event := func(e *zerolog.Event, outcome Outcome) *zerolog.Event {
		return e.Time("tick", tick).Time("next_tick", nextTick).Str("outcome", string(outcome))
	}

	if fetchErr != nil && reading.KindOf(fetchErr) == reading.KindDuplicate {
		l.status.duplicates.Inc()
		l.status.lastError.Store("")
		event(l.logger.Info(), OutcomeDuplicate).Str("detail", fetchErr.Error()).Msg("no new reading since last tick")
		return OutcomeDuplicate
	}

	if len(batch) == 0 {
		if fetchErr == nil {
			fetchErr = reading.Transient(errors.New("source returned no readings"))
		}
		l.status.failures.Inc()
		l.status.lastError.Store(fetchErr.Error())
		event(l.logger.Error(), OutcomeFetchFailed).
			Str("kind", reading.KindOf(fetchErr).String()).
			Err(fetchErr).
			Msg("fetch failed")
		return OutcomeFetchFailed
	}

	for i := range batch {
		if batch[i].CapturedAt.IsZero() {
			batch[i].CapturedAt = capturedAt
		}
	}
	l.set.Append(batch...)
	// Every open partition file is rewritten from memory, so only readings
	// older than all of them can go.
	l.set.Prune(store.OpenSince(capturedAt))
	l.checkHistory()
	l.status.inMemory.Store(int64(l.set.Len()))
	l.metrics.SetInMemory(l.source.Name(), l.set.Len())

	if err := l.store.WriteThrough(l.source.Name(), l.session, l.set, capturedAt); err != nil {
		l.status.failures.Inc()
		l.status.lastError.Store(err.Error())
		l.metrics.PersistFailed(l.source.Name())
		e := event(l.logger.Error(), OutcomePersistFailed).Int("readings", len(batch)).Err(err)
		if fetchErr != nil {
			e = e.Str("fetch_error", fetchErr.Error())
		}
		e.Msg("failed to persist readings")
		return OutcomePersistFailed
	}
	l.status.persisted.Add(int64(len(batch)))

	if fetchErr != nil {
		l.status.lastError.Store(fetchErr.Error())
		event(l.logger.Warn(), OutcomePartial).
			Int("readings", len(batch)).
			Str("kind", reading.KindOf(fetchErr).String()).
			Err(fetchErr).
			Msg("persisted partial reading")
		return OutcomePartial
	}

	l.status.lastError.Store("")
	event(l.logger.Info(), OutcomeOK).Int("readings", len(batch)).Msg("reading persisted")
	return OutcomeOK
}

func (l *Loop) checkHistory() {
	if l.cfg.MaxHistory <= 0 {
		return
	}
	longest := l.set.MaxSeries()
	switch {
	case longest > l.cfg.MaxHistory && !l.overHistory:
		l.overHistory = true
		l.logger.Warn().
			Int("readings", longest).
			Int("max_history", l.cfg.MaxHistory).
			Msg("in-memory history above STORE_MAX_HISTORY; consider a longer sampling period")
	case longest <= l.cfg.MaxHistory:
		l.overHistory = false
	}
}
