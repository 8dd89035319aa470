package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/i474232898/home-energy-capture/internal/backup"
	"github.com/i474232898/home-energy-capture/internal/config"
	"github.com/i474232898/home-energy-capture/internal/metrics"
	"github.com/i474232898/home-energy-capture/internal/reading"
	"github.com/i474232898/home-energy-capture/internal/reading/sources"
	"github.com/i474232898/home-energy-capture/internal/scheduler"
	"github.com/i474232898/home-energy-capture/internal/store"
)

// ErrNoSources is returned when configuration enables no source at all.
var ErrNoSources = errors.New("no data sources enabled; set at least one of TIBBER_API_KEY, SENSIBO_API_KEY, OPENWEATHER_API_KEY or SPOTMARKET_AREA")

// App runs one polling loop per enabled source plus the backup rotator.
type App struct {
	cfg     *config.AppConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	clock   scheduler.Clock
	store   reading.Store
	loops   []*scheduler.Loop
	rotator *backup.Rotator
}

type options struct {
	clock   scheduler.Clock
	store   reading.Store
	sources []reading.Source
	client  *http.Client
	metrics *metrics.Metrics
}

// Option customizes the dependencies used by App.
type Option func(*options)

// WithClock replaces the wall clock.
func WithClock(c scheduler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore replaces the store selected by STORE_TYPE.
func WithStore(s reading.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSources replaces the sources built from configuration.
func WithSources(srcs ...reading.Source) Option {
	return func(o *options) { o.sources = srcs }
}

// WithHTTPClient shares one client across all vendor sources.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds the app from configuration. Sources disabled by configuration
// errors are logged; zero enabled sources is an error.
func New(cfg *config.AppConfig, logger zerolog.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = scheduler.SystemClock{Location: cfg.Location}
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.store == nil {
		switch cfg.StoreType {
		case "memory":
			o.store = store.NewMemoryStore()
			logger.Warn().Msg("STORE_TYPE=memory: readings are not written to disk")
		default:
			o.store = store.NewFileStore(cfg.DataDir)
		}
	}

	for _, err := range cfg.Disabled {
		logger.Error().Err(err).Msg("source disabled by configuration")
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: o.metrics,
		clock:   o.clock,
		store:   o.store,
	}

	srcs := o.sources
	if srcs == nil {
		srcs = buildSources(cfg, o.client)
	}
	if len(srcs) == 0 {
		return nil, ErrNoSources
	}

	for _, src := range srcs {
		period, endAt := samplingFor(cfg, src.Name())
		loop := scheduler.NewLoop(src, o.store, o.clock, scheduler.LoopConfig{
			Period:       period,
			EndAt:        endAt,
			FetchTimeout: cfg.HTTPTimeout,
			MaxHistory:   cfg.StoreMaxHistory,
		}, logger.With().Str("component", "poller").Logger(), o.metrics)
		a.loops = append(a.loops, loop)
	}

	if cfg.Backup.Enabled {
		a.rotator = backup.New(backup.Config{
			SourceDir:   cfg.DataDir,
			BackupDir:   cfg.BackupDir,
			ObjectName:  cfg.Backup.ObjectName,
			MaxArchives: cfg.Backup.MaxCopies,
			EndAt:       cfg.Backup.EndAt,
		}, o.clock, logger, o.metrics)
	}

	return a, nil
}

func buildSources(cfg *config.AppConfig, client *http.Client) []reading.Source {
	var srcs []reading.Source
	if cfg.Tibber != nil {
		srcs = append(srcs, sources.NewTibberSource(sources.HTTPClientConfig{Client: client}, cfg.Tibber.APIKey))
	}
	if cfg.Sensibo != nil {
		// Two calls per device per tick; keep well inside Sensibo's rate limit.
		limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 2)
		srcs = append(srcs, sources.NewSensiboSource(sources.HTTPClientConfig{Client: client, Limiter: limiter}, cfg.Sensibo.APIKey))
	}
	if cfg.Weather != nil {
		srcs = append(srcs, sources.NewOpenWeatherSource(sources.HTTPClientConfig{Client: client}, cfg.Weather.APIKey, *cfg.Weather.Lat, *cfg.Weather.Lon))
	}
	if cfg.SpotMarket != nil {
		srcs = append(srcs, sources.NewNordPoolSource(sources.HTTPClientConfig{Client: client}, cfg.SpotMarket.Area, cfg.SpotMarket.Currency, cfg.Location))
	}
	return srcs
}

// samplingFor maps a source name to its configured period and end time.
func samplingFor(cfg *config.AppConfig, name string) (time.Duration, time.Time) {
	switch {
	case name == "tibber" && cfg.Tibber != nil:
		return cfg.Tibber.SamplingTime, cfg.Tibber.EndMiningAt
	case name == "sensibo" && cfg.Sensibo != nil:
		return cfg.Sensibo.SamplingTime, cfg.Sensibo.EndMiningAt
	case name == "weather" && cfg.Weather != nil:
		return cfg.Weather.SamplingTime, cfg.Weather.EndMiningAt
	case name == "spotmarket" && cfg.SpotMarket != nil:
		return cfg.SpotMarket.SamplingTime, cfg.SpotMarket.EndMiningAt
	}
	return time.Hour, time.Time{}
}

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

func (a *App) Loops() []*scheduler.Loop { return a.loops }

// Statuses returns a snapshot of every loop.
func (a *App) Statuses() []scheduler.Status {
	out := make([]scheduler.Status, 0, len(a.loops))
	for _, l := range a.loops {
		out = append(out, l.Status())
	}
	return out
}

// Run starts all loops and the backup rotator and waits for every one of
// them to finish. When backups are enabled a final backup runs on the way
// out, whatever the exit path.
func (a *App) Run(ctx context.Context) error {
	if a.rotator != nil {
		defer a.rotator.Final()
	}

	a.logger.Info().
		Strs("sources", a.sourceNames()).
		Bool("backups", a.rotator != nil).
		Msg("starting capture")

	var wg sync.WaitGroup
	for _, loop := range a.loops {
		loop := loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer a.recoverTask(loop.Name())
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error().Str("source", loop.Name()).Err(err).Msg("polling loop exited")
			}
		}()
	}
	if a.rotator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer a.recoverTask("backup")
			if err := a.rotator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error().Err(err).Msg("backup schedule exited")
			}
		}()
	}

	wg.Wait()
	a.logger.Info().Msg("all loops finished")
	return ctx.Err()
}

// recoverTask keeps a panicking task from taking the other loops down.
func (a *App) recoverTask(name string) {
	if r := recover(); r != nil {
		a.logger.Error().Str("task", name).Interface("panic", r).Msg("task panicked and was stopped")
	}
}

func (a *App) sourceNames() []string {
	names := make([]string, 0, len(a.loops))
	for _, l := range a.loops {
		names = append(names, l.Name())
	}
	return names
}
