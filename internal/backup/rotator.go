package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/i474232898/home-energy-capture/internal/metrics"
	"github.com/i474232898/home-energy-capture/internal/scheduler"
)

const timestampLayout = "2006-01-02-15-04-05"

// ErrTargetMissing means the capture directory does not exist; the rotation
// cycle is a no-op.
var ErrTargetMissing = errors.New("backup source directory does not exist")

// Config configures a Rotator.
type Config struct {
	SourceDir  string
	BackupDir  string
	ObjectName string
	// MaxArchives is the retention cap, at least 1.
	MaxArchives int
	// EndAt stops the schedule. Zero runs forever.
	EndAt time.Time
	// Interval between scheduled rotations; zero means 24 hours.
	Interval time.Duration
}

// Result describes one rotation.
type Result struct {
	Archive  string
	Deleted  []string
	Retained int
}

// Rotator archives the capture directory once a day and prunes the oldest
// archives beyond the retention cap.
type Rotator struct {
	cfg     Config
	clock   scheduler.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics
	pattern *regexp.Regexp

	// Serializes the scheduled job and Final.
	mu sync.Mutex
}

func New(cfg Config, clock scheduler.Clock, logger zerolog.Logger, m *metrics.Metrics) *Rotator {
	if cfg.MaxArchives < 1 {
		cfg.MaxArchives = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.ObjectName == "" {
		cfg.ObjectName = filepath.Base(filepath.Clean(cfg.SourceDir))
	}
	return &Rotator{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With().Str("component", "backup").Logger(),
		metrics: m,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(cfg.ObjectName) +
			`_backup__\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}\.zip$`),
	}
}

// ArchiveName returns <object>_backup__<YYYY-MM-DD-HH-MM-SS>.zip.
func (r *Rotator) ArchiveName(t time.Time) string {
	return fmt.Sprintf("%s_backup__%s.zip", r.cfg.ObjectName, t.Format(timestampLayout))
}

// Archives lists existing archives oldest first. Names embed a sortable
// timestamp, so lexical order is chronological order.
func (r *Rotator) Archives() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.BackupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && r.pattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Rotate deletes the oldest archives so that adding one keeps the count within
// MaxArchives, then writes a new archive of the whole capture directory.
func (r *Rotator) Rotate(now time.Time) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	if info, err := os.Stat(r.cfg.SourceDir); err != nil || !info.IsDir() {
		return res, fmt.Errorf("%w: %s", ErrTargetMissing, r.cfg.SourceDir)
	}
	if err := os.MkdirAll(r.cfg.BackupDir, 0o755); err != nil {
		return res, fmt.Errorf("create backup dir: %w", err)
	}

	existing, err := r.Archives()
	if err != nil {
		return res, fmt.Errorf("list archives: %w", err)
	}
	for len(existing) >= r.cfg.MaxArchives {
		oldest := existing[0]
		if err := os.Remove(filepath.Join(r.cfg.BackupDir, oldest)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("delete archive %s: %w", oldest, err)
		}
		res.Deleted = append(res.Deleted, oldest)
		existing = existing[1:]
	}

	name := r.ArchiveName(now)
	dest := filepath.Join(r.cfg.BackupDir, name)
	if err := writeArchive(dest, r.cfg.SourceDir, r.cfg.BackupDir); err != nil {
		res.Retained = len(existing)
		return res, err
	}
	res.Archive = name

	retained := len(existing)
	for _, n := range existing {
		if n == name {
			// Same-second rerun overwrote an archive instead of adding one.
			retained--
			break
		}
	}
	res.Retained = retained + 1
	return res, nil
}

// rotateAndLog runs one cycle and records its outcome. Failures never stop
// the schedule.
func (r *Rotator) rotateAndLog(trigger string) {
	now := r.clock.Now()
	res, err := r.Rotate(now)
	switch {
	case errors.Is(err, ErrTargetMissing):
		r.metrics.ObserveBackup("skipped", -1)
		r.logger.Warn().Str("trigger", trigger).Str("outcome", "skipped").Err(err).Msg("nothing to back up")
	case err != nil:
		r.metrics.ObserveBackup("failed", res.Retained)
		r.logger.Error().Str("trigger", trigger).Str("outcome", "failed").Strs("deleted", res.Deleted).Err(err).Msg("backup failed")
	default:
		r.metrics.ObserveBackup("ok", res.Retained)
		r.logger.Info().
			Str("trigger", trigger).
			Str("outcome", "ok").
			Str("archive", res.Archive).
			Strs("deleted", res.Deleted).
			Int("retained", res.Retained).
			Msg("backup created")
	}
}

// Final performs one unconditional best-effort rotation, for process exit.
func (r *Rotator) Final() {
	r.rotateAndLog("shutdown")
}

// Run schedules a rotation at the next local midnight and then every Interval
// (a fixed increment, so the time of day shifts across DST changes). It
// returns nil once the end time is reached and ctx.Err() on cancellation.
// The schedule reads time from the rotator's clock.
func (r *Rotator) Run(ctx context.Context) error {
	now := r.clock.Now()
	first := scheduler.NextMidnight(now)
	if r.ended(first) {
		r.logger.Info().Time("next_backup", first).Msg("backup end time reached; schedule not started")
		return nil
	}

	done := make(chan struct{})
	var once sync.Once
	next := first

	s := gocron.NewScheduler(now.Location())
	s.CustomTime(clockTime{clock: r.clock})
	s.SingletonModeAll()
	_, err := s.Every(r.cfg.Interval).StartAt(first).Do(func() {
		r.rotateAndLog("schedule")
		next = next.Add(r.cfg.Interval)
		if r.ended(next) {
			once.Do(func() { close(done) })
			return
		}
		r.logger.Info().Time("next_backup", next).Msg("next backup scheduled")
	})
	if err != nil {
		return fmt.Errorf("schedule backups: %w", err)
	}

	r.logger.Info().Time("next_backup", first).Int("max_archives", r.cfg.MaxArchives).Msg("backup schedule started")
	s.StartAsync()
	defer s.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		r.logger.Info().Msg("backup end time reached; schedule stopped")
		return nil
	}
}

func (r *Rotator) ended(next time.Time) bool {
	return !r.cfg.EndAt.IsZero() && !next.Before(r.cfg.EndAt)
}

// clockTime adapts a scheduler.Clock to gocron.TimeWrapper. Timers still
// fire on real durations measured from clock.Now.
type clockTime struct {
	clock scheduler.Clock
}

func (c clockTime) Now(loc *time.Location) time.Time { return c.clock.Now().In(loc) }

func (c clockTime) Unix(sec, nsec int64) time.Time { return time.Unix(sec, nsec) }

func (c clockTime) Sleep(d time.Duration) { time.Sleep(d) }
