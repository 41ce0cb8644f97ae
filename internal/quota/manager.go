// Package quota enforces per-document-type daily limits and runs end-of-day
// maintenance on the central log.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/exchange-relay/internal/repository"
	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
)

const dayMarker = "calendar.day"

// Maintenance is the part of the log store used at rollover.
type Maintenance interface {
	SweepTimeouts(ctx context.Context, today time.Time) (int64, error)
	Archive(ctx context.Context, before time.Time) (int64, error)
}

// Reporter writes a summary of a closed day.
type Reporter interface {
	DailyReport(ctx context.Context, day, from, to time.Time) (string, error)
}

// Manager owns the in-memory counters. It is used by the ingest worker only
// and has no internal locking.
type Manager struct {
	counters  repository.CounterRepository
	markers   repository.MarkerRepository
	log       Maintenance
	inbound   *workdir.Dir
	overlimit *workdir.Dir
	reporter  Reporter
	logger    *slog.Logger

	loc       *time.Location
	retention time.Duration
	now       func() time.Time

	day    time.Time
	counts map[string]int
	// dayDirty is set while the store still holds a day older than day.
	dayDirty bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithRetention sets how long rows stay in the live log before archival.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

func WithReporter(r Reporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// New restores the current day and its counters from the store. A day marker
// older than today is kept so the first CheckRollover performs the missed
// rollover.
func New(ctx context.Context, counters repository.CounterRepository, markers repository.MarkerRepository,
	log Maintenance, inbound, overlimit *workdir.Dir, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		counters:  counters,
		markers:   markers,
		log:       log,
		inbound:   inbound,
		overlimit: overlimit,
		logger:    logger,
		loc:       time.Local,
		retention: 31 * 24 * time.Hour,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}

	day, ok, err := markers.Get(ctx, dayMarker)
	if err != nil {
		return nil, fmt.Errorf("load day marker: %w", err)
	}
	if !ok {
		day = m.Today()
		if err := markers.Set(ctx, dayMarker, day); err != nil {
			return nil, fmt.Errorf("store day marker: %w", err)
		}
	}
	m.day = DayOf(day, time.UTC)
	counts, err := counters.Load(ctx, m.day)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	m.counts = counts
	logger.Info("quota.restored", "day", m.day.Format(time.DateOnly), "types", len(counts))
	return m, nil
}

// DayOf returns the calendar day of t in loc, as midnight UTC.
func DayOf(t time.Time, loc *time.Location) time.Time {
	y, mo, d := t.In(loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// Today is the current calendar day as midnight UTC.
func (m *Manager) Today() time.Time { return DayOf(m.now(), m.loc) }

// Day is the day the counters belong to.
func (m *Manager) Day() time.Time { return m.day }

// Now is the manager's clock.
func (m *Manager) Now() time.Time { return m.now() }

// NextSequence increments and returns the counter of docType for the current day.
func (m *Manager) NextSequence(docType string) int {
	m.counts[docType]++
	return m.counts[docType]
}

// Release gives back the last sequence of docType. It is only valid right
// after NextSequence, when nothing was recorded under that sequence.
func (m *Manager) Release(docType string) {
	if m.counts[docType] > 0 {
		m.counts[docType]--
	}
}

// Count returns the current counter value without changing it.
func (m *Manager) Count(docType string) int { return m.counts[docType] }

// Persist writes the current day's counters, and the day marker if an
// earlier write of it failed.
func (m *Manager) Persist(ctx context.Context) error {
	if err := m.counters.Save(ctx, m.day, m.counts); err != nil {
		return err
	}
	return m.storeDay(ctx)
}

func (m *Manager) storeDay(ctx context.Context) error {
	if !m.dayDirty {
		return nil
	}
	if err := m.markers.Set(ctx, dayMarker, m.day); err != nil {
		return fmt.Errorf("store day marker: %w", err)
	}
	m.dayDirty = false
	m.logger.Info("quota.day_marker.stored", "day", m.day.Format(time.DateOnly))
	return nil
}

// CheckRollover runs end-of-day maintenance once per day change. It returns
// whether a rollover happened; maintenance errors are returned joined but do
// not stop the day from advancing, since every step is safe to repeat.
func (m *Manager) CheckRollover(ctx context.Context) (bool, error) {
	var errs []error
	if err := m.storeDay(ctx); err != nil {
		errs = append(errs, err)
	}
	today := m.Today()
	if !today.After(m.day) {
		return false, errors.Join(errs...)
	}
	closed := m.day
	m.logger.Info("quota.rollover.started", "from", closed.Format(time.DateOnly), "to", today.Format(time.DateOnly))

	if n, err := m.log.SweepTimeouts(ctx, today); err != nil {
		errs = append(errs, fmt.Errorf("timeout sweep: %w", err))
	} else if n > 0 {
		m.logger.Info("quota.rollover.timeouts", "records", n)
	}

	if n, err := m.log.Archive(ctx, m.now().Add(-m.retention)); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	} else if n > 0 {
		m.logger.Info("quota.rollover.archived", "records", n)
	}

	if err := m.counters.Save(ctx, closed, m.counts); err != nil {
		errs = append(errs, fmt.Errorf("persist counters: %w", err))
	}
	m.counts = map[string]int{}

	released, err := m.releaseOverlimit()
	if err != nil {
		errs = append(errs, fmt.Errorf("release overlimit: %w", err))
	}
	if released > 0 {
		m.logger.Info("quota.rollover.released", "files", released)
	}

	if m.reporter != nil {
		from := time.Date(closed.Year(), closed.Month(), closed.Day(), 0, 0, 0, 0, m.loc)
		path, err := m.reporter.DailyReport(ctx, closed, from, from.AddDate(0, 0, 1))
		if err != nil {
			errs = append(errs, fmt.Errorf("daily report: %w", err))
		} else {
			m.logger.Info("quota.rollover.report", "path", path)
		}
	}

	// the counters now belong to today even if the marker write below fails;
	// it is retried by the next Persist or CheckRollover
	m.day = today
	m.dayDirty = true
	if err := m.storeDay(ctx); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

// releaseOverlimit moves parked files back to inbound. Names already present
// in inbound are left parked.
func (m *Manager) releaseOverlimit() (int, error) {
	items, err := m.overlimit.List()
	if err != nil {
		return 0, err
	}
	var (
		released int
		errs     []error
	)
	for _, it := range items {
		if m.inbound.Has(it.Name) {
			m.logger.Warn("quota.release.name_clash", "file", it.Name)
			continue
		}
		if _, err := m.overlimit.Transition(it, m.inbound); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.Name, err))
			continue
		}
		released++
	}
	return released, errors.Join(errs...)
}
