package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/entity"
	"github.com/joseph-ayodele/exchange-relay/internal/repository"
	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	db        *repository.DB
	logRepo   repository.LogRepository
	counters  repository.CounterRepository
	markers   repository.MarkerRepository
	inbound   *workdir.Dir
	overlimit *workdir.Dir
	clock     *clock
	logger    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	db, err := repository.OpenSQLite(context.Background(), filepath.Join(dir, "relay.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { repository.Close(db, logger) })
	inbound := workdir.New(filepath.Join(dir, "requests"), logger)
	return &fixture{
		db:        db,
		logRepo:   repository.NewLogRepository(db, logger),
		counters:  repository.NewCounterRepository(db, logger),
		markers:   repository.NewMarkerRepository(db, logger),
		inbound:   inbound,
		overlimit: inbound.Sub(constants.DirOverlimit),
		clock:     &clock{t: time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)},
		logger:    logger,
	}
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(context.Background(), f.counters, f.markers, f.logRepo, f.inbound, f.overlimit, f.logger,
		WithClock(f.clock.now), WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestNextSequenceSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)
	for want := 1; want <= 3; want++ {
		if got := m.NextSequence("urn:a"); got != want {
			t.Fatalf("NextSequence = %d, want %d", got, want)
		}
	}
	if got := m.NextSequence("urn:b"); got != 1 {
		t.Fatalf("first call for a new type = %d, want 1", got)
	}
	if err := m.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	restarted := f.manager(t)
	if got := restarted.NextSequence("urn:a"); got != 4 {
		t.Fatalf("after restart NextSequence = %d, want 4", got)
	}
}

func TestCheckRolloverIsNoopWithinDay(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	m.NextSequence("urn:a")
	f.clock.t = f.clock.t.Add(9 * time.Hour) // 23:00 same day
	rolled, err := m.CheckRollover(context.Background())
	if err != nil || rolled {
		t.Fatalf("CheckRollover = %v, %v; want no-op", rolled, err)
	}
	if m.Count("urn:a") != 1 {
		t.Fatalf("counter changed by no-op rollover")
	}
}

func TestCheckRolloverRunsMaintenanceOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager(t)

	day := m.Day()
	timeout := day
	corr := "stale"
	if err := f.logRepo.Insert(ctx, &entity.LogRecord{
		CorrelationID: &corr, Status: constants.StatusSent, TimeoutAt: &timeout, ReceiptAt: f.clock.t,
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := os.MkdirAll(f.overlimit.Path(), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.overlimit.Path(), "parked.xml"), []byte("<a/>"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	m.NextSequence("urn:a")
	m.NextSequence("urn:a")

	f.clock.t = f.clock.t.Add(12 * time.Hour) // next day 02:00
	for i := 0; i < 2; i++ {
		rolled, err := m.CheckRollover(ctx)
		if err != nil {
			t.Fatalf("CheckRollover failed: %v", err)
		}
		if rolled != (i == 0) {
			t.Fatalf("call %d: rolled = %v", i, rolled)
		}
	}

	if !f.inbound.Has("parked.xml") || f.overlimit.Has("parked.xml") {
		t.Fatalf("overlimit file not released exactly once")
	}
	if m.Count("urn:a") != 0 || m.NextSequence("urn:a") != 1 {
		t.Fatalf("counters not reset for the new day")
	}
	saved, err := f.counters.Load(ctx, day)
	if err != nil || saved["urn:a"] != 2 {
		t.Fatalf("closed day counters = %v, %v", saved, err)
	}
	rec, err := f.logRepo.GetByCorrelationID(ctx, corr)
	if err != nil || rec.Status != constants.StatusTimeout {
		t.Fatalf("timeout sweep: %+v, %v", rec, err)
	}
	if !m.Day().Equal(day.AddDate(0, 0, 1)) {
		t.Fatalf("day = %v", m.Day())
	}
}

func TestRolloverAfterDowntime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.manager(t)

	f.clock.t = f.clock.t.AddDate(0, 0, 3)
	m := f.manager(t)
	rolled, err := m.CheckRollover(ctx)
	if err != nil || !rolled {
		t.Fatalf("missed rollover not performed: %v, %v", rolled, err)
	}
	if !m.Day().Equal(m.Today()) {
		t.Fatalf("day = %v, today = %v", m.Day(), m.Today())
	}
}

func TestReleaseSkipsNameClash(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	for _, p := range []string{filepath.Join(f.overlimit.Path(), "dup.xml"), filepath.Join(f.inbound.Path(), "dup.xml")} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(p, []byte("<a/>"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	f.clock.t = f.clock.t.AddDate(0, 0, 1)
	if _, err := m.CheckRollover(context.Background()); err != nil {
		t.Fatalf("CheckRollover failed: %v", err)
	}
	if !f.overlimit.Has("dup.xml") || !f.inbound.Has("dup.xml") {
		t.Fatalf("name clash should leave both files in place")
	}
}

// failingMarkers rejects the next failSets writes.
type failingMarkers struct {
	repository.MarkerRepository
	failSets int
}

func (f *failingMarkers) Set(ctx context.Context, name string, ts time.Time) error {
	if f.failSets > 0 {
		f.failSets--
		return errors.New("store unavailable")
	}
	return f.MarkerRepository.Set(ctx, name, ts)
}

func TestDayMarkerWriteIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	markers := &failingMarkers{MarkerRepository: f.markers}
	m, err := New(ctx, f.counters, markers, f.logRepo, f.inbound, f.overlimit, f.logger,
		WithClock(f.clock.now), WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	closed := m.Day()

	f.clock.t = f.clock.t.AddDate(0, 0, 1)
	markers.failSets = 1
	rolled, err := m.CheckRollover(ctx)
	if !rolled || err == nil {
		t.Fatalf("CheckRollover = %v, %v; want rollover with marker error", rolled, err)
	}
	stored, _, err := f.markers.Get(ctx, dayMarker)
	if err != nil || !stored.Equal(closed) {
		t.Fatalf("marker = %v, %v; want the closed day until the retry", stored, err)
	}

	if err := m.Persist(ctx); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	stored, _, err = f.markers.Get(ctx, dayMarker)
	if err != nil || !stored.Equal(m.Day()) {
		t.Fatalf("marker = %v, %v; want %v", stored, err, m.Day())
	}

	// a restart on the same day must not roll over again
	writeParked(t, f, "today.xml")
	restarted := f.manager(t)
	if rolled, err := restarted.CheckRollover(ctx); err != nil || rolled {
		t.Fatalf("CheckRollover after restart = %v, %v; want no-op", rolled, err)
	}
	if !f.overlimit.Has("today.xml") {
		t.Fatalf("file parked on the new day was released")
	}
}

func TestRolloverResumesPartialRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.manager(t)

	// a previous run moved a.xml back and stopped before the rest and the marker
	writeParked(t, f, "b.xml")
	writeParked(t, f, "c.xml")
	if err := os.WriteFile(filepath.Join(f.inbound.Path(), "a.xml"), []byte("<a/>"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	f.clock.t = f.clock.t.AddDate(0, 0, 1)
	m := f.manager(t)
	rolled, err := m.CheckRollover(ctx)
	if err != nil || !rolled {
		t.Fatalf("CheckRollover = %v, %v", rolled, err)
	}
	for _, name := range []string{"a.xml", "b.xml", "c.xml"} {
		if !f.inbound.Has(name) || f.overlimit.Has(name) {
			t.Fatalf("%s not in inbound exactly once", name)
		}
	}
	if rolled, err := m.CheckRollover(ctx); err != nil || rolled {
		t.Fatalf("second CheckRollover = %v, %v; want no-op", rolled, err)
	}
}

func writeParked(t *testing.T, f *fixture, name string) {
	t.Helper()
	if err := os.MkdirAll(f.overlimit.Path(), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.overlimit.Path(), name), []byte("<a/>"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}
