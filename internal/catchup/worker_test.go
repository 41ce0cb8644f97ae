package catchup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/entity"
	"github.com/joseph-ayodele/exchange-relay/internal/repository"
)

type fakeSource struct {
	name   string
	rows   []Row
	err    error
	since  []time.Time
	purged []time.Time
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(_ context.Context, _ Stream, since time.Time) ([]Row, error) {
	f.since = append(f.since, since)
	if f.err != nil {
		return nil, f.err
	}
	rows := f.rows
	f.rows = nil
	return rows, nil
}

func (f *fakeSource) Purge(_ context.Context, before time.Time) (int64, error) {
	f.purged = append(f.purged, before)
	return 0, nil
}

type store struct {
	log     repository.LogRepository
	markers repository.MarkerRepository
}

func newStore(t *testing.T) *store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "relay.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { repository.Close(db, logger) })
	return &store{log: repository.NewLogRepository(db, logger), markers: repository.NewMarkerRepository(db, logger)}
}

func (s *store) seed(t *testing.T, correlation string, status constants.Status) {
	t.Helper()
	rec := &entity.LogRecord{CorrelationID: &correlation, FileName: correlation + ".xml", Status: status, ReceiptAt: time.Now()}
	if err := s.log.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

var (
	start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1    = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	t2    = time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	t3    = time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC)
)

func TestCycleMergesToMinimumContribution(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	s.seed(t, "c1", constants.StatusPrepared)
	s.seed(t, "c2", constants.StatusAnswered)

	a := &fakeSource{name: "a", rows: []Row{{CorrelationID: "c1", MessageID: "m1", At: t2}}}
	b := &fakeSource{name: "b", rows: []Row{{CorrelationID: "c2", MessageID: "m2", At: t1}, {CorrelationID: "ghost", MessageID: "m3", At: t1}}}
	w := New(StreamRequests, []Source{a, b}, s.log, s.markers, nil, WithStart(start))

	stats, err := w.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if stats.Fetched != 3 || stats.Applied != 2 || stats.Unknown != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if !stats.Watermark.Equal(t1) {
		t.Fatalf("watermark = %v, want %v", stats.Watermark, t1)
	}
	if !a.since[0].Equal(start) {
		t.Fatalf("first fetch since %v, want %v", a.since[0], start)
	}

	c1, _ := s.log.GetByCorrelationID(ctx, "c1")
	if c1.Status != constants.StatusSent || c1.ExternalMessageID == nil || *c1.ExternalMessageID != "m1" {
		t.Fatalf("c1 = %+v", c1)
	}
	c2, _ := s.log.GetByCorrelationID(ctx, "c2")
	if c2.Status != constants.StatusAnswered || c2.SendAt == nil {
		t.Fatalf("c2 = %+v", c2)
	}
}

func TestQuietSourceHoldsWatermark(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := &fakeSource{name: "a", rows: []Row{{CorrelationID: "x", At: t1}}}
	b := &fakeSource{name: "b", rows: []Row{{CorrelationID: "y", At: t2}}}
	w := New(StreamResponses, []Source{a, b}, s.log, s.markers, nil, WithStart(start))
	if _, err := w.Cycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	// a says nothing new, b moves on
	b.rows = []Row{{CorrelationID: "z", At: t3}}
	stats, err := w.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if !stats.Watermark.Equal(t1) {
		t.Fatalf("watermark = %v, want %v", stats.Watermark, t1)
	}
	if !a.since[1].Equal(t1) {
		t.Fatalf("second fetch since %v, want %v", a.since[1], t1)
	}

	a.rows = []Row{{CorrelationID: "x2", At: t3}}
	stats, err = w.Cycle(ctx)
	if err != nil || !stats.Watermark.Equal(t3) {
		t.Fatalf("Cycle = %v, %v; want watermark %v", stats.Watermark, err, t3)
	}
}

func TestFailedSourceKeepsContribution(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := &fakeSource{name: "a", rows: []Row{{CorrelationID: "x", At: t1}}}
	b := &fakeSource{name: "b", rows: []Row{{CorrelationID: "y", At: t2}}}
	w := New(StreamRequests, []Source{a, b}, s.log, s.markers, nil, WithStart(start))
	if _, err := w.Cycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	a.err = errors.New("connection refused")
	b.rows = []Row{{CorrelationID: "y2", At: t3}}
	stats, err := w.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if stats.Failed != 1 || !stats.Watermark.Equal(t1) {
		t.Fatalf("stats = %+v", stats)
	}
	got, ok, err := s.markers.Get(ctx, "sync.requests")
	if err != nil || !ok || !got.Equal(t1) {
		t.Fatalf("stored watermark = %v, %v, %v", got, ok, err)
	}
}

func TestSilentSourcesDoNotBlockAndWatermarkNeverRegresses(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.markers.Set(ctx, "sync.requests", t2); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	never := &fakeSource{name: "never"}
	late := &fakeSource{name: "late", rows: []Row{{CorrelationID: "x", At: t1}}}
	w := New(StreamRequests, []Source{never, late}, s.log, s.markers, nil, WithStart(start), WithPurge(true))

	stats, err := w.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if !stats.Watermark.Equal(t2) {
		t.Fatalf("watermark = %v, want %v", stats.Watermark, t2)
	}
	if len(never.purged) != 1 || !never.purged[0].Equal(t2) {
		t.Fatalf("purge calls = %v", never.purged)
	}
}

func TestRowCursorOverridesAt(t *testing.T) {
	s := newStore(t)
	src := &fakeSource{name: "a", rows: []Row{{CorrelationID: "x", At: t1, Cursor: t3}}}
	w := New(StreamRequests, []Source{src}, s.log, s.markers, nil, WithStart(start))
	stats, err := w.Cycle(context.Background())
	if err != nil || !stats.Watermark.Equal(t3) {
		t.Fatalf("Cycle = %v, %v", stats.Watermark, err)
	}
}
