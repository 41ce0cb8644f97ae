// Package catchup copies delivery facts from the gateway databases into the
// central log so records the response files never mention still advance.
package catchup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/exchange-relay/internal/repository"
)

// Stream selects which gateway facts a worker follows.
type Stream string

const (
	StreamRequests  Stream = "requests"
	StreamResponses Stream = "responses"
)

// Row is one fact reported by a source. At is the sending time for requests
// and the delivery time for responses. Cursor is the timestamp the source
// filters on; zero means At.
type Row struct {
	CorrelationID string
	MessageID     string
	At            time.Time
	Cursor        time.Time
}

func (r Row) cursor() time.Time {
	if r.Cursor.IsZero() {
		return r.At
	}
	return r.Cursor
}

// Source is one gateway database.
type Source interface {
	Name() string
	Fetch(ctx context.Context, stream Stream, since time.Time) ([]Row, error)
}

// Purger is implemented by sources that can drop finalized messages.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Sink is the part of the log store the workers write to.
type Sink interface {
	MarkSent(ctx context.Context, correlationID, messageID string, at time.Time) (bool, error)
	MarkDelivered(ctx context.Context, correlationID, messageID string, at time.Time) (bool, error)
}

// CycleStats summarizes one catch-up cycle.
type CycleStats struct {
	Fetched   int
	Applied   int
	Unknown   int
	Failed    int
	Watermark time.Time
}

type Worker struct {
	stream  Stream
	sources []Source
	sink    Sink
	markers repository.MarkerRepository
	logger  *slog.Logger
	start   time.Time
	purge   bool
}

type Option func(*Worker)

// WithStart sets the watermark used before anything was persisted.
func WithStart(t time.Time) Option {
	return func(w *Worker) {
		if !t.IsZero() {
			w.start = t
		}
	}
}

// WithPurge makes the worker ask Purger sources to drop messages older than
// the merged watermark after each cycle.
func WithPurge(enabled bool) Option {
	return func(w *Worker) { w.purge = enabled }
}

var defaultStart = time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC)

func New(stream Stream, sources []Source, sink Sink, markers repository.MarkerRepository, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		stream:  stream,
		sources: sources,
		sink:    sink,
		markers: markers,
		logger:  logger.With("stream", string(stream)),
		start:   defaultStart,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Stream returns the stream this worker follows.
func (w *Worker) Stream() Stream { return w.stream }

func (w *Worker) watermarkKey() string { return "sync." + string(w.stream) }

func (w *Worker) sourceKey(s Source) string { return w.watermarkKey() + "/" + s.Name() }

// Cycle polls every source once and advances the merged watermark to the
// minimum of the per-source contributions. A failing or quiet source keeps
// its previous contribution and so holds the watermark back.
func (w *Worker) Cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	watermark, ok, err := w.markers.Get(ctx, w.watermarkKey())
	if err != nil {
		return stats, fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		watermark = w.start
	}

	var contributions []time.Time
	for _, src := range w.sources {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		contrib, has, err := w.markers.Get(ctx, w.sourceKey(src))
		if err != nil {
			return stats, fmt.Errorf("load contribution of %s: %w", src.Name(), err)
		}
		latest, err := w.pull(ctx, src, watermark, &stats)
		if err != nil {
			stats.Failed++
			w.logger.Warn("sync.source.failed", "source", src.Name(), "error", err)
		} else if latest.After(contrib) {
			if err := w.markers.Set(ctx, w.sourceKey(src), latest); err != nil {
				return stats, fmt.Errorf("store contribution of %s: %w", src.Name(), err)
			}
			contrib, has = latest, true
		}
		if has {
			contributions = append(contributions, contrib)
		}
	}

	merged := watermark
	if len(contributions) > 0 {
		low := contributions[0]
		for _, c := range contributions[1:] {
			if c.Before(low) {
				low = c
			}
		}
		if low.After(merged) {
			merged = low
		}
	}
	if merged.After(watermark) || !ok {
		if err := w.markers.Set(ctx, w.watermarkKey(), merged); err != nil {
			return stats, fmt.Errorf("store watermark: %w", err)
		}
	}
	stats.Watermark = merged

	if w.purge {
		w.purgeBefore(ctx, merged)
	}
	if stats.Fetched > 0 || stats.Failed > 0 {
		w.logger.Info("sync.cycle.done", "fetched", stats.Fetched, "applied", stats.Applied,
			"unknown", stats.Unknown, "failed_sources", stats.Failed, "watermark", merged)
	}
	return stats, nil
}

// pull fetches and applies one source's rows and returns the largest cursor
// seen. A store error aborts the source so its contribution does not move.
func (w *Worker) pull(ctx context.Context, src Source, since time.Time, stats *CycleStats) (time.Time, error) {
	rows, err := src.Fetch(ctx, w.stream, since)
	if err != nil {
		return time.Time{}, err
	}
	stats.Fetched += len(rows)
	var latest time.Time
	for _, r := range rows {
		if r.CorrelationID == "" {
			continue
		}
		var applied bool
		switch w.stream {
		case StreamRequests:
			applied, err = w.sink.MarkSent(ctx, r.CorrelationID, r.MessageID, r.At)
		case StreamResponses:
			applied, err = w.sink.MarkDelivered(ctx, r.CorrelationID, r.MessageID, r.At)
		default:
			return time.Time{}, fmt.Errorf("unknown stream %q", w.stream)
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("apply %s: %w", r.CorrelationID, err)
		}
		if applied {
			stats.Applied++
		} else {
			stats.Unknown++
		}
		if c := r.cursor(); c.After(latest) {
			latest = c
		}
	}
	return latest, nil
}

func (w *Worker) purgeBefore(ctx context.Context, before time.Time) {
	for _, src := range w.sources {
		p, ok := src.(Purger)
		if !ok {
			continue
		}
		n, err := p.Purge(ctx, before)
		if err != nil {
			w.logger.Warn("sync.purge.failed", "source", src.Name(), "error", err)
			continue
		}
		if n > 0 {
			w.logger.Info("sync.purge.done", "source", src.Name(), "deleted", n)
		}
	}
}
