// Package dispatch moves prepared envelopes into the gateway's outbound
// folder, one priority tier at a time.
package dispatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
)

// Tiers reports the highest priority tier in use.
type Tiers interface {
	MaxTier() int
}

// CycleStats summarizes one cycle over all tiers.
type CycleStats struct {
	Moved  int
	Failed int
}

type Dispatcher struct {
	prepared *workdir.Dir
	outbound *workdir.Dir
	tiers    Tiers
	logger   *slog.Logger

	poll    time.Duration
	mode    os.FileMode
	dirOpts []workdir.Option
}

type Option func(*Dispatcher)

// WithPollInterval sets how often the outbound folder is checked while
// waiting for the gateway to drain it.
func WithPollInterval(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.poll = d
		}
	}
}

// WithFileMode sets the permissions given to dispatched files.
func WithFileMode(m os.FileMode) Option {
	return func(x *Dispatcher) { x.mode = m }
}

// WithDirOptions passes options to the prepared tier directories.
func WithDirOptions(opts ...workdir.Option) Option {
	return func(x *Dispatcher) { x.dirOpts = append(x.dirOpts, opts...) }
}

func New(preparedDir, outboundDir string, tiers Tiers, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		tiers:  tiers,
		logger: logger,
		poll:   time.Second,
		mode:   0o666,
	}
	for _, o := range opts {
		o(d)
	}
	d.prepared = workdir.New(preparedDir, logger, d.dirOpts...)
	d.outbound = workdir.New(outboundDir, logger)
	return d
}

// Cycle drains tiers 1..MaxTier in order. Before each non-empty tier it
// waits until the gateway has consumed everything previously handed over.
func (d *Dispatcher) Cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	maxTier := d.tiers.MaxTier()
	for tier := 1; tier <= maxTier; tier++ {
		dir := d.prepared.Sub(strconv.Itoa(tier))
		items, err := dir.List()
		if err != nil {
			d.logger.Error("dispatch.tier.list.failed", "tier", tier, "error", err)
			continue
		}
		if len(items) == 0 {
			continue
		}
		if err := d.waitDrained(ctx); err != nil {
			return stats, err
		}
		moved, failed := d.moveAll(dir, items)
		stats.Moved += moved
		stats.Failed += failed
		d.logger.Info("dispatch.tier.done", "tier", tier, "moved", moved, "failed", failed)
	}
	return stats, nil
}

func (d *Dispatcher) waitDrained(ctx context.Context) error {
	t := time.NewTicker(d.poll)
	defer t.Stop()
	for {
		drained, err := d.outbound.IsDrained(constants.GatewayReserved...)
		if err != nil {
			d.logger.Warn("dispatch.outbound.check.failed", "dir", d.outbound.Path(), "error", err)
		} else if drained {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// moveAll moves items to the outbound folder. Failures get one more try; what
// still fails stays in the tier for the next cycle.
func (d *Dispatcher) moveAll(from *workdir.Dir, items []workdir.Item) (int, int) {
	var moved int
	pending := items
	for attempt := 1; attempt <= 2 && len(pending) > 0; attempt++ {
		var failed []workdir.Item
		for _, it := range pending {
			out, err := from.Transition(it, d.outbound)
			if err != nil {
				d.logger.Warn("dispatch.move.failed", "file", it.Name, "attempt", attempt, "error", err)
				failed = append(failed, it)
				continue
			}
			if err := os.Chmod(out.Path, d.mode); err != nil {
				d.logger.Warn("dispatch.chmod.failed", "file", filepath.Base(out.Path), "error", err)
			}
			moved++
		}
		pending = failed
	}
	for _, it := range pending {
		d.logger.Error("dispatch.move.gave_up", "file", it.Name)
	}
	return moved, len(pending)
}
