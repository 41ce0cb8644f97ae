// Package async runs the daemon's polling workers.
package async

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// CycleFunc does one unit of work. Errors are logged and the loop carries on.
type CycleFunc func(ctx context.Context) error

// StatusReporter receives a worker's health after every cycle.
type StatusReporter interface {
	SetServing(name string, serving bool)
}

// Loop polls: run a cycle, sleep for the interval or until nudged, repeat.
type Loop struct {
	name     string
	cycle    CycleFunc
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	nudge    <-chan struct{}
	status   StatusReporter
}

type Option func(*Loop)

func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithCycleTimeout bounds a single cycle.
func WithCycleTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithNudge wakes the loop early whenever ch receives.
func WithNudge(ch <-chan struct{}) Option {
	return func(l *Loop) { l.nudge = ch }
}

func WithStatus(r StatusReporter) Option {
	return func(l *Loop) { l.status = r }
}

func NewLoop(name string, cycle CycleFunc, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		name:     name,
		cycle:    cycle,
		logger:   logger.With("worker", name),
		interval: 5 * time.Second,
		timeout:  10 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loop) Name() string { return l.name }

// Run blocks until ctx is done. It returns nil on cancellation so that one
// worker stopping does not fail the group.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker started", "interval", l.interval)
	defer l.logger.Info("worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.report(false)
			return nil
		case <-timer.C:
		case <-l.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		l.runOnce(ctx)
		timer.Reset(l.interval)
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	start := time.Now()
	err := l.cycle(cctx)
	switch {
	case err == nil:
		l.report(true)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// shutting down
	default:
		l.logger.Error("cycle failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		l.report(false)
	}
}

func (l *Loop) report(serving bool) {
	if l.status != nil {
		l.status.SetServing(l.name, serving)
	}
}
