package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/async"
	"github.com/joseph-ayodele/exchange-relay/internal/catchup"
	"github.com/joseph-ayodele/exchange-relay/internal/common"
	"github.com/joseph-ayodele/exchange-relay/internal/convert"
	"github.com/joseph-ayodele/exchange-relay/internal/dispatch"
	"github.com/joseph-ayodele/exchange-relay/internal/export"
	"github.com/joseph-ayodele/exchange-relay/internal/gateway"
	"github.com/joseph-ayodele/exchange-relay/internal/ingest"
	"github.com/joseph-ayodele/exchange-relay/internal/quota"
	"github.com/joseph-ayodele/exchange-relay/internal/registry"
	"github.com/joseph-ayodele/exchange-relay/internal/repository"
	"github.com/joseph-ayodele/exchange-relay/internal/response"
	"github.com/joseph-ayodele/exchange-relay/internal/server"
	"github.com/joseph-ayodele/exchange-relay/internal/signing"
	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
)

const (
	workerIngest    = "ingest"
	workerDispatch  = "dispatch"
	workerResponses = "responses"
	workerSyncReq   = "sync-requests"
	workerSyncResp  = "sync-responses"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("relayd stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("relayd stopped")
}

func run(logger *slog.Logger) error {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer repository.Close(db, logger)
	if err := repository.HealthCheck(ctx, db, 3*time.Second, logger); err != nil {
		return err
	}

	reg, err := registry.Load(cfg.Registry)
	if err != nil {
		return err
	}
	logger.Info("registry loaded", "path", cfg.Registry, "tiers", reg.Tiers())

	if err := ensureLayout(cfg, logger); err != nil {
		return err
	}

	logRepo := repository.NewLogRepository(db, logger)
	markers := repository.NewMarkerRepository(db, logger)
	counters := repository.NewCounterRepository(db, logger)
	converter := convert.NewEnvelope()

	var signer signing.Signer
	if cfg.KeysDir != "" {
		signer = signing.NewKeyFile(cfg.KeysDir)
	}
	guard := signing.NewGuard(signer, logger)
	guard.Recover(ctx)

	quotaOpts := []quota.Option{
		quota.WithLocation(cfg.Quota.Location),
		quota.WithRetention(cfg.Quota.Retention),
	}
	if cfg.Paths.ReportDir != "" {
		quotaOpts = append(quotaOpts, quota.WithReporter(export.NewReports(cfg.Paths.ReportDir, logRepo, logger)))
	}
	requests := workdir.New(filepath.Join(cfg.Paths.ExchangeDir, constants.DirRequests), logger)
	quotas, err := quota.New(ctx, counters, markers, logRepo, requests, requests.Sub(constants.DirOverlimit), logger, quotaOpts...)
	if err != nil {
		return err
	}

	pipeline := ingest.New(cfg.Paths.ExchangeDir, cfg.Paths.GatewayAttachDir, ingest.Deps{
		Registry:  reg,
		Quota:     quotas,
		Signer:    guard,
		Converter: converter,
		Log:       logRepo,
		Logger:    logger.With("worker", workerIngest),
	}, ingest.WithParseGrace(cfg.Paths.ParseGrace), ingest.WithPersistEachItem(cfg.Quota.PersistEachItem))

	dispatcher := dispatch.New(filepath.Join(cfg.Paths.ExchangeDir, constants.DirPrepared), cfg.Paths.GatewayOutDir,
		reg, logger.With("worker", workerDispatch))

	processor := response.New(response.Paths{
		ExchangeDir:    cfg.Paths.ExchangeDir,
		GatewayInDir:   cfg.Paths.GatewayInDir,
		GatewayOutDir:  cfg.Paths.GatewayOutDir,
		AttachmentsDir: cfg.Paths.GatewayAttachDir,
	}, response.Deps{Rules: reg, Converter: converter, Log: logRepo, Logger: logger.With("worker", workerResponses)})

	sources, closeSources := openSources(ctx, cfg.Sync.Sources, logger)
	defer closeSources()

	enabled := map[string]bool{
		workerIngest:    cfg.Workers.IngestEnabled,
		workerDispatch:  cfg.Workers.DispatchEnabled,
		workerResponses: cfg.Workers.ResponseEnabled,
		workerSyncReq:   cfg.Workers.SyncReqEnabled && len(sources) > 0,
		workerSyncResp:  cfg.Workers.SyncRespEnabled && len(sources) > 0,
	}
	var names []string
	for _, n := range []string{workerIngest, workerDispatch, workerResponses, workerSyncReq, workerSyncResp} {
		if enabled[n] {
			names = append(names, n)
		}
	}
	health := server.NewHealth(logger, names...)

	g, gctx := errgroup.WithContext(ctx)
	nudge := make(chan struct{}, 1)
	if cfg.Paths.InboundWatch && enabled[workerIngest] {
		g.Go(func() error { return forwardNudges(gctx, requests.Path(), cfg.Workers.WatchDebounce, nudge, logger) })
	}

	loopOpts := []async.Option{async.WithCycleTimeout(cfg.Workers.CycleTimeout), async.WithStatus(health)}
	loops := map[string]*async.Loop{
		workerIngest: async.NewLoop(workerIngest, func(ctx context.Context) error {
			_, err := pipeline.Pass(ctx)
			return err
		}, logger, append(loopOpts, async.WithInterval(cfg.Workers.IngestInterval), async.WithNudge(nudge))...),
		workerDispatch: async.NewLoop(workerDispatch, func(ctx context.Context) error {
			_, err := dispatcher.Cycle(ctx)
			return err
		}, logger, append(loopOpts, async.WithInterval(cfg.Workers.DispatchInterval))...),
		workerResponses: async.NewLoop(workerResponses, func(ctx context.Context) error {
			_, err := processor.Pass(ctx)
			return err
		}, logger, append(loopOpts, async.WithInterval(cfg.Workers.ResponseInterval))...),
	}
	syncOpts := []catchup.Option{catchup.WithStart(cfg.Sync.Start)}
	reqSync := catchup.New(catchup.StreamRequests, sources, logRepo, markers, logger, syncOpts...)
	respSync := catchup.New(catchup.StreamResponses, sources, logRepo, markers, logger,
		append(syncOpts, catchup.WithPurge(cfg.Sync.Purge))...)
	for name, w := range map[string]*catchup.Worker{workerSyncReq: reqSync, workerSyncResp: respSync} {
		loops[name] = async.NewLoop(name, func(ctx context.Context) error {
			_, err := w.Cycle(ctx)
			return err
		}, logger, append(loopOpts, async.WithInterval(cfg.Workers.SyncInterval))...)
	}

	for _, name := range names {
		g.Go(func() error { return loops[name].Run(gctx) })
	}
	if cfg.Server.HealthAddr != "" {
		g.Go(func() error { return health.Serve(gctx, cfg.Server.HealthAddr) })
	}

	logger.Info("relayd started", "workers", names)
	err = g.Wait()
	if persistErr := quotas.Persist(context.Background()); persistErr != nil {
		logger.Warn("failed to persist counters on shutdown", "error", persistErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ensureLayout creates the fixed folder layout shared with the gateway.
func ensureLayout(cfg *common.Config, logger *slog.Logger) error {
	exchange := workdir.New(cfg.Paths.ExchangeDir, logger)
	requests := exchange.Sub(constants.DirRequests)
	gwOut := workdir.New(cfg.Paths.GatewayOutDir, logger)
	gwIn := workdir.New(cfg.Paths.GatewayInDir, logger)
	dirs := []*workdir.Dir{
		requests,
		requests.Sub(constants.DirProcessed),
		requests.Sub(constants.DirFailed),
		requests.Sub(constants.DirOverlimit),
		requests.Sub(constants.DirSign),
		requests.Sub(constants.DirError),
		exchange.Sub(constants.DirPrepared),
		exchange.Sub(constants.DirResponses),
		gwOut,
		gwOut.Sub(constants.DirSent),
		gwOut.Sub(constants.DirError),
		gwIn,
		gwIn.Sub(constants.DirProcessed),
		gwIn.Sub(constants.DirFailed),
		workdir.New(cfg.Paths.GatewayAttachDir, logger),
	}
	for _, d := range dirs {
		if err := d.Ensure(); err != nil {
			return err
		}
	}
	return nil
}

// openSources connects every configured gateway database. Sources that fail
// to connect are skipped with a warning; the sync workers run on the rest.
func openSources(ctx context.Context, dsns map[string]string, logger *slog.Logger) ([]catchup.Source, func()) {
	var (
		sources []catchup.Source
		opened  []*gateway.AdapterDB
	)
	for name, dsn := range dsns {
		a, err := gateway.Open(ctx, name, dsn, logger)
		if err != nil {
			logger.Warn("sync source unavailable", "source", name, "error", err)
			continue
		}
		sources = append(sources, a)
		opened = append(opened, a)
	}
	return sources, func() {
		for _, a := range opened {
			if err := a.Close(); err != nil {
				logger.Warn("failed to close sync source", "source", a.Name(), "error", err)
			}
		}
	}
}

// forwardNudges feeds inbound file events into the ingest loop.
func forwardNudges(ctx context.Context, dir string, debounce time.Duration, out chan<- struct{}, logger *slog.Logger) error {
	events, err := ingest.Watch(ctx, dir, debounce, logger)
	if err != nil {
		logger.Warn("inbound watch disabled", "dir", dir, "error", err)
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}
