package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/common"
	"github.com/joseph-ayodele/exchange-relay/internal/convert"
	"github.com/joseph-ayodele/exchange-relay/internal/export"
	"github.com/joseph-ayodele/exchange-relay/internal/ingest"
	"github.com/joseph-ayodele/exchange-relay/internal/quota"
	"github.com/joseph-ayodele/exchange-relay/internal/registry"
	"github.com/joseph-ayodele/exchange-relay/internal/repository"
	"github.com/joseph-ayodele/exchange-relay/internal/response"
	"github.com/joseph-ayodele/exchange-relay/internal/signing"
	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	// Parse CLI flags
	var (
		skipIngest    = flag.Bool("skip-ingest", false, "do not run an ingest pass")
		skipResponses = flag.Bool("skip-responses", false, "do not run a response pass")
		out           = flag.String("out", "", "write an XLSX log export to this path (optional)")
		fromStr       = flag.String("from", "", "export from date YYYY-MM-DD (default today)")
		toStr         = flag.String("to", "", "export to date YYYY-MM-DD, inclusive (default from)")
	)
	flag.Parse()

	// Parse date filters
	today := time.Now()
	from := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.Local)
	if *fromStr != "" {
		parsed, err := time.ParseInLocation("2006-01-02", *fromStr, time.Local)
		if err != nil {
			printError("Error: invalid --from date format, use YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		}
		from = parsed
	}
	to := from
	if *toStr != "" {
		parsed, err := time.ParseInLocation("2006-01-02", *toStr, time.Local)
		if err != nil {
			printError("Error: invalid --to date format, use YYYY-MM-DD: %v\n", err)
			os.Exit(1)
		}
		to = parsed
	}
	if to.Before(from) {
		printError("Error: --to is before --from\n")
		os.Exit(1)
	}

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	db, err := repository.Open(ctx, repository.Config{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.DSN,
		MaxConns:    2,
		DialTimeout: cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer repository.Close(db, logger)

	logRepo := repository.NewLogRepository(db, logger)
	reg, err := registry.Load(cfg.Registry)
	if err != nil {
		logger.Error("failed to load registry", "error", err)
		os.Exit(1)
	}
	converter := convert.NewEnvelope()

	if !*skipIngest {
		var signer signing.Signer
		if cfg.KeysDir != "" {
			signer = signing.NewKeyFile(cfg.KeysDir)
		}
		requests := workdir.New(filepath.Join(cfg.Paths.ExchangeDir, constants.DirRequests), logger)
		quotas, err := quota.New(ctx, repository.NewCounterRepository(db, logger), repository.NewMarkerRepository(db, logger),
			logRepo, requests, requests.Sub(constants.DirOverlimit), logger,
			quota.WithLocation(cfg.Quota.Location), quota.WithRetention(cfg.Quota.Retention))
		if err != nil {
			logger.Error("failed to restore quota state", "error", err)
			os.Exit(1)
		}
		pipeline := ingest.New(cfg.Paths.ExchangeDir, cfg.Paths.GatewayAttachDir, ingest.Deps{
			Registry:  reg,
			Quota:     quotas,
			Signer:    signing.NewGuard(signer, logger),
			Converter: converter,
			Log:       logRepo,
			Logger:    logger,
		}, ingest.WithParseGrace(cfg.Paths.ParseGrace))
		stats, err := pipeline.Pass(ctx)
		if err != nil {
			logger.Error("ingest pass failed", "error", err)
			os.Exit(1)
		}
		logger.Info("ingest pass complete", "scanned", stats.Scanned, "processed", stats.Processed,
			"failed", stats.Failed, "overlimit", stats.Overlimit, "retried", stats.Retried)
	}

	if !*skipResponses {
		processor := response.New(response.Paths{
			ExchangeDir:    cfg.Paths.ExchangeDir,
			GatewayInDir:   cfg.Paths.GatewayInDir,
			GatewayOutDir:  cfg.Paths.GatewayOutDir,
			AttachmentsDir: cfg.Paths.GatewayAttachDir,
		}, response.Deps{Rules: reg, Converter: converter, Log: logRepo, Logger: logger})
		stats, err := processor.Pass(ctx)
		if err != nil {
			logger.Error("response pass failed", "error", err)
			os.Exit(1)
		}
		logger.Info("response pass complete", "scanned", stats.Scanned, "handled", stats.Handled,
			"unmatched", stats.Unmatched, "failed", stats.Failed, "retried", stats.Retried)
	}

	if *out == "" {
		return
	}
	recs, err := logRepo.ListReceived(ctx, from, to.AddDate(0, 0, 1))
	if err != nil {
		logger.Error("failed to list log records", "error", err)
		os.Exit(1)
	}
	xlsxBytes, err := export.Workbook(recs)
	if err != nil {
		logger.Error("failed to build export", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsxBytes, 0o644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}
	logger.Info("export complete", "output", *out, "rows", len(recs))
}
