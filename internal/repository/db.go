package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Config struct {
	Driver           string
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// DB is the central log store handle. Statements are built with ent's
// dialect-aware SQL builder so the same code runs on Postgres and SQLite.
type DB struct {
	sql     *sql.DB
	pool    *pgxpool.Pool
	dialect string
}

func (db *DB) SQL() *sql.DB { return db.sql }

func (db *DB) Dialect() string { return db.dialect }

func (db *DB) builder() *entsql.DialectBuilder { return entsql.Dialect(db.dialect) }

// Open connects to the configured store and applies the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if cfg.Driver == "sqlite" {
		return OpenSQLite(ctx, cfg.DSN, logger)
	}
	return OpenPostgres(ctx, cfg, logger)
}

// OpenPostgres creates a pgx pool and exposes it as *sql.DB.
func OpenPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	logger.Info("connecting to database", "driver", "postgres")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database config", "error", err)
		return nil, err
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "exchange-relay"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	db := &DB{sql: stdlib.OpenDBFromPool(pool), pool: pool, dialect: dialect.Postgres}
	if err := Migrate(ctx, db); err != nil {
		logger.Error("failed to apply schema", "error", err)
		pool.Close()
		return nil, err
	}
	logger.Info("successfully connected to database")
	return db, nil
}

// OpenSQLite opens a file-backed SQLite store. Used for single-host
// deployments and tests.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database", "driver", "sqlite", "path", path)
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; SQLite serializes anyway and this avoids SQLITE_BUSY between pool conns
	sdb.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := sdb.ExecContext(ctx, pragma); err != nil {
			_ = sdb.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	db := &DB{sql: sdb, dialect: dialect.SQLite}
	if err := Migrate(ctx, db); err != nil {
		_ = sdb.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connections gracefully
func Close(db *DB, logger *slog.Logger) {
	if db == nil {
		return
	}
	logger.Info("closing database connections")
	if err := db.sql.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
	}
	if db.pool != nil {
		db.pool.Close()
	}
	logger.Info("database connections closed")
}

// HealthCheck pings the store to catch DSN issues early.
func HealthCheck(ctx context.Context, db *DB, timeout time.Duration, logger *slog.Logger) error {
	logger.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if db.pool != nil {
		return db.pool.Ping(ctx)
	}
	return db.sql.PingContext(ctx)
}

// utc normalizes times before they reach the store so that SQLite's textual
// timestamps compare correctly.
func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return utc(*t)
}
