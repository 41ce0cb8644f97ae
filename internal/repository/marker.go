package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/exchange-relay/internal/common"
)

// MarkerRepository stores named timestamps: sync watermarks and the
// calendar's current day.
type MarkerRepository interface {
	Get(ctx context.Context, name string) (time.Time, bool, error)
	Set(ctx context.Context, name string, ts time.Time) error
}

type markerRepository struct {
	db     *DB
	logger *slog.Logger
}

func NewMarkerRepository(db *DB, logger *slog.Logger) MarkerRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &markerRepository{db: db, logger: logger}
}

func (r *markerRepository) Get(ctx context.Context, name string) (time.Time, bool, error) {
	b := r.db.builder()
	q, args := b.Select("ts").From(b.Table(tableMarkers)).Where(entsql.EQ("name", name)).Query()
	var ts time.Time
	err := r.db.sql.QueryRowContext(ctx, q, args...).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, common.NewAppError("DB_ERROR", "get marker", errors.Join(common.ErrDatabase, err))
	}
	return ts, true, nil
}

func (r *markerRepository) Set(ctx context.Context, name string, ts time.Time) error {
	q, args := r.db.builder().Insert(tableMarkers).
		Columns("name", "ts").
		Values(name, utc(ts)).
		OnConflict(entsql.ConflictColumns("name"), entsql.ResolveWithNewValues()).
		Query()
	if _, err := r.db.sql.ExecContext(ctx, q, args...); err != nil {
		r.logger.Error("failed to set marker", "name", name, "error", err)
		return common.NewAppError("DB_ERROR", "set marker", errors.Join(common.ErrDatabase, err))
	}
	return nil
}
