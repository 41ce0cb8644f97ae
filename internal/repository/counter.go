package repository

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/exchange-relay/internal/common"
)

// CounterRepository persists per-day, per-document-type quota counters.
type CounterRepository interface {
	Load(ctx context.Context, day time.Time) (map[string]int, error)
	Save(ctx context.Context, day time.Time, counts map[string]int) error
}

type counterRepository struct {
	db     *DB
	logger *slog.Logger
}

func NewCounterRepository(db *DB, logger *slog.Logger) CounterRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &counterRepository{db: db, logger: logger}
}

func (r *counterRepository) Load(ctx context.Context, day time.Time) (map[string]int, error) {
	b := r.db.builder()
	q, args := b.Select("document_type", "msg_count").
		From(b.Table(tableCounter)).
		Where(entsql.EQ("session_date", utc(day))).
		Query()
	rows, err := r.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, common.NewAppError("DB_ERROR", "load counters", errors.Join(common.ErrDatabase, err))
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			docType string
			n       int
		)
		if err := rows.Scan(&docType, &n); err != nil {
			return nil, err
		}
		out[docType] = n
	}
	return out, rows.Err()
}

// Save upserts all counters for day in one statement.
func (r *counterRepository) Save(ctx context.Context, day time.Time, counts map[string]int) error {
	if len(counts) == 0 {
		return nil
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	ins := r.db.builder().Insert(tableCounter).Columns("session_date", "document_type", "msg_count")
	d := utc(day)
	for _, t := range types {
		ins.Values(d, t, counts[t])
	}
	q, args := ins.OnConflict(
		entsql.ConflictColumns("session_date", "document_type"),
		entsql.ResolveWithNewValues(),
	).Query()
	if _, err := r.db.sql.ExecContext(ctx, q, args...); err != nil {
		r.logger.Error("failed to save counters", "day", d.Format(time.DateOnly), "error", err)
		return common.NewAppError("DB_ERROR", "save counters", errors.Join(common.ErrDatabase, err))
	}
	return nil
}
