package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/exchange-relay/constants"
	"github.com/joseph-ayodele/exchange-relay/internal/common"
	"github.com/joseph-ayodele/exchange-relay/internal/entity"
	"github.com/joseph-ayodele/exchange-relay/internal/lifecycle"
)

// LogRepository is the central log. Status changes are single-row updates
// guarded by the current status.
type LogRepository interface {
	Insert(ctx context.Context, rec *entity.LogRecord) error
	GetByCorrelationID(ctx context.Context, correlationID string) (*entity.LogRecord, error)
	GetByExternalMessageID(ctx context.Context, messageID string) (*entity.LogRecord, error)
	GetByDocumentKey(ctx context.Context, key string) (*entity.LogRecord, error)
	// ApplyStatus reports whether the row was changed; false means the guard
	// ignored the request or the row does not exist.
	ApplyStatus(ctx context.Context, logID int64, u entity.StatusUpdate) (bool, error)
	MarkSent(ctx context.Context, correlationID, messageID string, at time.Time) (bool, error)
	MarkDelivered(ctx context.Context, correlationID, messageID string, at time.Time) (bool, error)
	SweepTimeouts(ctx context.Context, today time.Time) (int64, error)
	Archive(ctx context.Context, before time.Time) (int64, error)
	ListReceived(ctx context.Context, from, to time.Time) ([]*entity.LogRecord, error)
}

type logRepository struct {
	db     *DB
	logger *slog.Logger
}

func NewLogRepository(db *DB, logger *slog.Logger) LogRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &logRepository{db: db, logger: logger}
}

func (r *logRepository) Insert(ctx context.Context, rec *entity.LogRecord) error {
	var correlation any
	if rec.CorrelationID != nil && *rec.CorrelationID != "" {
		correlation = *rec.CorrelationID
	}
	var docKey any
	if rec.DocumentKey != nil {
		docKey = nullable(*rec.DocumentKey)
	}
	receipt := rec.ReceiptAt
	if receipt.IsZero() {
		receipt = time.Now()
	}
	q, args := r.db.builder().Insert(tableLog).
		Columns("correlation_id", "file_name", "document_type", "keywords", "document_key",
			"msg_index", "status", "receipt_timestamp", "timeout_at", "response_timestamp",
			"err_source", "err_code", "err_description").
		Values(correlation, rec.FileName, rec.DocumentType, rec.Keywords, docKey,
			rec.MsgIndex, nullable(string(rec.Status)), utc(receipt), nullableTime(rec.TimeoutAt), nullableTime(rec.ResponseAt),
			derefNullable(rec.ErrSource), derefNullable(rec.ErrCode), derefNullable(rec.ErrDescription)).
		Query()
	if _, err := r.db.sql.ExecContext(ctx, q, args...); err != nil {
		r.logger.Error("failed to insert log record", "correlation_id", rec.Correlation(), "file", rec.FileName, "error", err)
		return common.NewAppError("DB_ERROR", "insert log record", errors.Join(common.ErrDatabase, err))
	}
	return nil
}

func (r *logRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*entity.LogRecord, error) {
	return r.getOne(ctx, entsql.EQ("correlation_id", correlationID))
}

func (r *logRepository) GetByExternalMessageID(ctx context.Context, messageID string) (*entity.LogRecord, error) {
	return r.getOne(ctx, entsql.EQ("external_message_id", messageID))
}

func (r *logRepository) GetByDocumentKey(ctx context.Context, key string) (*entity.LogRecord, error) {
	return r.getOne(ctx, entsql.EQ("document_key", key))
}

func (r *logRepository) getOne(ctx context.Context, p *entsql.Predicate) (*entity.LogRecord, error) {
	b := r.db.builder()
	q, args := b.Select(logColumns...).
		From(b.Table(tableLog)).
		Where(p).
		OrderBy(entsql.Desc("log_id")).
		Limit(1).
		Query()
	rows, err := r.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, common.NewAppError("DB_ERROR", "query log", errors.Join(common.ErrDatabase, err))
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, common.NewAppError("DB_ERROR", "query log", errors.Join(common.ErrDatabase, err))
		}
		return nil, common.ErrNotFound
	}
	return scanLog(rows)
}

func (r *logRepository) ApplyStatus(ctx context.Context, logID int64, u entity.StatusUpdate) (bool, error) {
	upd := r.db.builder().Update(tableLog).Set("status", string(u.Status))
	if u.ErrSource != "" {
		upd.Set("err_source", u.ErrSource)
	}
	if u.ErrCode != "" {
		upd.Set("err_code", u.ErrCode)
	}
	if u.ErrDescription != "" {
		upd.Set("err_description", u.ErrDescription)
	}
	if u.ResponseAt != nil {
		upd.Set("response_timestamp", utc(*u.ResponseAt))
	}
	where := entsql.EQ("log_id", logID)
	if blocked := lifecycle.Blocked(u.Status); len(blocked) > 0 {
		// NULL status counts as SENT, which no blocked set contains
		where = entsql.And(where, entsql.Or(
			entsql.IsNull("status"),
			entsql.NotIn("status", statusArgs(blocked)...),
		))
	}
	q, args := upd.Where(where).Query()
	res, err := r.db.sql.ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.Error("failed to apply status", "log_id", logID, "status", u.Status, "error", err)
		return false, common.NewAppError("DB_ERROR", "apply status", errors.Join(common.ErrDatabase, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSent records the gateway's message id and send time. Only PREPARED and
// QUEUED rows advance to SENT; later statuses are kept.
func (r *logRepository) MarkSent(ctx context.Context, correlationID, messageID string, at time.Time) (bool, error) {
	q, args := r.db.builder().Update(tableLog).
		Set("external_message_id", messageID).
		Set("send_timestamp", utc(at)).
		Set("status", entsql.Expr("CASE WHEN status IN ('PREPARED', 'QUEUED') OR status IS NULL THEN 'SENT' ELSE status END")).
		Where(entsql.EQ("correlation_id", correlationID)).
		Query()
	return r.execOne(ctx, "mark sent", correlationID, q, args)
}

// MarkDelivered records the id and delivery time of the gateway's response.
func (r *logRepository) MarkDelivered(ctx context.Context, correlationID, messageID string, at time.Time) (bool, error) {
	q, args := r.db.builder().Update(tableLog).
		Set("response_message_id", messageID).
		Set("response_timestamp", utc(at)).
		Where(entsql.EQ("correlation_id", correlationID)).
		Query()
	return r.execOne(ctx, "mark delivered", correlationID, q, args)
}

func (r *logRepository) execOne(ctx context.Context, op, correlationID, q string, args []any) (bool, error) {
	res, err := r.db.sql.ExecContext(ctx, q, args...)
	if err != nil {
		r.logger.Error("failed to "+op, "correlation_id", correlationID, "error", err)
		return false, common.NewAppError("DB_ERROR", op, errors.Join(common.ErrDatabase, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SweepTimeouts moves every non-terminal row whose timeout_at is on or before
// today into TIMEOUT.
func (r *logRepository) SweepTimeouts(ctx context.Context, today time.Time) (int64, error) {
	q, args := r.db.builder().Update(tableLog).
		Set("status", string(constants.StatusTimeout)).
		Where(entsql.And(
			entsql.In("status", statusArgs(constants.NonTerminal)...),
			entsql.NotNull("timeout_at"),
			entsql.LTE("timeout_at", utc(today)),
		)).
		Query()
	res, err := r.db.sql.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, common.NewAppError("DB_ERROR", "sweep timeouts", errors.Join(common.ErrDatabase, err))
	}
	return res.RowsAffected()
}

// Archive moves rows received before the cutoff into log_archive and
// refreshes the derived views. Copy and delete share one transaction.
func (r *logRepository) Archive(ctx context.Context, before time.Time) (int64, error) {
	b := r.db.builder()
	older := entsql.LT("receipt_timestamp", utc(before))

	sel, selArgs := b.Select(logColumns...).From(b.Table(tableLog)).Where(older).Query()
	del, delArgs := b.Delete(tableLog).Where(entsql.LT("receipt_timestamp", utc(before))).Query()

	tx, err := r.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "INSERT INTO "+tableLogArchive+" "+sel, selArgs...); err != nil {
		return 0, fmt.Errorf("copy to archive: %w", err)
	}
	res, err := tx.ExecContext(ctx, del, delArgs...)
	if err != nil {
		return 0, fmt.Errorf("delete archived: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := refreshViews(ctx, r.db); err != nil {
		r.logger.Warn("failed to refresh log views", "error", err)
	}
	return n, nil
}

// ListReceived returns rows received in [from, to), oldest first.
func (r *logRepository) ListReceived(ctx context.Context, from, to time.Time) ([]*entity.LogRecord, error) {
	b := r.db.builder()
	q, args := b.Select(logColumns...).
		From(b.Table(tableLog)).
		Where(entsql.And(
			entsql.GTE("receipt_timestamp", utc(from)),
			entsql.LT("receipt_timestamp", utc(to)),
		)).
		OrderBy("log_id").
		Query()
	rows, err := r.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, common.NewAppError("DB_ERROR", "list log", errors.Join(common.ErrDatabase, err))
	}
	defer rows.Close()
	var out []*entity.LogRecord
	for rows.Next() {
		rec, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanLog(rows *sql.Rows) (*entity.LogRecord, error) {
	var (
		rec                                 entity.LogRecord
		correlation, docKey, status, extID  sql.NullString
		respID, errSource, errCode, errDesc sql.NullString
		sendAt, responseAt, timeoutAt       sql.NullTime
		msgIndex                            sql.NullInt64
	)
	if err := rows.Scan(
		&rec.ID, &correlation, &rec.FileName, &rec.DocumentType, &rec.Keywords, &docKey,
		&msgIndex, &status, &extID, &respID,
		&rec.ReceiptAt, &sendAt, &responseAt, &timeoutAt,
		&errSource, &errCode, &errDesc,
	); err != nil {
		return nil, err
	}
	rec.CorrelationID = strPtr(correlation)
	rec.DocumentKey = strPtr(docKey)
	rec.MsgIndex = int(msgIndex.Int64)
	rec.Status = constants.Status(status.String)
	rec.ExternalMessageID = strPtr(extID)
	rec.ResponseMessageID = strPtr(respID)
	rec.SendAt = timePtr(sendAt)
	rec.ResponseAt = timePtr(responseAt)
	rec.TimeoutAt = timePtr(timeoutAt)
	rec.ErrSource = strPtr(errSource)
	rec.ErrCode = strPtr(errCode)
	rec.ErrDescription = strPtr(errDesc)
	return &rec, nil
}

func statusArgs(ss []constants.Status) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func derefNullable(s *string) any {
	if s == nil {
		return nil
	}
	return nullable(*s)
}
