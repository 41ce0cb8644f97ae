// Package gateway reads the gateway adapter's own Postgres database.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/joseph-ayodele/exchange-relay/internal/catchup"
)

const (
	requestsQuery = `SELECT md.ID, md.MESSAGE_ID, md.SENDING_DATE, md.CREATION_DATE
FROM CORE.MESSAGE_METADATA md
WHERE md.MESSAGE_TYPE = 'REQUEST'
  AND md.CREATION_DATE >= $1
ORDER BY md.CREATION_DATE`

	responsesQuery = `SELECT md.REFERENCE_ID, md.MESSAGE_ID, md.DELIVERY_DATE
FROM CORE.MESSAGE_METADATA md
LEFT JOIN CORE.MESSAGE_CONTENT mc ON md.ID = mc.ID
WHERE md.MESSAGE_TYPE = 'RESPONSE'
  AND mc.MODE <> 'STATUS'
  AND md.DELIVERY_DATE >= $1
ORDER BY md.DELIVERY_DATE`
)

// purgeStatements drop requests that got a final answer together with every
// response that refers to them. Temp tables go away on commit.
var purgeStatements = []string{
	`CREATE TEMP TABLE req_tmp ON COMMIT DROP AS
SELECT mm.REFERENCE_ID FROM CORE.MESSAGE_METADATA mm
LEFT JOIN CORE.MESSAGE_CONTENT mc ON mc.ID = mm.ID
WHERE mc.MODE IN ('MESSAGE', 'REJECT', 'ERROR')
  AND mm.MESSAGE_TYPE = 'RESPONSE'
  AND mm.DELIVERY_DATE < $1`,
	`CREATE TEMP TABLE resp_tmp ON COMMIT DROP AS
SELECT ID FROM CORE.MESSAGE_METADATA WHERE REFERENCE_ID IN (SELECT REFERENCE_ID FROM req_tmp)`,
	`DELETE FROM CORE.ATTACHMENT_METADATA WHERE MESSAGE_METADATA_ID IN (SELECT ID FROM resp_tmp)`,
	`DELETE FROM CORE.MESSAGE_CONTENT WHERE ID IN (SELECT ID FROM resp_tmp)`,
	`DELETE FROM CORE.MESSAGE_METADATA WHERE ID IN (SELECT ID FROM resp_tmp)`,
	`DELETE FROM CORE.MESSAGE_STATE WHERE ID IN (SELECT ID FROM resp_tmp)`,
	`DELETE FROM CORE.ATTACHMENT_METADATA WHERE MESSAGE_METADATA_ID IN (SELECT REFERENCE_ID FROM req_tmp)`,
	`DELETE FROM CORE.MESSAGE_CONTENT WHERE ID IN (SELECT REFERENCE_ID FROM req_tmp)`,
	`DELETE FROM CORE.MESSAGE_METADATA WHERE ID IN (SELECT REFERENCE_ID FROM req_tmp)`,
	`DELETE FROM CORE.MESSAGE_STATE WHERE ID IN (SELECT REFERENCE_ID FROM req_tmp)`,
}

// AdapterDB is one gateway adapter database used as a catch-up source.
type AdapterDB struct {
	name   string
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to the adapter database with lib/pq and pings it.
func Open(ctx context.Context, name, dsn string, logger *slog.Logger) (*AdapterDB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open adapter db %s: %w", name, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	a := &AdapterDB{name: name, db: db, logger: logger.With("source", name)}
	if err := a.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *AdapterDB) Name() string { return a.name }

func (a *AdapterDB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping adapter db %s: %w", a.name, describe(err))
	}
	return nil
}

func (a *AdapterDB) Close() error { return a.db.Close() }

// Fetch returns request sends or response deliveries at or after since.
func (a *AdapterDB) Fetch(ctx context.Context, stream catchup.Stream, since time.Time) ([]catchup.Row, error) {
	switch stream {
	case catchup.StreamRequests:
		return a.fetchRequests(ctx, since)
	case catchup.StreamResponses:
		return a.fetchResponses(ctx, since)
	default:
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
}

func (a *AdapterDB) fetchRequests(ctx context.Context, since time.Time) ([]catchup.Row, error) {
	rows, err := a.db.QueryContext(ctx, requestsQuery, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", describe(err))
	}
	defer rows.Close()
	var out []catchup.Row
	for rows.Next() {
		var (
			id, msgID sql.NullString
			sent      pq.NullTime
			created   time.Time
		)
		if err := rows.Scan(&id, &msgID, &sent, &created); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		// not handed to the network yet; the next cycle sees it again
		if !sent.Valid {
			continue
		}
		out = append(out, catchup.Row{CorrelationID: id.String, MessageID: msgID.String, At: sent.Time, Cursor: created})
	}
	return out, rows.Err()
}

func (a *AdapterDB) fetchResponses(ctx context.Context, since time.Time) ([]catchup.Row, error) {
	rows, err := a.db.QueryContext(ctx, responsesQuery, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", describe(err))
	}
	defer rows.Close()
	var out []catchup.Row
	for rows.Next() {
		var (
			ref, msgID sql.NullString
			delivered  time.Time
		)
		if err := rows.Scan(&ref, &msgID, &delivered); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		out = append(out, catchup.Row{CorrelationID: ref.String, MessageID: msgID.String, At: delivered})
	}
	return out, rows.Err()
}

// Purge deletes finalized exchanges delivered before the cutoff.
func (a *AdapterDB) Purge(ctx context.Context, before time.Time) (int64, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var deleted int64
	for i, stmt := range purgeStatements {
		var args []any
		if i == 0 {
			args = []any{before.UTC()}
		}
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, fmt.Errorf("purge step %d: %w", i, describe(err))
		}
		if i >= 2 {
			n, _ := res.RowsAffected()
			deleted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// describe adds the Postgres error code when there is one.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}
