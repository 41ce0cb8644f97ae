package repository

import (
	"context"
	"fmt"
	"strings"

	"entgo.io/ent/dialect"
)

const (
	tableLog        = "log"
	tableLogArchive = "log_archive"
	tableCounter    = "msg_counter"
	tableMarkers    = "markers"
	viewFullLog     = "full_log"
)

// logColumns is the column order shared by log and log_archive.
var logColumns = []string{
	"log_id", "correlation_id", "file_name", "document_type", "keywords", "document_key",
	"msg_index", "status", "external_message_id", "response_message_id",
	"receipt_timestamp", "send_timestamp", "response_timestamp", "timeout_at",
	"err_source", "err_code", "err_description",
}

const logBody = `(
	log_id {{id}},
	correlation_id TEXT {{unique}},
	file_name TEXT NOT NULL DEFAULT '',
	document_type TEXT NOT NULL DEFAULT '',
	keywords TEXT NOT NULL DEFAULT '',
	document_key TEXT,
	msg_index INTEGER NOT NULL DEFAULT 0,
	status TEXT,
	external_message_id TEXT,
	response_message_id TEXT,
	receipt_timestamp {{ts}} NOT NULL,
	send_timestamp {{ts}},
	response_timestamp {{ts}},
	timeout_at {{ts}},
	err_source TEXT,
	err_code TEXT,
	err_description TEXT
)`

func ddl(d string) []string {
	id, archiveID, ts := "BIGSERIAL PRIMARY KEY", "BIGINT PRIMARY KEY", "TIMESTAMPTZ"
	view := "CREATE MATERIALIZED VIEW IF NOT EXISTS"
	if d == dialect.SQLite {
		id, archiveID, ts = "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER PRIMARY KEY", "TIMESTAMP"
		view = "CREATE VIEW IF NOT EXISTS"
	}
	body := func(idType, unique string) string {
		r := strings.NewReplacer("{{id}}", idType, "{{ts}}", ts, "{{unique}}", unique)
		return r.Replace(logBody)
	}
	return []string{
		"CREATE TABLE IF NOT EXISTS " + tableLog + " " + body(id, "UNIQUE"),
		"CREATE TABLE IF NOT EXISTS " + tableLogArchive + " " + body(archiveID, ""),
		"CREATE INDEX IF NOT EXISTS log_external_message_id_idx ON log (external_message_id)",
		"CREATE INDEX IF NOT EXISTS log_document_key_idx ON log (document_key)",
		"CREATE INDEX IF NOT EXISTS log_status_timeout_idx ON log (status, timeout_at)",
		"CREATE INDEX IF NOT EXISTS log_receipt_timestamp_idx ON log (receipt_timestamp)",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	session_date %s NOT NULL,
	document_type TEXT NOT NULL,
	msg_count INTEGER NOT NULL,
	PRIMARY KEY (session_date, document_type)
)`, tableCounter, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	ts %s NOT NULL
)`, tableMarkers, ts),
		fmt.Sprintf("%s %s AS SELECT * FROM %s UNION ALL SELECT * FROM %s", view, viewFullLog, tableLog, tableLogArchive),
	}
}

// Migrate creates the tables and views if they are missing.
func Migrate(ctx context.Context, db *DB) error {
	for _, stmt := range ddl(db.dialect) {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// refreshViews rebuilds derived read views. Plain SQLite views need nothing.
func refreshViews(ctx context.Context, db *DB) error {
	if db.dialect != dialect.Postgres {
		return nil
	}
	_, err := db.sql.ExecContext(ctx, "REFRESH MATERIALIZED VIEW "+viewFullLog)
	return err
}
