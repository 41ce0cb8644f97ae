package gateway

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/joseph-ayodele/exchange-relay/internal/catchup"
)

func TestDescribeAddsPostgresCode(t *testing.T) {
	err := describe(&pq.Error{Code: "42P01", Message: "relation does not exist"})
	if !strings.Contains(err.Error(), "undefined_table (42P01)") {
		t.Fatalf("describe = %v", err)
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		t.Fatalf("describe lost the driver error")
	}
	plain := errors.New("boom")
	if describe(plain) != plain {
		t.Fatalf("describe should pass other errors through")
	}
}

const fixtureSchema = `
DROP SCHEMA IF EXISTS core CASCADE;
CREATE SCHEMA core;
CREATE TABLE core.message_metadata (id TEXT PRIMARY KEY, reference_id TEXT, message_id TEXT, message_type TEXT,
  creation_date TIMESTAMP, sending_date TIMESTAMP, delivery_date TIMESTAMP);
CREATE TABLE core.message_content (id TEXT PRIMARY KEY, mode TEXT);
CREATE TABLE core.message_state (id TEXT PRIMARY KEY);
CREATE TABLE core.attachment_metadata (message_metadata_id TEXT);
INSERT INTO core.message_metadata VALUES
  ('c1', NULL, 'm1', 'REQUEST', '2024-01-02 09:00', '2024-01-02 09:05', NULL),
  ('c2', NULL, 'm2', 'REQUEST', '2024-01-02 09:10', NULL, NULL),
  ('c0', NULL, 'm0', 'REQUEST', '2023-12-30 09:00', '2023-12-30 09:01', NULL),
  ('r1', 'c1', 'm3', 'RESPONSE', '2024-01-02 10:00', NULL, '2024-01-02 10:00'),
  ('s1', 'c1', 'm4', 'RESPONSE', '2024-01-02 09:30', NULL, '2024-01-02 09:30');
INSERT INTO core.message_content VALUES ('r1', 'MESSAGE'), ('s1', 'STATUS');
INSERT INTO core.message_state VALUES ('c1'), ('r1'), ('s1');
`

// Runs against a scratch Postgres database when RELAY_TEST_GATEWAY_DSN is set.
func TestAdapterDBAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("RELAY_TEST_GATEWAY_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_GATEWAY_DSN not set")
	}
	ctx := context.Background()
	a, err := Open(ctx, "test", dsn, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()
	if _, err := a.db.ExecContext(ctx, fixtureSchema); err != nil {
		t.Fatalf("fixture failed: %v", err)
	}
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	reqs, err := a.Fetch(ctx, catchup.StreamRequests, since)
	if err != nil {
		t.Fatalf("Fetch requests failed: %v", err)
	}
	if len(reqs) != 1 || reqs[0].CorrelationID != "c1" || reqs[0].MessageID != "m1" {
		t.Fatalf("requests = %+v", reqs)
	}

	resps, err := a.Fetch(ctx, catchup.StreamResponses, since)
	if err != nil {
		t.Fatalf("Fetch responses failed: %v", err)
	}
	if len(resps) != 1 || resps[0].CorrelationID != "c1" || resps[0].MessageID != "m3" {
		t.Fatalf("responses = %+v", resps)
	}

	n, err := a.Purge(ctx, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n == 0 {
		t.Fatalf("Purge deleted nothing")
	}
	var left int
	if err := a.db.QueryRowContext(ctx, `SELECT count(*) FROM core.message_metadata`).Scan(&left); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	// c0 and c2 never got a final answer
	if left != 2 {
		t.Fatalf("%d messages left, want 2", left)
	}
}
