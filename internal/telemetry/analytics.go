package telemetry

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// AnalyticsSink is an optional ClickHouse-backed append log for every
// command TelOS processes, independent of the OTel metric counters
// above — metrics answer "how many/how fast", this answers "which
// command, on which morph, at what time" for later ad-hoc analysis.
type AnalyticsSink struct {
	conn  clickhouse.Conn
	table string
}

// AnalyticsRecord is one row: a command invocation plus its outcome.
type AnalyticsRecord struct {
	Command    string
	Selector   string
	MorphID    string
	DurationMS float64
	Error      string
	Timestamp  float64
}

// NewAnalyticsSink dials a ClickHouse cluster and ensures table exists.
func NewAnalyticsSink(ctx context.Context, addrs []string, database, username, password, table string) (*AnalyticsSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: addrs,
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect clickhouse: %w", err)
	}
	if table == "" {
		table = "telos_commands"
	}
	s := &AnalyticsSink{conn: conn, table: table}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AnalyticsSink) ensureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			command     String,
			selector    String,
			morph_id    String,
			duration_ms Float64,
			error       String,
			ts          Float64
		) ENGINE = MergeTree() ORDER BY ts`, s.table))
}

// Record appends one analytics row. Failures are the caller's to log;
// analytics is best-effort and never blocks command execution on
// retry logic.
func (s *AnalyticsSink) Record(ctx context.Context, rec AnalyticsRecord) error {
	return s.conn.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (command, selector, morph_id, duration_ms, error, ts) VALUES (?, ?, ?, ?, ?, ?)", s.table),
		rec.Command, rec.Selector, rec.MorphID, rec.DurationMS, rec.Error, rec.Timestamp)
}

// Close releases the underlying connection.
func (s *AnalyticsSink) Close() error { return s.conn.Close() }
