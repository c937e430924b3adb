package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// CHSink flushes usage records to ClickHouse for analytics. The table is
// expected to exist:
//
//	CREATE TABLE usage (
//	    id         String,
//	    ts         DateTime64(3, 'UTC'),
//	    key_id     String,
//	    llm_id     String,
//	    total_cost Float64,
//	    is_error   UInt8,
//	    doc        String
//	) ENGINE = MergeTree ORDER BY (ts);
type CHSink struct {
	conn  driver.Conn
	table string
}

// OpenClickHouse connects and verifies the connection with a ping.
func OpenClickHouse(ctx context.Context, dsn, table string) (*CHSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	return &CHSink{conn: conn, table: table}, nil
}

func (s *CHSink) Close() error { return s.conn.Close() }

func (s *CHSink) Insert(ctx context.Context, records []*Record) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, r := range records {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("clickhouse: encode record: %w", err)
		}
		var isError uint8
		if r.IsError {
			isError = 1
		}
		if err := batch.Append(
			r.ID, r.Timestamp, r.Metadata.KeyID, r.Metadata.LLMID,
			r.TotalCost, isError, string(doc),
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	return batch.Send()
}

func (s *CHSink) SumTotalCost(ctx context.Context, q AggQuery) (float64, error) {
	query, args := buildAggQuery(
		`SELECT COALESCE(SUM(total_cost), 0) FROM `+s.table+` WHERE 1=1`, q,
		chPlaceholders,
	)
	// The shared builder produces epoch-millis bounds; translate for
	// DateTime64 comparison.
	query = replaceTSBounds(query)

	var sum float64
	if err := s.conn.QueryRow(ctx, query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("clickhouse: aggregate: %w", err)
	}
	return sum, nil
}

func chPlaceholders(n int) string {
	return strings.Repeat("?,", n-1) + "?"
}

func replaceTSBounds(query string) string {
	query = strings.Replace(query, "ts > ?", "ts > fromUnixTimestamp64Milli(?)", 1)
	query = strings.Replace(query, "ts < ?", "ts < fromUnixTimestamp64Milli(?)", 1)
	return query
}
