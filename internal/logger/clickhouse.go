package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// request_logs table, created out of band:
//
//	CREATE TABLE request_logs (
//	    request_id     UUID,
//	    log_id         Int64,
//	    model          LowCardinality(String),
//	    status         LowCardinality(String),
//	    status_code    Int32,
//	    latency_ms     Int64,
//	    ttft_ms        Int64,
//	    is_stream      Bool,
//	    input_tokens   Int32,
//	    output_tokens  Int32,
//	    virtual_key_id Int64,
//	    owner_id       Int64,
//	    created_at     DateTime64(3)
//	) ENGINE = MergeTree ORDER BY (created_at, model)
const insertRequestLogs = "INSERT INTO request_logs"

// ClickHouseSink writes batches with the native protocol's columnar batch
// API. One PrepareBatch/Send round trip per flush.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to addr (host:port) and verifies the connection
// with a ping.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []Entry) error {
	batch, err := s.conn.PrepareBatch(ctx, insertRequestLogs)
	if err != nil {
		return fmt.Errorf("logger: prepare batch: %w", err)
	}

	for _, e := range entries {
		err := batch.Append(
			e.RequestID,
			e.LogID,
			e.Model,
			e.Status,
			int32(e.StatusCode),
			e.LatencyMs,
			e.TTFTMs,
			e.IsStream,
			int32(e.InputTokens),
			int32(e.OutputTokens),
			e.VirtualKeyID,
			e.OwnerID,
			normalizeTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("logger: batch append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: batch send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
