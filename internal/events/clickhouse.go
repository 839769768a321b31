// ABOUTME: Asynchronous batched event writer backed by ClickHouse
// ABOUTME: Write never blocks; events are dropped when the buffer is full

package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	defaultBufferSize    = 10_000
	defaultFlushInterval = 5 * time.Second
	defaultBatchSize     = 500
	drainTimeout         = 2 * time.Second
	insertTimeout        = 5 * time.Second
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS toolgate_events (
		event_id        String,
		kind            LowCardinality(String),
		timestamp       DateTime64(3),
		source          LowCardinality(String),
		agent_id        String,
		tool_name       String,
		call_id         String,
		conversation_id String,
		token_id        String,
		team_id         String,
		user_id         String,
		is_error        UInt8,
		error           String,
		trusted         UInt8,
		blocked         UInt8,
		sanitize        UInt8,
		reason          String,
		policy_id       String,
		latency_ms      Float32
	) ENGINE = MergeTree
	ORDER BY (agent_id, timestamp)
`

const insertSQL = `
	INSERT INTO toolgate_events (
		event_id, kind, timestamp, source, agent_id, tool_name, call_id,
		conversation_id, token_id, team_id, user_id,
		is_error, error, trusted, blocked, sanitize, reason, policy_id, latency_ms
	)
`

// sink inserts one batch of events.
type sink interface {
	insert(ctx context.Context, events []*Event) error
}

// ClickHouseOptions tunes batching.
type ClickHouseOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	Logger        *slog.Logger
}

// ClickHouseWriter writes events to ClickHouse asynchronously.
// Write() is non-blocking; events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	sink      sink
	buffer    chan *Event
	done      chan struct{}
	flushed   chan struct{}
	batchSize int
	interval  time.Duration
	closeOnce sync.Once
	closer    func() error
	logger    *slog.Logger
}

// NewClickHouseWriter connects, ensures the events table exists, and starts the flush loop.
func NewClickHouseWriter(ctx context.Context, dsn string, opts ClickHouseOptions) (*ClickHouseWriter, error) {
	chOpts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	w := newClickHouseWriter(&clickhouseSink{conn: conn}, opts)
	w.closer = conn.Close
	return w, nil
}

func newClickHouseWriter(s sink, opts ClickHouseOptions) *ClickHouseWriter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &ClickHouseWriter{
		sink:      s,
		buffer:    make(chan *Event, opts.BufferSize),
		done:      make(chan struct{}),
		flushed:   make(chan struct{}),
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		logger:    logger.With("component", "events-clickhouse"),
	}
	go w.flushLoop()
	return w
}

// Write queues an event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *Event) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event", "event_id", event.ID)
	}
}

// Close signals the flush loop to drain remaining events.
func (w *ClickHouseWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		<-w.flushed
		if w.closer != nil {
			if err := w.closer(); err != nil {
				w.logger.Warn("closing clickhouse connection", "error", err)
			}
		}
	})
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]*Event, 0, w.batchSize)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := w.sink.insert(ctx, events); err != nil {
		w.logger.Error("clickhouse batch send failed", "batch_size", len(events), "error", err)
	}
}

type clickhouseSink struct {
	conn driver.Conn
}

func (s *clickhouseSink) insert(ctx context.Context, events []*Event) error {
	batch, err := s.conn.PrepareBatch(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.ID,
			e.Kind,
			e.Timestamp,
			e.Source,
			e.AgentID,
			e.ToolName,
			e.CallID,
			e.ConversationID,
			e.TokenID,
			e.TeamID,
			e.UserID,
			boolToUint8(e.IsError),
			e.Error,
			boolToUint8(e.Trusted),
			boolToUint8(e.Blocked),
			boolToUint8(e.Sanitize),
			e.Reason,
			e.PolicyID,
			e.LatencyMs,
		); err != nil {
			return fmt.Errorf("append event %s: %w", e.ID, err)
		}
	}
	return batch.Send()
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
