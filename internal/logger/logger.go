// Package logger implements a non-blocking, batched request-log writer.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine — logging never blocks the proxy hot path. If the
// channel fills up (> 10 000 entries), new entries are dropped and counted in
// DroppedLogs. Batches go to a pluggable Sink: structured slog output by
// default, ClickHouse for analytics deployments.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one finalized request record bound for the analytics sink.
type Entry struct {
	RequestID    uuid.UUID
	LogID        int64
	Model        string
	Status       string
	StatusCode   int
	LatencyMs    int64
	TTFTMs       int64
	IsStream     bool
	InputTokens  int
	OutputTokens int
	VirtualKeyID int64
	OwnerID      int64
	CreatedAt    time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine only.
type Sink interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New starts the background flusher. A nil sink falls back to slog output.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry. Never blocks; drops when the buffer is full.
func (l *Logger) Log(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the channel, flushes the final batch, and stops the flusher.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteBatch(ctx, batch); err != nil {
			l.log.WarnContext(ctx, "log batch write failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// SlogSink writes each entry as one structured log line.
type SlogSink struct {
	Log *slog.Logger
}

func (s *SlogSink) WriteBatch(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		s.Log.InfoContext(ctx, "request",
			slog.String("id", e.RequestID.String()),
			slog.Int64("log_id", e.LogID),
			slog.String("model", e.Model),
			slog.String("status", e.Status),
			slog.Int("status_code", e.StatusCode),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Int64("ttft_ms", e.TTFTMs),
			slog.Bool("stream", e.IsStream),
			slog.Int("input_tokens", e.InputTokens),
			slog.Int("output_tokens", e.OutputTokens),
			slog.Int64("virtual_key_id", e.VirtualKeyID),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
