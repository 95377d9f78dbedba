// Package logger implements a non-blocking, batched request log.
//
// Entries go through a buffered channel and are flushed in batches to a Sink
// by a background goroutine, so logging never blocks the proxy hot path. If
// the channel fills up, new entries are dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one served request.
type RequestLog struct {
	RequestID    string
	Route        string
	Model        string
	ServedModel  string
	Cache        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Status       uint16
	ActualCost   float64
	WouldBeCost  float64
	CreatedAt    time.Time
}

// Sink receives flushed batches. Write is only called from the logger's
// goroutine.
type Sink interface {
	Write(ctx context.Context, batch []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
	batch   int
	every   time.Duration
}

// New starts a logger writing to sink. A nil sink logs every entry through
// slogger.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	return newLogger(ctx, sink, slogger, channelBuffer, batchSize, flushInterval)
}

func newLogger(ctx context.Context, sink Sink, slogger *slog.Logger, buffer, batch int, every time.Duration) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		ch:      make(chan RequestLog, buffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     slogger,
		batch:   batch,
		every:   every,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes buffered entries and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.every)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, l.batch)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			batch[i].CreatedAt = normalizeTime(batch[i].CreatedAt)
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			l.log.WarnContext(ctx, "request_log_flush_failed",
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
			if len(batch) >= l.batch {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			// The base context may already be cancelled at shutdown.
			ctx := context.WithoutCancel(l.baseCtx)
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= l.batch {
						flush(ctx)
					}
				default:
					flush(ctx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// SlogSink writes each entry as a structured "request" log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("request_id", e.RequestID),
			slog.String("route", e.Route),
			slog.String("model", e.Model),
			slog.String("served_model", e.ServedModel),
			slog.String("cache", e.Cache),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Float64("actual_cost", e.ActualCost),
			slog.Float64("would_be_cost", e.WouldBeCost),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
