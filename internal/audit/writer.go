// Package audit provides a non-blocking batched writer for RequestLog rows
// (persisted through chstore), so a burst of sync-pipeline requests never
// blocks on ClickHouse I/O.
// Under channel saturation rows are dropped and counted: a gateway under
// sustained overload degrades to fewer recorded rows rather than blocking
// callers.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/art-dzd/ai-gateway/internal/audit/chstore"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLogWriter asynchronously persists RequestLog rows.
type RequestLogWriter struct {
	repo *chstore.RequestLogRepo

	ch        chan chstore.RequestLogRow
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

func NewRequestLogWriter(ctx context.Context, repo *chstore.RequestLogRepo, log *slog.Logger) *RequestLogWriter {
	w := &RequestLogWriter{
		repo:    repo,
		ch:      make(chan chstore.RequestLogRow, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Write enqueues a row for persistence. Never blocks: under channel
// saturation the row is dropped and counted in Dropped().
func (w *RequestLogWriter) Write(row chstore.RequestLogRow) {
	select {
	case w.ch <- row:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

func (w *RequestLogWriter) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

func (w *RequestLogWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}

func (w *RequestLogWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]chstore.RequestLogRow, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, row := range batch {
			if err := w.repo.Insert(ctx, row); err != nil {
				w.log.ErrorContext(ctx, "request_log_insert_failed",
					slog.String("api_key_id", row.APIKeyID),
					slog.String("error", err.Error()),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case row := <-w.ch:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush(w.baseCtx)
			}

		case <-ticker.C:
			flush(w.baseCtx)

		case <-w.done:
			for {
				select {
				case row := <-w.ch:
					batch = append(batch, row)
					if len(batch) >= batchSize {
						flush(w.baseCtx)
					}
				default:
					flush(w.baseCtx)
					return
				}
			}
		}
	}
}
