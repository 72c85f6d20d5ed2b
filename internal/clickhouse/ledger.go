package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/talon-systems/talon/internal/execution"
)

// flushFunc writes one batch of fill rows. Replaceable for tests.
type flushFunc func(ctx context.Context, rows []execution.LedgerEntry) error

// LedgerWriter batches filled-trade rows and flushes to ClickHouse when
// the batch is full or on a fixed interval. The analytics ledger is
// best-effort: a failed flush is logged and dropped, it never blocks
// execution.
type LedgerWriter struct {
	client        *Client
	batchSize     int
	flushInterval time.Duration

	mu         sync.Mutex
	buf        []execution.LedgerEntry
	flush      flushFunc
	closed     bool
	flushCount int64
	errorCount int64
}

var _ execution.LedgerWriter = (*LedgerWriter)(nil)

// NewLedgerWriter creates a batch writer that flushes on size or interval.
func NewLedgerWriter(client *Client, batchSize int, flushInterval time.Duration) *LedgerWriter {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	w := &LedgerWriter{
		client:        client,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buf:           make([]execution.LedgerEntry, 0, batchSize),
	}
	w.flush = w.insertBatch
	return w
}

// SetFlushHook replaces the batch insert, for tests.
func (w *LedgerWriter) SetFlushHook(fn func(ctx context.Context, rows []execution.LedgerEntry) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flush = fn
}

// Append buffers one fill row, flushing if the batch is full.
func (w *LedgerWriter) Append(ctx context.Context, entry execution.LedgerEntry) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("clickhouse: ledger writer is closed")
	}
	w.buf = append(w.buf, entry)
	full := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Start runs the periodic flush loop. Blocks until ctx is cancelled,
// then performs a final flush.
func (w *LedgerWriter) Start(ctx context.Context) {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	log.Info().
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Msg("clickhouse: ledger writer started")

	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(context.Background()); err != nil {
				log.Error().Err(err).Msg("clickhouse: final flush failed")
			}
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("clickhouse: periodic flush failed")
			}
		}
	}
}

// Flush writes all buffered rows.
func (w *LedgerWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	rows := w.buf
	w.buf = make([]execution.LedgerEntry, 0, w.batchSize)
	fn := w.flush
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	if err := fn(ctx, rows); err != nil {
		w.mu.Lock()
		w.errorCount++
		w.mu.Unlock()
		log.Error().Err(err).Int("count", len(rows)).Msg("clickhouse: flush failed, rows dropped")
		return err
	}

	w.mu.Lock()
	w.flushCount++
	w.mu.Unlock()

	log.Debug().Int("rows", len(rows)).Msg("clickhouse: ledger batch flushed")
	return nil
}

func (w *LedgerWriter) insertBatch(ctx context.Context, rows []execution.LedgerEntry) error {
	batch, err := w.client.Conn().PrepareBatch(ctx,
		"INSERT INTO trade_fills (intent_id, kind, mint, direction, size, price, notional, tx_id, position_id, filled_at)")
	if err != nil {
		return fmt.Errorf("prepare fills batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.IntentID,
			string(r.Kind),
			r.Mint,
			string(r.Direction),
			r.Size.InexactFloat64(),
			r.Price.InexactFloat64(),
			r.Notional.InexactFloat64(),
			r.TxID,
			r.PositionID,
			r.FilledAt,
		); err != nil {
			return fmt.Errorf("append fill: %w", err)
		}
	}

	return batch.Send()
}

// Close marks the writer as closed.
func (w *LedgerWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	log.Info().
		Int64("total_flushes", w.flushCount).
		Int64("errors", w.errorCount).
		Msg("clickhouse: ledger writer closed")
	return nil
}

// Stats returns flush counters and the pending row count.
func (w *LedgerWriter) Stats() (flushCount, errorCount int64, pending int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCount, w.errorCount, len(w.buf)
}
