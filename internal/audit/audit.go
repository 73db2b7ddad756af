// Package audit implements the optional dispatch audit trail
// (SPEC_FULL.md section 4): a Postgres-backed history of completed
// tasks, written asynchronously in batches so persistence never blocks
// the dispatcher's hot path. Modeled on the teacher's invocation log
// batcher (internal/executor/invocation_log_batcher.go).
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/zenria/funtonic/internal/logging"
)

const (
	defaultBatchSize     = 100
	defaultBufferSize    = 1000
	defaultFlushInterval = 500 * time.Millisecond
	defaultTimeout       = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 100 * time.Millisecond
)

// Record is one completed task's audit entry.
type Record struct {
	TaskID        string
	Predicate     string
	IssuerKeyID   string
	MatchedCount  int
	Outcome       string // "completed", "canceled", "broadcast", "no_match"
	LaunchedAt    time.Time
	CompletedAt   time.Time
}

// Sink persists dispatch records. PostgresSink is the implementation the
// taskserver uses when audit_dsn is configured; with no audit_dsn the
// taskserver attaches no sink at all.
type Sink interface {
	SaveBatch(ctx context.Context, records []Record) error
	Close() error
}

// NoopSink discards every record.
type NoopSink struct{}

func (NoopSink) SaveBatch(context.Context, []Record) error { return nil }
func (NoopSink) Close() error                               { return nil }

// BatcherConfig configures the batching behavior of a Batcher.
type BatcherConfig struct {
	BatchSize     int
	BufferSize    int
	FlushInterval time.Duration
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// Batcher buffers Records and flushes them to a Sink on a size or time
// trigger, retrying failed flushes with a doubling backoff. A full
// buffer drops the newest record rather than blocking the caller.
type Batcher struct {
	sink          Sink
	logger        *slog.Logger
	records       chan Record
	flushInterval time.Duration
	batchSize     int
	timeout       time.Duration
	maxRetries    int
	retryInterval time.Duration
	done          chan struct{}
}

// NewBatcher starts a Batcher backed by sink. Zero-valued fields in cfg
// fall back to the same defaults as the teacher's log batcher.
func NewBatcher(sink Sink, cfg BatcherConfig) *Batcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	b := &Batcher{
		sink:          sink,
		logger:        logging.Op(),
		records:       make(chan Record, bufferSize),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		timeout:       timeout,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		done:          make(chan struct{}),
	}
	go b.run()
	return b
}

// Enqueue submits r for eventual persistence. Non-blocking: a full
// buffer drops r and logs a warning rather than stalling the dispatcher.
func (b *Batcher) Enqueue(r Record) {
	select {
	case b.records <- r:
	default:
		b.logger.Warn("dropping audit record due to full buffer", "task_id", r.TaskID)
	}
}

// Shutdown closes the input channel and waits up to timeout for the
// final flush to complete.
func (b *Batcher) Shutdown(timeout time.Duration) {
	close(b.records)
	select {
	case <-b.done:
		return
	case <-time.After(timeout):
		b.logger.Warn("timeout waiting for audit batcher shutdown", "timeout", timeout)
	}
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var lastErr error
		for attempt := 0; attempt < b.maxRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			lastErr = b.sink.SaveBatch(ctx, batch)
			cancel()
			if lastErr == nil {
				break
			}
			b.logger.Warn("failed to persist audit records, retrying",
				"error", lastErr, "count", len(batch), "attempt", attempt+1)
			time.Sleep(time.Duration(1<<uint(attempt)) * b.retryInterval)
		}
		if lastErr != nil {
			b.logger.Error("permanently failed to persist audit records after retries",
				"error", lastErr, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-b.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
