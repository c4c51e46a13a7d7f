package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dbgate/internal/domain"
)

// Batch tuning defaults shared by the buffering sinks.
const (
	defaultBatchSize     = 10
	defaultFlushInterval = 5 * time.Second
)

type deliverFunc func(ctx context.Context, batch []*domain.AuditLogEntry) error

// batcher is the buffering core shared by the HTTP, Azure Monitor,
// CloudWatch, and SQLite sinks. Entries accumulate under a mutex; reaching
// batchSize triggers an asynchronous flush, and a background ticker flushes
// on the fixed interval regardless of buffer size.
//
// Every flush detaches the current buffer before delivering, so entries
// arriving during a slow network call land in a fresh buffer and overlapping
// flushes each own a distinct snapshot.
// A batch whose delivery fails after the sink's retry policy is dropped;
// delivery order across overlapping flushes is best-effort.
type batcher struct {
	deliver  deliverFunc
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	buf       []*domain.AuditLogEntry
	batchSize int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newBatcher(batchSize, flushIntervalMs int, deliver deliverFunc, logger *slog.Logger) *batcher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := defaultFlushInterval
	if flushIntervalMs > 0 {
		interval = time.Duration(flushIntervalMs) * time.Millisecond
	}

	b := &batcher{
		deliver:   deliver,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// add buffers one entry and triggers an asynchronous flush when the buffer
// reaches the batch threshold. Never blocks on the network.
func (b *batcher) add(e *domain.AuditLogEntry) {
	b.mu.Lock()
	b.buf = append(b.buf, e)
	full := len(b.buf) >= b.batchSize
	b.mu.Unlock()

	if full {
		go b.flushLogged(context.Background())
	}
}

// detach snapshots and clears the buffer.
func (b *batcher) detach() []*domain.AuditLogEntry {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	return batch
}

// flush delivers the currently buffered entries. An error means the batch
// was dropped after the sink's bounded retry policy.
func (b *batcher) flush(ctx context.Context) error {
	batch := b.detach()
	if len(batch) == 0 {
		return nil
	}
	return b.deliver(ctx, batch)
}

func (b *batcher) flushLogged(ctx context.Context) {
	if err := b.flush(ctx); err != nil {
		b.logger.Error("audit batch dropped", "error", err)
	}
}

func (b *batcher) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.flushLogged(context.Background())
		}
	}
}

// close stops the ticker goroutine and performs one final flush. Safe to
// call more than once; later calls flush an empty buffer.
func (b *batcher) close(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	return b.flush(ctx)
}
