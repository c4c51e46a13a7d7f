package sink

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbgate/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEntry(tool string) *domain.AuditLogEntry {
	return &domain.AuditLogEntry{
		Timestamp: domain.NewTimestamp(),
		ToolName:  tool,
	}
}

// batchRecorder captures delivered batches for assertions.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]*domain.AuditLogEntry
	err     error
	block   chan struct{} // when set, deliver waits on it
}

func (r *batchRecorder) deliver(_ context.Context, batch []*domain.AuditLogEntry) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return r.err
}

func (r *batchRecorder) snapshot() [][]*domain.AuditLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]*domain.AuditLogEntry(nil), r.batches...)
}

func TestBatcher_ThresholdTriggersAsyncFlush(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(3, 60_000, rec.deliver, discardLogger())
	defer b.close(context.Background()) //nolint:errcheck

	b.add(testEntry("a"))
	b.add(testEntry("b"))
	assert.Empty(t, rec.snapshot(), "below threshold nothing is delivered")

	b.add(testEntry("c"))
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	batch := rec.snapshot()[0]
	require.Len(t, batch, 3)
	assert.Equal(t, "a", batch[0].ToolName)
	assert.Equal(t, "b", batch[1].ToolName)
	assert.Equal(t, "c", batch[2].ToolName)
}

func TestBatcher_TickerFlushesPartialBatch(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(100, 30, rec.deliver, discardLogger())
	defer b.close(context.Background()) //nolint:errcheck

	b.add(testEntry("a"))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, rec.snapshot()[0], 1)
}

func TestBatcher_FlushEmptyIsNoop(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(10, 60_000, rec.deliver, discardLogger())
	defer b.close(context.Background()) //nolint:errcheck

	require.NoError(t, b.flush(context.Background()))
	assert.Empty(t, rec.snapshot())
}

func TestBatcher_CloseDeliversRemainder(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(10, 60_000, rec.deliver, discardLogger())

	b.add(testEntry("a"))
	b.add(testEntry("b"))
	require.NoError(t, b.close(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)

	// Closing again flushes an empty buffer.
	require.NoError(t, b.close(context.Background()))
	assert.Len(t, rec.snapshot(), 1)
}

func TestBatcher_AddDuringFlushLandsInNextBatch(t *testing.T) {
	rec := &batchRecorder{block: make(chan struct{})}
	b := newBatcher(100, 60_000, rec.deliver, discardLogger())
	defer b.close(context.Background()) //nolint:errcheck

	b.add(testEntry("first"))

	flushDone := make(chan error, 1)
	go func() { flushDone <- b.flush(context.Background()) }()

	// The in-flight flush owns a detached snapshot; this entry must land in
	// the fresh buffer.
	time.Sleep(20 * time.Millisecond)
	b.add(testEntry("second"))
	close(rec.block)
	require.NoError(t, <-flushDone)

	rec.block = nil
	require.NoError(t, b.flush(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "first", batches[0][0].ToolName)
	require.Len(t, batches[1], 1)
	assert.Equal(t, "second", batches[1][0].ToolName)
}

func TestBatcher_DefaultsApplied(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(0, 0, rec.deliver, discardLogger())
	defer b.close(context.Background()) //nolint:errcheck

	assert.Equal(t, defaultBatchSize, b.batchSize)
	assert.Equal(t, defaultFlushInterval, b.interval)
}

func TestBatcher_PreservesOrderAcrossManyAdds(t *testing.T) {
	rec := &batchRecorder{}
	b := newBatcher(1000, 60_000, rec.deliver, discardLogger())

	for i := 0; i < 50; i++ {
		b.add(testEntry("tool-" + strconv.Itoa(i)))
	}
	require.NoError(t, b.close(context.Background()))

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 50)
	for i, e := range batches[0] {
		assert.Equal(t, "tool-"+strconv.Itoa(i), e.ToolName)
	}
}
