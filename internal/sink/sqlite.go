package sink

import (
	"context"
	"database/sql"
	"log/slog"

	"dbgate/internal/db"
	"dbgate/internal/db/repository"
	"dbgate/internal/domain"
)

var _ domain.Sink = (*SQLiteSink)(nil)

// SQLiteSink batches entries into the local SQLite metastore. It gives a
// deployment a queryable on-host copy of the audit trail next to whatever
// remote destinations are configured.
type SQLiteSink struct {
	pool *sql.DB
	repo *repository.AuditRepo
	b    *batcher
}

// NewSQLite opens the metastore, runs migrations, and starts the flush
// scheduler. Storage problems at construction are configuration errors:
// a deployment that asks for a metastore it cannot open should not start.
func NewSQLite(cfg SQLiteConfig, logger *slog.Logger) (*SQLiteSink, error) {
	if cfg.Path == "" {
		return nil, domain.ErrConfiguration("sqlite sink requires a path")
	}

	pool, err := db.Open(cfg.Path)
	if err != nil {
		return nil, domain.ErrConfiguration("open audit metastore %q: %v", cfg.Path, err)
	}
	if err := db.RunMigrations(pool); err != nil {
		_ = pool.Close()
		return nil, domain.ErrConfiguration("migrate audit metastore %q: %v", cfg.Path, err)
	}

	s := &SQLiteSink{
		pool: pool,
		repo: repository.NewAuditRepo(pool),
	}
	s.b = newBatcher(cfg.BatchSize, cfg.FlushIntervalMs, s.deliver, logger)
	return s, nil
}

// Type identifies the sink kind.
func (s *SQLiteSink) Type() string { return KindSQLite }

// Repo exposes the underlying repository for read-side queries (the ops
// endpoint lists recent entries through it).
func (s *SQLiteSink) Repo() *repository.AuditRepo { return s.repo }

// Send buffers the entry; a full buffer triggers an asynchronous flush.
func (s *SQLiteSink) Send(entry *domain.AuditLogEntry) error {
	s.b.add(entry)
	return nil
}

// Flush delivers the currently buffered entries.
func (s *SQLiteSink) Flush(ctx context.Context) error { return s.b.flush(ctx) }

// Close stops the flush scheduler, writes the final batch, and closes the
// pool.
func (s *SQLiteSink) Close(ctx context.Context) error {
	flushErr := s.b.close(ctx)
	if err := s.pool.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	return flushErr
}

func (s *SQLiteSink) deliver(ctx context.Context, batch []*domain.AuditLogEntry) error {
	if err := s.repo.InsertBatch(ctx, batch); err != nil {
		return domain.ErrDelivery("store %d entries in metastore: %v", len(batch), err)
	}
	return nil
}
