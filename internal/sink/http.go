package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dbgate/internal/domain"
)

var _ domain.Sink = (*HTTPSink)(nil)

// HTTPSink batches entries and delivers them as a JSON array to a generic
// HTTP collector. A failed delivery is retried exactly once; a second
// failure drops the batch with a diagnostic. There is no persistence.
type HTTPSink struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
	b       *batcher
}

// NewHTTP validates the destination and starts the flush scheduler.
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) (*HTTPSink, error) {
	if cfg.URL == "" {
		return nil, domain.ErrConfiguration("http sink requires a url")
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	s := &HTTPSink{
		url:     cfg.URL,
		method:  method,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
	s.b = newBatcher(cfg.BatchSize, cfg.FlushIntervalMs, s.deliver, logger)
	return s, nil
}

// Type identifies the sink kind.
func (s *HTTPSink) Type() string { return KindHTTP }

// Send buffers the entry; a full buffer triggers an asynchronous flush.
func (s *HTTPSink) Send(entry *domain.AuditLogEntry) error {
	s.b.add(entry)
	return nil
}

// Flush delivers the currently buffered entries.
func (s *HTTPSink) Flush(ctx context.Context) error { return s.b.flush(ctx) }

// Close stops the flush scheduler and delivers the final batch.
func (s *HTTPSink) Close(ctx context.Context) error { return s.b.close(ctx) }

// deliver posts one detached batch, retrying once on any failure.
func (s *HTTPSink) deliver(ctx context.Context, batch []*domain.AuditLogEntry) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal audit batch: %w", err)
	}

	if err := s.post(ctx, body); err != nil {
		s.logger.Warn("audit batch delivery failed, retrying once",
			"url", s.url, "entries", len(batch), "error", err)
		if err := s.post(ctx, body); err != nil {
			return domain.ErrDelivery("deliver %d entries to %s: %v", len(batch), s.url, err)
		}
	}
	return nil
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
