package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"dbgate/internal/domain"
)

const (
	azureAPIVersion = "2016-04-01"
	// DefaultLogType is the Log Analytics custom log type when none is
	// configured; records land in the DBGateAudit_CL table.
	DefaultLogType = "DBGateAudit"
)

var _ domain.Sink = (*AzureMonitorSink)(nil)

// AzureMonitorSink batches entries and delivers them to the Azure Log
// Analytics HTTP data collector API, signing each request with the
// workspace shared key. One network attempt per flush; a failed batch is
// dropped with a diagnostic.
type AzureMonitorSink struct {
	workspaceID string
	key         []byte // base64-decoded shared key
	logType     string
	endpoint    string
	client      *http.Client
	logger      *slog.Logger
	b           *batcher
}

// NewAzureMonitor decodes the shared key and starts the flush scheduler.
func NewAzureMonitor(cfg AzureMonitorConfig, logger *slog.Logger) (*AzureMonitorSink, error) {
	if cfg.WorkspaceID == "" || cfg.SharedKey == "" {
		return nil, domain.ErrConfiguration("azuremonitor sink requires workspaceId and sharedKey")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.SharedKey)
	if err != nil {
		return nil, domain.ErrConfiguration("azuremonitor sharedKey is not valid base64: %v", err)
	}
	logType := cfg.LogType
	if logType == "" {
		logType = DefaultLogType
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.ods.opinsights.azure.com/api/logs?api-version=%s",
			cfg.WorkspaceID, azureAPIVersion)
	}

	s := &AzureMonitorSink{
		workspaceID: cfg.WorkspaceID,
		key:         key,
		logType:     logType,
		endpoint:    endpoint,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
	s.b = newBatcher(cfg.BatchSize, cfg.FlushIntervalMs, s.deliver, logger)
	return s, nil
}

// Type identifies the sink kind.
func (s *AzureMonitorSink) Type() string { return KindAzureMonitor }

// Send buffers the entry; a full buffer triggers an asynchronous flush.
func (s *AzureMonitorSink) Send(entry *domain.AuditLogEntry) error {
	s.b.add(entry)
	return nil
}

// Flush delivers the currently buffered entries.
func (s *AzureMonitorSink) Flush(ctx context.Context) error { return s.b.flush(ctx) }

// Close stops the flush scheduler and delivers the final batch.
func (s *AzureMonitorSink) Close(ctx context.Context) error { return s.b.close(ctx) }

func (s *AzureMonitorSink) deliver(ctx context.Context, batch []*domain.AuditLogEntry) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal audit batch: %w", err)
	}

	// The RFC 1123 date must match the one inside the signature exactly.
	date := time.Now().UTC().Format(http.TimeFormat)
	signature := sharedKeySignature(s.key, len(body), date)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Log-Type", s.logType)
	req.Header.Set("x-ms-date", date)
	req.Header.Set("Authorization", fmt.Sprintf("SharedKey %s:%s", s.workspaceID, signature))

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.ErrDelivery("deliver %d entries to workspace %s: %v",
			len(batch), s.workspaceID, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.ErrDelivery("workspace %s rejected %d entries: status %d",
			s.workspaceID, len(batch), resp.StatusCode)
	}
	return nil
}

// sharedKeySignature computes the data collector API authorization
// signature: HMAC-SHA256 over the canonical string, base64-encoded.
func sharedKeySignature(key []byte, contentLength int, date string) string {
	stringToSign := "POST\n" + strconv.Itoa(contentLength) +
		"\napplication/json\nx-ms-date:" + date + "\n/api/logs"

	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
