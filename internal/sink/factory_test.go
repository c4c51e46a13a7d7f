package sink

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbgate/internal/domain"
)

type bogusConfig struct{}

func (bogusConfig) Kind() string { return "bogus" }

func TestFactory(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		s, err := New(FileConfig{Path: filepath.Join(t.TempDir(), "audit.jsonl")}, discardLogger())
		require.NoError(t, err)
		defer s.Close(context.Background()) //nolint:errcheck
		assert.Equal(t, KindFile, s.Type())
	})

	t.Run("syslog", func(t *testing.T) {
		s, err := New(SyslogConfig{Address: "127.0.0.1:514", Protocol: "tcp"}, discardLogger())
		require.NoError(t, err)
		defer s.Close(context.Background()) //nolint:errcheck
		assert.Equal(t, KindSyslog, s.Type())
	})

	t.Run("http", func(t *testing.T) {
		s, err := New(HTTPConfig{URL: "https://collector.example.com", FlushIntervalMs: 60_000}, discardLogger())
		require.NoError(t, err)
		defer s.Close(context.Background()) //nolint:errcheck
		assert.Equal(t, KindHTTP, s.Type())
	})

	t.Run("azuremonitor", func(t *testing.T) {
		s, err := New(AzureMonitorConfig{
			WorkspaceID:     "ws-1",
			SharedKey:       azureTestKeyB64,
			FlushIntervalMs: 60_000,
		}, discardLogger())
		require.NoError(t, err)
		defer s.Close(context.Background()) //nolint:errcheck
		assert.Equal(t, KindAzureMonitor, s.Type())
	})

	t.Run("cloudwatch", func(t *testing.T) {
		t.Setenv("AWS_REGION", "us-east-1")
		t.Setenv("AWS_ACCESS_KEY_ID", "AKIA-test")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")

		s, err := New(CloudWatchConfig{LogGroup: "/dbgate/audit", FlushIntervalMs: 60_000}, discardLogger())
		require.NoError(t, err)
		defer s.Close(context.Background()) //nolint:errcheck
		assert.Equal(t, KindCloudWatch, s.Type())
	})

	t.Run("cloudwatch_requires_log_group", func(t *testing.T) {
		_, err := New(CloudWatchConfig{}, discardLogger())
		require.Error(t, err)
		var cfgErr *domain.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := New(SQLiteConfig{
			Path:            filepath.Join(t.TempDir(), "audit.db"),
			FlushIntervalMs: 60_000,
		}, discardLogger())
		require.NoError(t, err)
		defer s.Close(context.Background()) //nolint:errcheck
		assert.Equal(t, KindSQLite, s.Type())
	})

	t.Run("unknown_config_type", func(t *testing.T) {
		_, err := New(bogusConfig{}, discardLogger())
		require.Error(t, err)
		var cfgErr *domain.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})
}
