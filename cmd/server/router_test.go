package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbgate/internal/audit"
	"dbgate/internal/domain"
	"dbgate/internal/sink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires the router to a file-backed audit logger so ingest
// results can be read back from disk.
func newTestServer(t *testing.T, metastore *sink.SQLiteSink) (*httptest.Server, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fileSink, err := sink.NewFile(sink.FileConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { fileSink.Close(context.Background()) }) //nolint:errcheck

	global := []domain.Sink{fileSink}
	if metastore != nil {
		global = append(global, metastore)
	}
	auditLogger := audit.New(audit.Options{Logger: testLogger()})
	auditLogger.ConfigureSinks(global, nil)

	srv := httptest.NewServer(newRouter(auditLogger, metastore, testLogger()))
	t.Cleanup(srv.Close)
	return srv, path
}

func readEntries(t *testing.T, path string) []domain.AuditLogEntry {
	t.Helper()
	f, err := os.Open(path) //nolint:gosec
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	var entries []domain.AuditLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e domain.AuditLogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngest(t *testing.T) {
	t.Run("accepts_and_records_invocation", func(t *testing.T) {
		srv, path := newTestServer(t, nil)

		body := `{
			"toolName": "query",
			"arguments": {"sql": "SELECT 1", "password": "hunter2"},
			"result": {"success": true},
			"durationMs": 12.5,
			"environment": "production",
			"auditLevel": "verbose"
		}`
		resp, err := http.Post(srv.URL+"/v1/audit/invocations", "application/json",
			strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		entries := readEntries(t, path)
		require.Len(t, entries, 1)
		e := entries[0]
		assert.Equal(t, "query", e.ToolName)
		assert.Equal(t, "production", e.Environment)
		assert.Equal(t, "SELECT 1", e.Arguments["sql"])
		assert.Equal(t, "[REDACTED]", e.Arguments["password"])
		require.NotNil(t, e.DurationMs)
		assert.Equal(t, int64(13), *e.DurationMs)
	})

	t.Run("basic_level_omits_arguments", func(t *testing.T) {
		srv, path := newTestServer(t, nil)

		body := `{"toolName":"query","arguments":{"sql":"SELECT 1"},"durationMs":3}`
		resp, err := http.Post(srv.URL+"/v1/audit/invocations", "application/json",
			strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		entries := readEntries(t, path)
		require.Len(t, entries, 1)
		assert.Nil(t, entries[0].Arguments)
	})

	t.Run("rejects_missing_tool_name", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)

		resp, err := http.Post(srv.URL+"/v1/audit/invocations", "application/json",
			strings.NewReader(`{"durationMs":1}`))
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects_invalid_json", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)

		resp, err := http.Post(srv.URL+"/v1/audit/invocations", "application/json",
			strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestListEntries(t *testing.T) {
	t.Run("without_metastore", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)

		resp, err := http.Get(srv.URL + "/v1/audit/entries")
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	})

	t.Run("serves_stored_entries", func(t *testing.T) {
		metastore, err := sink.NewSQLite(sink.SQLiteConfig{
			Path:            filepath.Join(t.TempDir(), "audit.db"),
			FlushIntervalMs: 60_000,
		}, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { metastore.Close(context.Background()) }) //nolint:errcheck
		srv, _ := newTestServer(t, metastore)

		body := `{"toolName":"query","durationMs":1,"environment":"staging"}`
		resp, err := http.Post(srv.URL+"/v1/audit/invocations", "application/json",
			strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close() //nolint:errcheck
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		// The metastore batches; force the write before reading.
		require.NoError(t, metastore.Flush(context.Background()))

		resp, err = http.Get(srv.URL + "/v1/audit/entries?toolName=query")
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var payload struct {
			Entries []domain.AuditLogEntry `json:"entries"`
			Count   int                    `json:"count"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		require.Equal(t, 1, payload.Count)
		assert.Equal(t, "query", payload.Entries[0].ToolName)
		assert.Equal(t, "staging", payload.Entries[0].Environment)
	})
}
