package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbgate/internal/domain"
)

func TestSyslogFormat(t *testing.T) {
	s, err := NewSyslog(SyslogConfig{Address: "127.0.0.1:9", Protocol: "tcp"}, discardLogger())
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	t.Run("success_is_informational", func(t *testing.T) {
		entry := testEntry("query")
		entry.Result = &domain.InvocationResult{Success: true}

		msg, err := s.format(entry)
		require.NoError(t, err)
		// facility 16 (local0), severity 6: PRI 134.
		assert.True(t, strings.HasPrefix(msg, "<134>1 "), msg)
		assert.Contains(t, msg, " query - ")
	})

	t.Run("failure_is_warning", func(t *testing.T) {
		entry := testEntry("query")
		entry.Result = &domain.InvocationResult{Success: false, Error: "boom"}

		msg, err := s.format(entry)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(msg, "<132>1 "), msg)
	})

	t.Run("missing_fields_become_nil_values", func(t *testing.T) {
		msg, err := s.format(&domain.AuditLogEntry{})
		require.NoError(t, err)
		// Timestamp and msgid positions carry the RFC 5424 nil value.
		parts := strings.SplitN(msg, " ", 8)
		require.Len(t, parts, 8)
		assert.Equal(t, "-", parts[1])
		assert.Equal(t, "-", parts[5])
	})

	t.Run("payload_is_the_json_entry", func(t *testing.T) {
		entry := testEntry("query")
		msg, err := s.format(entry)
		require.NoError(t, err)

		_, payload, ok := strings.Cut(msg, " - ")
		require.True(t, ok)
		var decoded domain.AuditLogEntry
		require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
		assert.Equal(t, "query", decoded.ToolName)
	})
}

func TestSyslogSink_UDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close() //nolint:errcheck

	s, err := NewSyslog(SyslogConfig{Address: pc.LocalAddr().String()}, discardLogger())
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	require.NoError(t, s.Send(testEntry("query")))

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64*1024)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)

	msg := string(buf[:n])
	assert.True(t, strings.HasPrefix(msg, "<134>1 "), msg)
	assert.Contains(t, msg, `"toolName":"query"`)
}

func TestSyslogSink_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close() //nolint:errcheck

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	s, err := NewSyslog(SyslogConfig{
		Address:  ln.Addr().String(),
		Protocol: "tcp",
	}, discardLogger())
	require.NoError(t, err)
	s.reconnectDelay = 10 * time.Millisecond
	defer s.Close(context.Background()) //nolint:errcheck

	// First send finds no connection yet: the message is dropped and a
	// background dial starts.
	require.NoError(t, s.Send(testEntry("dropped")))

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never dialed")
	}
	defer conn.Close() //nolint:errcheck

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Send(testEntry("delivered")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	frame := string(buf[:n])

	// RFC 6587 octet counting: "<len> <msg>".
	lenStr, msg, ok := strings.Cut(frame, " ")
	require.True(t, ok, frame)
	octets, err := strconv.Atoi(lenStr)
	require.NoError(t, err)
	assert.Equal(t, octets, len(msg))
	assert.Contains(t, msg, `"toolName":"delivered"`)
	assert.NotContains(t, msg, "dropped")
}

func TestSyslogSink_Validation(t *testing.T) {
	t.Run("missing_address", func(t *testing.T) {
		_, err := NewSyslog(SyslogConfig{}, discardLogger())
		require.Error(t, err)
		var cfgErr *domain.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("unknown_protocol", func(t *testing.T) {
		_, err := NewSyslog(SyslogConfig{Address: "127.0.0.1:514", Protocol: "sctp"}, discardLogger())
		require.Error(t, err)
		var cfgErr *domain.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestSyslogSink_SendAfterCloseIsNoop(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close() //nolint:errcheck

	s, err := NewSyslog(SyslogConfig{Address: pc.LocalAddr().String()}, discardLogger())
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Send(testEntry("query")))
	require.NoError(t, s.Close(context.Background()))
}

func TestSyslogSink_CustomFacilityAndApp(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close() //nolint:errcheck

	s, err := NewSyslog(SyslogConfig{
		Address:  pc.LocalAddr().String(),
		Facility: 17, // local1
		AppName:  "gatekeeper",
	}, discardLogger())
	require.NoError(t, err)
	defer s.Close(context.Background()) //nolint:errcheck

	msg, err := s.format(testEntry("query"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg, fmt.Sprintf("<%d>1 ", 17*8+severityInfo)), msg)
	assert.Contains(t, msg, " gatekeeper ")
}
