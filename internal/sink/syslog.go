package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"dbgate/internal/domain"
)

// RFC 5424 severity and facility values used by the syslog sink.
const (
	severityInfo    = 6
	severityWarning = 4
	defaultFacility = 16 // local0

	defaultAppName = "dbgate"

	// Delay between TCP reconnection attempts after a lost connection.
	syslogReconnectDelay = 5 * time.Second
)

var _ domain.Sink = (*SyslogSink)(nil)

// SyslogSink forwards each entry as one RFC 5424 message, either as a UDP
// datagram or over a persistent octet-counted TCP stream (RFC 6587).
//
// Syslog is inherently best-effort: send failures are logged and otherwise
// ignored, and TCP sends while disconnected drop the message rather than
// buffer or block.
type SyslogSink struct {
	address  string
	protocol string
	facility int
	appName  string
	hostname string
	pid      int
	logger   *slog.Logger

	// reconnectDelay is a field so tests can shorten the retry cadence.
	reconnectDelay time.Duration

	mu      sync.Mutex
	conn    net.Conn
	dialing bool
	closed  bool
	stopCh  chan struct{}
}

// NewSyslog validates the transport configuration and, for UDP, resolves the
// destination immediately. TCP connections are opened lazily on first send.
func NewSyslog(cfg SyslogConfig, logger *slog.Logger) (*SyslogSink, error) {
	if cfg.Address == "" {
		return nil, domain.ErrConfiguration("syslog sink requires an address")
	}
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "udp"
	}
	if protocol != "udp" && protocol != "tcp" {
		return nil, domain.ErrConfiguration("syslog protocol must be udp or tcp, got %q", protocol)
	}

	facility := cfg.Facility
	if facility <= 0 {
		facility = defaultFacility
	}
	appName := cfg.AppName
	if appName == "" {
		appName = defaultAppName
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "-"
	}

	s := &SyslogSink{
		address:        cfg.Address,
		protocol:       protocol,
		facility:       facility,
		appName:        appName,
		hostname:       hostname,
		pid:            os.Getpid(),
		logger:         logger,
		reconnectDelay: syslogReconnectDelay,
		stopCh:         make(chan struct{}),
	}

	if protocol == "udp" {
		conn, err := net.Dial("udp", cfg.Address)
		if err != nil {
			return nil, domain.ErrConfiguration("dial syslog udp %s: %v", cfg.Address, err)
		}
		s.conn = conn
	}

	return s, nil
}

// Type identifies the sink kind.
func (s *SyslogSink) Type() string { return KindSyslog }

// Send formats and forwards one message. Failures are diagnosed, never
// returned: syslog delivery is best-effort.
func (s *SyslogSink) Send(entry *domain.AuditLogEntry) error {
	msg, err := s.format(entry)
	if err != nil {
		s.logger.Warn("format syslog message failed", "error", err)
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	if conn == nil {
		// TCP not yet connected: drop this message and make sure a dial
		// is in flight for the next one.
		s.startDialLocked(0)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	payload := msg
	if s.protocol == "tcp" {
		// RFC 6587 octet counting so the receiver can delimit the stream.
		payload = fmt.Sprintf("%d %s", len(msg), msg)
	}

	if _, err := conn.Write([]byte(payload)); err != nil {
		s.logger.Warn("syslog send failed", "address", s.address, "error", err)
		if s.protocol == "tcp" {
			s.dropConn(conn)
		}
	}
	return nil
}

// format renders the RFC 5424 message:
// <PRI>1 <timestamp> <hostname> <appName> <pid> <msgId> - <json>
func (s *SyslogSink) format(entry *domain.AuditLogEntry) (string, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}

	severity := severityInfo
	if entry.Failed() {
		severity = severityWarning
	}
	pri := s.facility*8 + severity

	timestamp := entry.Timestamp
	if timestamp == "" {
		timestamp = "-"
	}
	msgID := entry.ToolName
	if msgID == "" {
		msgID = "-"
	}

	return fmt.Sprintf("<%d>1 %s %s %s %d %s - %s",
		pri, timestamp, s.hostname, s.appName, s.pid, msgID, payload), nil
}

// startDialLocked kicks off a background TCP dial unless one is already in
// flight. Callers must hold s.mu.
func (s *SyslogSink) startDialLocked(initialDelay time.Duration) {
	if s.dialing || s.closed || s.protocol != "tcp" {
		return
	}
	s.dialing = true
	go s.dialLoop(initialDelay)
}

// dialLoop retries until it establishes a connection or the sink closes.
func (s *SyslogSink) dialLoop(delay time.Duration) {
	for {
		if delay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
		}

		conn, err := net.Dial("tcp", s.address)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = conn.Close()
				return
			}
			s.conn = conn
			s.dialing = false
			s.mu.Unlock()
			s.logger.Info("syslog tcp connected", "address", s.address)
			return
		}

		s.logger.Warn("syslog tcp dial failed", "address", s.address, "error", err)
		delay = s.reconnectDelay
	}
}

// dropConn discards a broken connection and schedules a reconnect.
func (s *SyslogSink) dropConn(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.startDialLocked(s.reconnectDelay)
	}
	s.mu.Unlock()
}

// Flush is a no-op; the sink holds no buffer.
func (s *SyslogSink) Flush(ctx context.Context) error { return nil }

// Close tears down the active socket and stops reconnection attempts.
// Subsequent sends are silent no-ops.
func (s *SyslogSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	return nil
}
