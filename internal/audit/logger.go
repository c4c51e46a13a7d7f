// Package audit implements the governance entry point of the tool server:
// every tool invocation is shaped per audit level, redacted, and fanned out
// to the delivery sinks routed for its environment.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"dbgate/internal/domain"
)

// Options configures a Logger. The zero value is usable: diagnostics go to
// slog.Default() and unconfigured dispatch falls back to logs/audit.jsonl.
type Options struct {
	// Logger receives diagnostics. Audit delivery failures are reported
	// here and never propagated to the tool caller.
	Logger *slog.Logger
	// FallbackPath overrides the legacy JSONL file used when no sinks have
	// been configured.
	FallbackPath string
	// DisableRedaction skips sensitive-value masking. Non-serializable
	// handle keys are stripped from arguments regardless.
	DisableRedaction bool
}

// InvocationOptions carries the per-call context supplied by the policy
// enforcement wrapper.
type InvocationOptions struct {
	SessionID   string
	UserID      string
	Environment string
	// AuditLevel defaults to basic when empty.
	AuditLevel domain.AuditLevel
}

// Logger is the single entry point for producing and routing audit records.
// One instance serves all audit levels concurrently; the level travels with
// each call, not with the logger.
type Logger struct {
	log              *slog.Logger
	fallbackPath     string
	disableRedaction bool

	mu         sync.RWMutex
	configured bool
	global     []domain.Sink
	perEnv     map[string][]domain.Sink

	fallbackMu sync.Mutex
}

// New creates a Logger. Sinks are attached later via ConfigureSinks; until
// then, entries go to the legacy fallback file.
func New(opts Options) *Logger {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	fallbackPath := opts.FallbackPath
	if fallbackPath == "" {
		fallbackPath = "logs/audit.jsonl"
	}
	return &Logger{
		log:              log,
		fallbackPath:     fallbackPath,
		disableRedaction: opts.DisableRedaction,
	}
}

// ConfigureSinks installs the routing table: a global list serving every
// environment without an explicit route, and per-environment lists. Called
// once at startup; the table is immutable afterwards. A sink instance may
// appear in several lists; Flush and Close de-duplicate by identity.
func (l *Logger) ConfigureSinks(global []domain.Sink, perEnv map[string][]domain.Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = global
	if perEnv == nil {
		perEnv = map[string][]domain.Sink{}
	}
	l.perEnv = perEnv
	l.configured = true
}

// LogToolInvocation records one completed (or failed) tool run, honoring the
// caller-supplied audit level.
func (l *Logger) LogToolInvocation(toolName string, arguments map[string]any, result *domain.InvocationResult, durationMs float64, opts InvocationOptions) {
	level := opts.AuditLevel
	if level == "" {
		level = domain.AuditBasic
	}
	if level == domain.AuditNone {
		return
	}

	duration := int64(math.Round(durationMs))
	entry := &domain.AuditLogEntry{
		Timestamp:   domain.NewTimestamp(),
		ToolName:    toolName,
		Environment: opts.Environment,
		DurationMs:  &duration,
		SessionID:   opts.SessionID,
		UserID:      opts.UserID,
	}

	if result != nil {
		shaped := *result
		if level == domain.AuditVerbose {
			shaped.Data = boundValue(shaped.Data)
		} else {
			shaped.Data = nil
		}
		entry.Result = &shaped
	}

	if level == domain.AuditVerbose && arguments != nil {
		shaped := make(map[string]any, len(arguments))
		for k, v := range arguments {
			shaped[k] = boundValue(v)
		}
		entry.Arguments = shaped
	}

	l.Log(entry)
}

// Log redacts and dispatches a pre-built entry. Failures in any sink are
// isolated: diagnosed, never propagated, and never allowed to block
// delivery to the remaining sinks.
func (l *Logger) Log(entry *domain.AuditLogEntry) {
	entry.Arguments = redactArguments(entry.Arguments, l.disableRedaction)

	sinks, configured := l.sinksFor(entry.Environment)
	if !configured {
		l.appendFallback(entry)
		return
	}
	if len(sinks) == 0 {
		return
	}

	for _, s := range sinks {
		l.dispatch(s, entry)
	}
}

func (l *Logger) dispatch(s domain.Sink, entry *domain.AuditLogEntry) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("audit sink panicked", "sink", s.Type(), "panic", r)
		}
	}()
	if err := s.Send(entry); err != nil {
		l.log.Error("audit sink send failed", "sink", s.Type(), "error", err)
	}
}

// sinksFor resolves the delivery list: the exact environment route when one
// exists, otherwise the global list. The second return is false when
// ConfigureSinks was never called.
func (l *Logger) sinksFor(environment string) ([]domain.Sink, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.configured {
		return nil, false
	}
	if environment != "" {
		if list, ok := l.perEnv[environment]; ok {
			return list, true
		}
	}
	return l.global, true
}

// Flush flushes every distinct sink at most once, aggregating failures
// without aborting the rest.
func (l *Logger) Flush(ctx context.Context) error {
	return l.forEachDistinct(func(s domain.Sink) error { return s.Flush(ctx) }, "flush")
}

// Close flushes and releases every distinct sink exactly once. Called by the
// harness at shutdown.
func (l *Logger) Close(ctx context.Context) error {
	return l.forEachDistinct(func(s domain.Sink) error { return s.Close(ctx) }, "close")
}

func (l *Logger) forEachDistinct(op func(domain.Sink) error, opName string) error {
	l.mu.RLock()
	sinks := make([]domain.Sink, 0, len(l.global))
	seen := make(map[domain.Sink]struct{})
	for _, s := range l.global {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		sinks = append(sinks, s)
	}
	for _, list := range l.perEnv {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			sinks = append(sinks, s)
		}
	}
	l.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := op(s); err != nil {
			l.log.Error("audit sink "+opName+" failed", "sink", s.Type(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// appendFallback preserves backward compatibility for callers that never
// configure sinks: one JSON line to the fallback file. Write failures are
// diagnosed only; the tool path must never observe them.
func (l *Logger) appendFallback(entry *domain.AuditLogEntry) {
	line, err := json.Marshal(entry)
	if err != nil {
		l.log.Error("marshal audit entry failed", "tool", entry.ToolName, "error", err)
		return
	}

	l.fallbackMu.Lock()
	defer l.fallbackMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.fallbackPath), 0o755); err != nil {
		l.log.Error("create audit fallback directory failed", "path", l.fallbackPath, "error", err)
		return
	}
	f, err := os.OpenFile(l.fallbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // operator-controlled path
	if err != nil {
		l.log.Error("open audit fallback file failed", "path", l.fallbackPath, "error", err)
		return
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(append(line, '\n')); err != nil {
		l.log.Error("write audit fallback file failed", "path", l.fallbackPath, "error", err)
	}
}
