package domain

import "context"

// Sink is a delivery backend for audit entries.
//
// Send must never block on the network: it either enqueues the entry for a
// later batched flush or performs a bounded synchronous write (file append,
// UDP datagram). Flush resolves once all currently buffered entries have been
// handed to the transport; a batch dropped after exhausting the sink's retry
// policy counts as handled. Close stops any background scheduling, performs a
// final flush, and releases transport resources; it is safe to call even if
// nothing was ever sent. Sinks without buffering implement Flush and Close as
// no-ops so call sites never probe for capabilities.
type Sink interface {
	// Type identifies the sink kind for diagnostics.
	Type() string
	Send(entry *AuditLogEntry) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}
