// Package domain defines core types, interfaces, and errors for the audit
// pipeline.
package domain

import "fmt"

// ConfigurationError indicates invalid sink or routing configuration.
// It is fatal: raised synchronously at construction time so that a
// misconfigured deployment fails at startup, never silently at dispatch.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// DeliveryError indicates a transport or network failure while handing a
// batch to a destination. Recovered locally; the batch is dropped after the
// sink's bounded retry policy.
type DeliveryError struct {
	Message string
}

func (e *DeliveryError) Error() string { return e.Message }

// ProtocolStateError indicates a destination-side state mismatch, such as a
// stale upload sequence token. Recovered locally via one corrected retry.
type ProtocolStateError struct {
	Message string
}

func (e *ProtocolStateError) Error() string { return e.Message }

// CapabilityError indicates a sink's external client could not be built.
// The sink self-disables permanently and discards future entries rather than
// crashing the host process.
type CapabilityError struct {
	Message string
}

func (e *CapabilityError) Error() string { return e.Message }

// ErrConfiguration creates a ConfigurationError with a formatted message.
func ErrConfiguration(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ErrDelivery creates a DeliveryError with a formatted message.
func ErrDelivery(format string, args ...interface{}) *DeliveryError {
	return &DeliveryError{Message: fmt.Sprintf(format, args...)}
}

// ErrProtocolState creates a ProtocolStateError with a formatted message.
func ErrProtocolState(format string, args ...interface{}) *ProtocolStateError {
	return &ProtocolStateError{Message: fmt.Sprintf(format, args...)}
}

// ErrCapability creates a CapabilityError with a formatted message.
func ErrCapability(format string, args ...interface{}) *CapabilityError {
	return &CapabilityError{Message: fmt.Sprintf(format, args...)}
}
