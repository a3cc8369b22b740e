// ABOUTME: Typed errors for the protocol state machine
// ABOUTME: Encodes the fatal/non-fatal propagation policy from the error taxonomy
package session

import "fmt"

// TransportError reports a failure in the underlying channel: closed,
// read/write failed, or unframed data arrived. Always fatal.
type TransportError struct{ Reason string }

func (e *TransportError) Error() string { return fmt.Sprintf("session: transport error: %s", e.Reason) }

// ProtocolError reports a JSON parse failure, a missing required field, an
// unknown type in a state that disallows it, or a binary framing error.
// Always fatal.
type ProtocolError struct{ Reason string }

func (e *ProtocolError) Error() string { return fmt.Sprintf("session: protocol error: %s", e.Reason) }

// HandshakeError reports a handshake timeout, a missing server/hello, or no
// format intersection. Always fatal.
type HandshakeError struct{ Reason string }

func (e *HandshakeError) Error() string { return fmt.Sprintf("session: handshake error: %s", e.Reason) }

// ClockError reports the estimator being consulted while invalid, or no
// accepted sample within the startup window. Non-fatal on its own; the
// caller upgrades repeated occurrences past the startup window to a fatal
// Timeout.
type ClockError struct{ Reason string }

func (e *ClockError) Error() string { return fmt.Sprintf("session: clock error: %s", e.Reason) }

// CodecError reports a decoder failure on a well-framed payload. Closes the
// stream (scheduler reset) but keeps the connection open, unless it is the
// second consecutive occurrence.
type CodecError struct{ Reason string }

func (e *CodecError) Error() string { return fmt.Sprintf("session: codec error: %s", e.Reason) }

// SchedulerMiss reports a chunk dropped for exceeding late_window. Never
// fatal; counted and exposed via metrics.
type SchedulerMiss struct{ Count int64 }

func (e *SchedulerMiss) Error() string {
	return fmt.Sprintf("session: scheduler miss (total %d)", e.Count)
}

// Timeout reports an idle or sync timeout, or a ClockError upgraded past the
// startup window. Always fatal.
type Timeout struct{ Reason string }

func (e *Timeout) Error() string { return fmt.Sprintf("session: timeout: %s", e.Reason) }

// Fatal reports whether err should transition the connection to Closed, per
// the propagation policy: TransportError, ProtocolError, HandshakeError, and
// Timeout are always fatal; ClockError, SchedulerMiss and CodecError never
// are here. A second consecutive CodecError closes the connection through
// Machine.NoteCodecError instead.
func Fatal(err error) bool {
	switch err.(type) {
	case *TransportError, *ProtocolError, *HandshakeError, *Timeout:
		return true
	default:
		return false
	}
}
