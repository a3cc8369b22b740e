// ABOUTME: Client-side protocol state machine for a single connection
// ABOUTME: Pure transition logic; transport, clock, and scheduler are driven by the caller
package session

import (
	"fmt"

	"github.com/sendspin/sendspin-go/pkg/sendspin/wire"
)

// State is one of the tagged variants of a connection's lifecycle.
type State int

const (
	StateConnecting State = iota
	StateHelloSent
	StateReady
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHelloSent:
		return "hello_sent"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Machine drives a single connection's state transitions. It owns no I/O:
// callers translate transport events into method calls and translate
// returned errors/states into transport or component actions (reset the
// scheduler, send client/goodbye, etc).
type Machine struct {
	state            State
	codecErrorStreak int
}

// New creates a machine in the initial Connecting state.
func New() *Machine {
	return &Machine{state: StateConnecting}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// IsClosed reports whether the machine has reached the terminal state.
func (m *Machine) IsClosed() bool { return m.state == StateClosed }

// Open transitions Connecting -> HelloSent once the transport is open and
// client/hello has been sent.
func (m *Machine) Open() error {
	if m.state != StateConnecting {
		return m.illegal("transport_open")
	}
	m.state = StateHelloSent
	return nil
}

// HandleServerHello transitions HelloSent -> Ready.
func (m *Machine) HandleServerHello() error {
	if m.state != StateHelloSent {
		return m.illegal(wire.TypeServerHello)
	}
	m.state = StateReady
	return nil
}

// HandleHandshakeTimeout closes the connection with a HandshakeError if no
// server/hello arrived within the handshake window.
func (m *Machine) HandleHandshakeTimeout() error {
	if m.state != StateHelloSent {
		return m.illegal("handshake_timeout")
	}
	m.state = StateClosed
	return &HandshakeError{Reason: "timed out waiting for server/hello"}
}

// AllowedInCurrentState reports whether a control message type may be
// received in the current state without being a protocol error.
func (m *Machine) AllowedInCurrentState(msgType string) bool {
	switch m.state {
	case StateHelloSent:
		return msgType == wire.TypeServerHello
	case StateReady, StateStreaming:
		switch msgType {
		case wire.TypeServerTime, wire.TypeStreamStart, wire.TypeStreamClear,
			wire.TypeStreamEnd, wire.TypeGroupUpdate, wire.TypeServerState,
			wire.TypeServerGoodbye:
			return true
		}
		return false
	case StateDraining:
		return msgType == wire.TypeServerGoodbye
	default:
		return false
	}
}

// BinaryAllowed reports whether a binary audio/artwork/visualizer frame may
// be received in the current state.
func (m *Machine) BinaryAllowed() bool { return m.state == StateStreaming }

// HandleStreamStart transitions Ready or Streaming -> Streaming. The caller
// is responsible for resetting C4 and applying the new format before or
// after calling this, per its own ordering needs.
func (m *Machine) HandleStreamStart() error {
	if m.state != StateReady && m.state != StateStreaming {
		return m.illegal(wire.TypeStreamStart)
	}
	m.state = StateStreaming
	m.codecErrorStreak = 0
	return nil
}

// HandleStreamClear validates that a stream/clear is legal; the caller
// performs the actual C4.reset().
func (m *Machine) HandleStreamClear() error {
	if m.state != StateStreaming {
		return m.illegal(wire.TypeStreamClear)
	}
	return nil
}

// HandleStreamEnd transitions Streaming -> Draining. The caller begins
// draining C4 and stops enqueueing new chunks.
func (m *Machine) HandleStreamEnd() error {
	if m.state != StateStreaming {
		return m.illegal(wire.TypeStreamEnd)
	}
	m.state = StateDraining
	return nil
}

// HandleDrainComplete transitions Draining -> Closed once C4 has fully
// drained.
func (m *Machine) HandleDrainComplete() error {
	if m.state != StateDraining {
		return m.illegal("drain_complete")
	}
	m.state = StateClosed
	return nil
}

// HandleServerGoodbye transitions to Closed from any non-terminal state.
func (m *Machine) HandleServerGoodbye() error {
	if m.state == StateClosed {
		return nil
	}
	m.state = StateClosed
	return nil
}

// NoteCodecError records a decoder failure on a well-framed payload. The
// first occurrence closes the stream (caller resets C4) but keeps the
// connection open; a second consecutive occurrence is fatal.
func (m *Machine) NoteCodecError(reason string) error {
	m.codecErrorStreak++
	if m.codecErrorStreak >= 2 {
		m.state = StateClosed
		return &CodecError{Reason: fmt.Sprintf("second consecutive codec error: %s", reason)}
	}
	return &CodecError{Reason: reason}
}

// NoteCodecSuccess resets the consecutive-codec-error streak.
func (m *Machine) NoteCodecSuccess() { m.codecErrorStreak = 0 }

// NoteSchedulerMiss reports a non-fatal scheduler miss event; callers only
// need this for metrics plumbing, it never changes state.
func (m *Machine) NoteSchedulerMiss(total int64) error {
	return &SchedulerMiss{Count: total}
}

// NoteClockError reports the estimator being consulted while invalid, or a
// sync probe going unanswered. Never changes state on its own; the caller
// upgrades repeated occurrences past the startup window to a fatal Timeout
// via HandleTimeout.
func (m *Machine) NoteClockError(reason string) error {
	return &ClockError{Reason: reason}
}

// HandleTimeout closes the connection for an idle or sync timeout, or for a
// ClockError upgraded past the startup window.
func (m *Machine) HandleTimeout(reason string) error {
	m.state = StateClosed
	return &Timeout{Reason: reason}
}

// HandleTransportError closes the connection for a transport failure.
func (m *Machine) HandleTransportError(reason string) error {
	m.state = StateClosed
	return &TransportError{Reason: reason}
}

// Close forces a transition to Closed, e.g. on local shutdown.
func (m *Machine) Close() { m.state = StateClosed }

func (m *Machine) illegal(event string) error {
	prev := m.state
	m.state = StateClosed
	return &ProtocolError{Reason: fmt.Sprintf("unexpected %s in state %s", event, prev)}
}
