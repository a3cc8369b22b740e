// ABOUTME: Tests for the client-side protocol state machine
// ABOUTME: Covers the transition table, illegal-event handling, and error taxonomy
package session

import (
	"testing"

	"github.com/sendspin/sendspin-go/pkg/sendspin/wire"
)

func TestHappyPathToStreamingAndDraining(t *testing.T) {
	m := New()
	if m.State() != StateConnecting {
		t.Fatalf("expected Connecting, got %v", m.State())
	}
	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if m.State() != StateHelloSent {
		t.Fatalf("expected HelloSent, got %v", m.State())
	}
	if err := m.HandleServerHello(); err != nil {
		t.Fatalf("HandleServerHello: %v", err)
	}
	if m.State() != StateReady {
		t.Fatalf("expected Ready, got %v", m.State())
	}
	if err := m.HandleStreamStart(); err != nil {
		t.Fatalf("HandleStreamStart: %v", err)
	}
	if m.State() != StateStreaming {
		t.Fatalf("expected Streaming, got %v", m.State())
	}
	if err := m.HandleStreamEnd(); err != nil {
		t.Fatalf("HandleStreamEnd: %v", err)
	}
	if m.State() != StateDraining {
		t.Fatalf("expected Draining, got %v", m.State())
	}
	if err := m.HandleDrainComplete(); err != nil {
		t.Fatalf("HandleDrainComplete: %v", err)
	}
	if !m.IsClosed() {
		t.Fatal("expected Closed after drain complete")
	}
}

func TestHandshakeTimeoutIsFatal(t *testing.T) {
	m := New()
	m.Open()
	err := m.HandleHandshakeTimeout()
	if !m.IsClosed() {
		t.Fatal("expected Closed after handshake timeout")
	}
	if _, ok := err.(*HandshakeError); !ok {
		t.Fatalf("expected *HandshakeError, got %T", err)
	}
	if !Fatal(err) {
		t.Fatal("expected HandshakeError to be fatal")
	}
}

func TestUnexpectedMessageInStateClosesWithProtocolError(t *testing.T) {
	m := New()
	// stream/start before hello is sent: illegal.
	err := m.HandleStreamStart()
	if !m.IsClosed() {
		t.Fatal("expected Closed after illegal transition")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}

func TestStreamClearStaysStreaming(t *testing.T) {
	m := readyMachine(t)
	m.HandleStreamStart()
	if err := m.HandleStreamClear(); err != nil {
		t.Fatalf("HandleStreamClear: %v", err)
	}
	if m.State() != StateStreaming {
		t.Fatalf("expected to remain Streaming, got %v", m.State())
	}
}

func TestStreamStartReplayIsLegalWhileStreaming(t *testing.T) {
	m := readyMachine(t)
	m.HandleStreamStart()
	if err := m.HandleStreamStart(); err != nil {
		t.Fatalf("expected format-change stream/start to be legal, got %v", err)
	}
	if m.State() != StateStreaming {
		t.Fatalf("expected Streaming, got %v", m.State())
	}
}

func TestServerGoodbyeClosesFromAnyNonTerminalState(t *testing.T) {
	for _, setup := range []func() *Machine{
		func() *Machine { return New() },
		func() *Machine { m := New(); m.Open(); return m },
		func() *Machine { m := readyMachine(nil); return m },
	} {
		m := setup()
		m.HandleServerGoodbye()
		if !m.IsClosed() {
			t.Fatalf("expected Closed after server/goodbye from state, got %v", m.State())
		}
	}
}

func TestCodecErrorFirstOccurrenceIsNonFatal(t *testing.T) {
	m := readyMachine(t)
	m.HandleStreamStart()
	err := m.NoteCodecError("bad flac frame")
	if m.IsClosed() {
		t.Fatal("first codec error should not close the connection")
	}
	if Fatal(err) {
		t.Fatal("expected first CodecError to be reported non-fatal by Fatal()")
	}
}

func TestCodecErrorSecondConsecutiveIsFatal(t *testing.T) {
	m := readyMachine(t)
	m.HandleStreamStart()
	m.NoteCodecError("bad frame 1")
	err := m.NoteCodecError("bad frame 2")
	if !m.IsClosed() {
		t.Fatal("expected second consecutive codec error to close the connection")
	}
	if _, ok := err.(*CodecError); !ok {
		t.Fatalf("expected *CodecError, got %T", err)
	}
}

func TestCodecSuccessResetsStreak(t *testing.T) {
	m := readyMachine(t)
	m.HandleStreamStart()
	m.NoteCodecError("bad frame 1")
	m.NoteCodecSuccess()
	err := m.NoteCodecError("bad frame 2")
	if m.IsClosed() {
		t.Fatal("streak should have reset after NoteCodecSuccess")
	}
	if _, ok := err.(*CodecError); !ok {
		t.Fatalf("expected *CodecError, got %T", err)
	}
}

func TestAllowedInCurrentStateByPhase(t *testing.T) {
	m := New()
	if m.AllowedInCurrentState(wire.TypeServerHello) {
		t.Fatal("server/hello should not be allowed before Open")
	}
	m.Open()
	if !m.AllowedInCurrentState(wire.TypeServerHello) {
		t.Fatal("server/hello should be allowed in HelloSent")
	}
	if m.AllowedInCurrentState(wire.TypeStreamStart) {
		t.Fatal("stream/start should not be allowed in HelloSent")
	}
	m.HandleServerHello()
	if !m.AllowedInCurrentState(wire.TypeStreamStart) {
		t.Fatal("stream/start should be allowed in Ready")
	}
	if m.BinaryAllowed() {
		t.Fatal("binary frames should not be allowed before Streaming")
	}
	m.HandleStreamStart()
	if !m.BinaryAllowed() {
		t.Fatal("binary frames should be allowed while Streaming")
	}
}

func TestTransportAndTimeoutErrorsAreFatal(t *testing.T) {
	m := readyMachine(t)
	err := m.HandleTransportError("connection reset")
	if !m.IsClosed() || !Fatal(err) {
		t.Fatal("expected TransportError to close and be fatal")
	}

	m2 := readyMachine(t)
	err2 := m2.HandleTimeout("idle timeout exceeded")
	if !m2.IsClosed() || !Fatal(err2) {
		t.Fatal("expected Timeout to close and be fatal")
	}
}

func readyMachine(t *testing.T) *Machine {
	m := New()
	if err := m.Open(); err != nil && t != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.HandleServerHello(); err != nil && t != nil {
		t.Fatalf("HandleServerHello: %v", err)
	}
	return m
}
