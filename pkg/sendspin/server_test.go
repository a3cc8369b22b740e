// ABOUTME: Integration tests for Server API
// ABOUTME: Tests server creation, startup, client connections, and streaming
package sendspin

import (
	"fmt"
	"testing"
	"time"

	"github.com/sendspin/sendspin-go/pkg/sendspin/wire"
	"github.com/gorilla/websocket"
)

func TestNewServer(t *testing.T) {
	source := NewTestTone(48000, 2)

	tests := []struct {
		name      string
		config    ServerConfig
		expectErr bool
	}{
		{
			name: "valid config",
			config: ServerConfig{
				Port:   8928,
				Name:   "Test Server",
				Source: source,
			},
			expectErr: false,
		},
		{
			name: "missing source",
			config: ServerConfig{
				Port: 8928,
				Name: "Test Server",
			},
			expectErr: true,
		},
		{
			name: "default port",
			config: ServerConfig{
				Name:   "Test Server",
				Source: source,
			},
			expectErr: false,
		},
		{
			name: "default name",
			config: ServerConfig{
				Port:   8928,
				Source: source,
			},
			expectErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := NewServer(tt.config)

			if tt.expectErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if server == nil {
				t.Fatal("expected server to be created")
			}

			if server.config.Port == 0 {
				t.Error("port should have been set to default")
			}
			if server.config.Name == "" {
				t.Error("name should have been set to default")
			}
		})
	}
}

func TestServerStartStop(t *testing.T) {
	source := NewTestTone(48000, 2)

	server, err := NewServer(ServerConfig{
		Port:   8929,
		Name:   "Test Server",
		Source: source,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	server.Stop()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("server did not stop within timeout")
	}
}

func helloFrame(clientID string) []byte {
	frame, _ := wire.EncodeControl(wire.TypeClientHello, wire.ClientHello{
		ClientID:       clientID,
		SupportedRoles: []string{"player@v1"},
		PlayerV1Support: &wire.PlayerV1Support{
			SupportedFormats: []wire.AudioFormat{
				{Codec: "pcm", Channels: 2, SampleRateHz: 48000, BitDepth: 24},
			},
		},
	})
	return frame
}

func helloFrameWithFormat(clientID string, format wire.AudioFormat) []byte {
	frame, _ := wire.EncodeControl(wire.TypeClientHello, wire.ClientHello{
		ClientID:       clientID,
		SupportedRoles: []string{"player@v1"},
		PlayerV1Support: &wire.PlayerV1Support{
			SupportedFormats: []wire.AudioFormat{format},
		},
	})
	return frame
}

func readControl(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read control message: %v", err)
	}
	msg, err := wire.DecodeControl(data)
	if err != nil {
		t.Fatalf("failed to decode control message: %v", err)
	}
	return msg
}

func TestServerClientConnection(t *testing.T) {
	source := NewTestTone(48000, 2)

	server, err := NewServer(ServerConfig{
		Port:   8930,
		Name:   "Test Server",
		Source: source,
		Debug:  true,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	time.Sleep(200 * time.Millisecond)

	wsURL := "ws://localhost:8930/sendspin"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect to server: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, helloFrame("test-client-1")); err != nil {
		t.Fatalf("failed to send hello: %v", err)
	}

	msg := readControl(t, conn)
	if msg.Type != wire.TypeServerHello {
		t.Errorf("expected server/hello, got %s", msg.Type)
	}

	var serverHello wire.ServerHello
	if err := wire.DecodePayload(msg, &serverHello); err != nil {
		t.Fatalf("failed to unmarshal server hello: %v", err)
	}

	if len(serverHello.ActiveRoles) == 0 {
		t.Error("expected active_roles to be set")
	}

	msg = readControl(t, conn)
	if msg.Type != wire.TypeStreamStart {
		t.Errorf("expected stream/start, got %s", msg.Type)
	}

	msg = readControl(t, conn)
	if msg.Type != wire.TypeServerState {
		t.Errorf("expected server/state, got %s", msg.Type)
	}

	msg = readControl(t, conn)
	if msg.Type != wire.TypeGroupUpdate {
		t.Errorf("expected group/update, got %s", msg.Type)
	}

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read audio chunk: %v", err)
	}

	if msgType != websocket.BinaryMessage {
		t.Errorf("expected binary message, got type %d", msgType)
	}

	if len(data) < 9 {
		t.Errorf("audio chunk too small: %d bytes", len(data))
	}

	if data[0] != wire.TagPlayerAudio {
		t.Errorf("expected tag %d, got %d", wire.TagPlayerAudio, data[0])
	}

	clients := server.Clients()
	if len(clients) != 1 {
		t.Errorf("expected 1 client, got %d", len(clients))
	}

	if clients[0].ID != "test-client-1" {
		t.Errorf("expected client ID 'test-client-1', got %s", clients[0].ID)
	}

	conn.Close()

	time.Sleep(100 * time.Millisecond)

	clients = server.Clients()
	if len(clients) != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", len(clients))
	}

	server.Stop()

	select {
	case <-errChan:
	case <-time.After(5 * time.Second):
		t.Error("server did not stop within timeout")
	}
}

func TestIsStandardSampleRate(t *testing.T) {
	tests := []struct {
		hz   int
		want bool
	}{
		{44100, true},
		{48000, true},
		{88200, true},
		{96000, true},
		{176400, true},
		{192000, true},
		{22050, false},
		{0, false},
	}

	for _, tt := range tests {
		if got := isStandardSampleRate(tt.hz); got != tt.want {
			t.Errorf("isStandardSampleRate(%d) = %v, want %v", tt.hz, got, tt.want)
		}
	}
}

func TestServerResamplesForMismatchedClientRate(t *testing.T) {
	source := NewTestTone(48000, 2)

	server, err := NewServer(ServerConfig{
		Port:   8933,
		Name:   "Test Server",
		Source: source,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()
	time.Sleep(200 * time.Millisecond)

	wsURL := "ws://localhost:8933/sendspin"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect to server: %v", err)
	}
	defer conn.Close()

	requested := wire.AudioFormat{Codec: "pcm", Channels: 2, SampleRateHz: 44100, BitDepth: 24}
	if err := conn.WriteMessage(websocket.TextMessage, helloFrameWithFormat("resample-client", requested)); err != nil {
		t.Fatalf("failed to send hello: %v", err)
	}

	readControl(t, conn) // server/hello

	msg := readControl(t, conn)
	if msg.Type != wire.TypeStreamStart {
		t.Fatalf("expected stream/start, got %s", msg.Type)
	}

	var start wire.StreamStart
	if err := wire.DecodePayload(msg, &start); err != nil {
		t.Fatalf("failed to unmarshal stream start: %v", err)
	}
	if start.Player.SampleRateHz != 44100 {
		t.Errorf("expected negotiated sample rate 44100, got %d", start.Player.SampleRateHz)
	}

	readControl(t, conn) // server/state
	readControl(t, conn) // group/update

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read audio chunk: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("expected binary message, got type %d", msgType)
	}
	if len(data) < 9 || data[0] != wire.TagPlayerAudio {
		t.Errorf("unexpected audio chunk framing: %v", data[:min(9, len(data))])
	}

	clients := server.Clients()
	if len(clients) != 1 {
		t.Fatalf("expected 1 client, got %d", len(clients))
	}
	if clients[0].Codec != "pcm" {
		t.Errorf("expected client codec 'pcm', got %s", clients[0].Codec)
	}

	server.Stop()
	select {
	case <-errChan:
	case <-time.After(5 * time.Second):
		t.Error("server did not stop within timeout")
	}
}

func TestServerMultipleClients(t *testing.T) {
	source := NewTestTone(48000, 2)

	server, err := NewServer(ServerConfig{
		Port:   8931,
		Name:   "Test Server",
		Source: source,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	go server.Start()
	time.Sleep(200 * time.Millisecond)

	conns := make([]*websocket.Conn, 3)
	for i := 0; i < 3; i++ {
		wsURL := "ws://localhost:8931/sendspin"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("failed to connect client %d: %v", i, err)
		}
		conns[i] = conn

		clientID := fmt.Sprintf("test-client-%d", i)
		if err := conn.WriteMessage(websocket.TextMessage, helloFrame(clientID)); err != nil {
			t.Fatalf("failed to send hello from client %d: %v", i, err)
		}

		readControl(t, conn)
	}

	time.Sleep(100 * time.Millisecond)

	serverClients := server.Clients()
	if len(serverClients) != 3 {
		t.Errorf("expected 3 clients, got %d", len(serverClients))
	}

	for i, conn := range conns {
		if err := conn.Close(); err != nil {
			t.Errorf("failed to close client %d: %v", i, err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	serverClients = server.Clients()
	if len(serverClients) != 0 {
		t.Errorf("expected 0 clients after disconnect, got %d", len(serverClients))
	}

	server.Stop()
	time.Sleep(100 * time.Millisecond)
}

func TestServerDuplicateClientID(t *testing.T) {
	source := NewTestTone(48000, 2)

	server, err := NewServer(ServerConfig{
		Port:   8932,
		Name:   "Test Server",
		Source: source,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	go server.Start()
	time.Sleep(200 * time.Millisecond)

	wsURL := "ws://localhost:8932/sendspin"
	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect first client: %v", err)
	}
	defer conn1.Close()

	if err := conn1.WriteMessage(websocket.TextMessage, helloFrame("duplicate-id")); err != nil {
		t.Fatalf("failed to send hello: %v", err)
	}
	readControl(t, conn1)

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect second client: %v", err)
	}
	defer conn2.Close()

	if err := conn2.WriteMessage(websocket.TextMessage, helloFrame("duplicate-id")); err != nil {
		t.Fatalf("failed to send hello from second client: %v", err)
	}

	// The server never replies to a rejected duplicate; it closes the
	// connection instead, so a read should fail or hit the deadline.
	conn2.SetReadDeadline(time.Now().Add(1 * time.Second))
	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Error("expected connection close or read error for duplicate client id")
	}

	serverClients := server.Clients()
	if len(serverClients) != 1 {
		t.Errorf("expected 1 client, got %d", len(serverClients))
	}

	server.Stop()
	time.Sleep(100 * time.Millisecond)
}
