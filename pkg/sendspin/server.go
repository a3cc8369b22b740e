// ABOUTME: High-level Server API for Sendspin streaming
// ABOUTME: Wraps server components into a simple, user-friendly interface
package sendspin

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sendspin/sendspin-go/internal/discovery"
	"github.com/sendspin/sendspin-go/pkg/audio"
	"github.com/sendspin/sendspin-go/pkg/audio/encode"
	"github.com/sendspin/sendspin-go/pkg/audio/resample"
	"github.com/sendspin/sendspin-go/pkg/sendspin/session"
	"github.com/sendspin/sendspin-go/pkg/sendspin/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Chunk timing
	ChunkDurationMs = 20  // 20ms chunks
	BufferAheadMs   = 500 // Send audio 500ms ahead

	// idleTimeout closes a client connection that sends nothing (not even a
	// pong) for this long.
	idleTimeout = 60 * time.Second
)

// ServerConfig configures a Sendspin server
type ServerConfig struct {
	// Port to listen on (default: 8927)
	Port int

	// Name of the server for identification
	Name string

	// Audio source to stream (required)
	Source AudioSource

	// EnableMDNS enables mDNS service advertisement (off unless set)
	EnableMDNS bool

	// Debug enables debug logging
	Debug bool
}

// knownRoles is the set of role families this server can activate. Each
// maps to itself as a stand-in for "we support some version of this role";
// NegotiateRoles still enforces version ordering per client.
var knownRoles = map[string]bool{
	"player@v1":     true,
	"metadata@v1":   true,
	"visualizer@v1": true,
	"artwork@v1":    true,
	"controller@v1": true,
}

// Server represents a Sendspin streaming server
type Server struct {
	config   ServerConfig
	serverID string

	upgrader websocket.Upgrader

	httpServer *http.Server
	mux        *http.ServeMux

	clients   map[string]*client
	clientsMu sync.RWMutex

	clockStart time.Time

	audioSource AudioSource

	mdnsManager *discovery.Manager

	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// client represents a connected client (internal)
type client struct {
	ID           string
	Conn         *websocket.Conn
	Roles        []string
	Capabilities *wire.PlayerV1Support

	state session.State

	Volume float32
	Muted  bool

	Format     wire.AudioFormat
	encoder    encode.Encoder
	resampler  *resample.Resampler

	codecErrorStreak int

	sendChan chan interface{}

	mu sync.RWMutex
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID     string
	State  string
	Volume float32
	Muted  bool
	Codec  string
}

// NewServer creates a new Sendspin server
func NewServer(config ServerConfig) (*Server, error) {
	if config.Port == 0 {
		config.Port = 8927
	}
	if config.Name == "" {
		config.Name = "Sendspin Server"
	}
	if config.Source == nil {
		return nil, fmt.Errorf("audio source is required")
	}

	mux := http.NewServeMux()

	s := &Server{
		config:      config,
		serverID:    uuid.New().String(),
		mux:         mux,
		audioSource: config.Source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Local network deployments accept all origins.
				return true
			},
		},
		clients:    make(map[string]*client),
		clockStart: time.Now(),
		stopChan:   make(chan struct{}),
	}

	return s, nil
}

// Start starts the server and begins streaming
func (s *Server) Start() error {
	log.Printf("server starting: %s (id %s)", s.config.Name, s.serverID)
	log.Printf("audio source: %dHz %dch", s.audioSource.SampleRate(), s.audioSource.Channels())

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			ServerMode:  true,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("mDNS advertisement failed: %v", err)
		}
	}

	s.mux.HandleFunc("/sendspin", s.handleWebSocket)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.streamAudio()
	}()

	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Printf("listening on %s", addr)

	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-s.stopChan:
		log.Printf("server shutting down")
	case err := <-errChan:
		log.Printf("http server error: %v", err)
		return err
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	if err := s.audioSource.Close(); err != nil {
		log.Printf("error closing audio source: %v", err)
	}

	s.wg.Wait()
	log.Printf("server stopped cleanly")
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Clients returns information about all connected clients
func (s *Server) Clients() []ClientInfo {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		c.mu.RLock()
		out = append(out, ClientInfo{
			ID:     c.ID,
			State:  c.state.String(),
			Volume: c.Volume,
			Muted:  c.Muted,
			Codec:  c.Format.Codec,
		})
		c.mu.RUnlock()
	}
	return out
}

// streamAudio generates and sends audio chunks to clients
func (s *Server) streamAudio() {
	ticker := time.NewTicker(time.Duration(ChunkDurationMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.generateAndSendChunk()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) generateAndSendChunk() {
	deadlineUs := s.getClockMicros() + int64(BufferAheadMs*1000)

	chunkSamples := (s.audioSource.SampleRate() * ChunkDurationMs) / 1000
	totalSamples := chunkSamples * s.audioSource.Channels()

	samples := make([]int32, totalSamples)
	n, err := s.audioSource.Read(samples)
	if err != nil {
		log.Printf("error reading audio source: %v", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, c := range s.clients {
		c.mu.RLock()
		streaming := c.state == session.StateStreaming
		enc := c.encoder
		resampler := c.resampler
		c.mu.RUnlock()
		if !streaming || enc == nil {
			continue
		}

		source := samples[:n]
		if resampler != nil {
			resampled := make([]int32, resampler.OutputSamplesNeeded(n))
			written := resampler.Resample(source, resampled)
			source = resampled[:written]
		}

		audioData, err := enc.Encode(source)
		if err != nil {
			s.noteCodecError(c, err)
			continue
		}

		frame := wire.EncodeBinary(wire.TagPlayerAudio, deadlineUs, audioData)
		s.sendBinary(c, frame)
	}
}

// isStandardSampleRate reports whether hz is one of the sample rates a
// format descriptor may carry.
func isStandardSampleRate(hz int) bool {
	switch hz {
	case 44100, 48000, 88200, 96000, 176400, 192000:
		return true
	default:
		return false
	}
}

func (s *Server) noteCodecError(c *client, cause error) {
	c.mu.Lock()
	c.codecErrorStreak++
	fatal := c.codecErrorStreak >= 2
	c.mu.Unlock()

	log.Printf("codec error for %s: %v (fatal=%v)", c.ID, cause, fatal)
	if fatal {
		s.sendMessage(c, wire.TypeServerGoodbye, wire.ServerGoodbye{Reason: wire.GoodbyeShutdown})
		c.Conn.Close()
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	s.handleConnection(conn)
}

// handleConnection manages a client connection
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.shutdownMu.RLock()
	shuttingDown := s.isShutdown
	s.shutdownMu.RUnlock()
	if shuttingDown {
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("error reading hello: %v", err)
		return
	}

	msg, err := wire.DecodeControl(data)
	if err != nil || msg.Type != wire.TypeClientHello {
		log.Printf("expected client/hello, got error=%v type=%s", err, msg.Type)
		return
	}

	var hello wire.ClientHello
	if err := wire.DecodePayload(msg, &hello); err != nil {
		log.Printf("error decoding client hello: %v", err)
		return
	}
	if hello.ClientID == "" {
		log.Printf("client/hello missing client_id")
		return
	}

	c := &client{
		ID:           hello.ClientID,
		Conn:         conn,
		Capabilities: hello.PlayerV1Support,
		state:        session.StateReady,
		Volume:       1.0,
		sendChan:     make(chan interface{}, 100),
	}

	s.clientsMu.Lock()
	if _, exists := s.clients[hello.ClientID]; exists {
		s.clientsMu.Unlock()
		log.Printf("rejecting duplicate client id %s", hello.ClientID)
		return
	}
	s.clients[c.ID] = c
	s.clientsMu.Unlock()

	defer func() {
		s.removeClient(c)
	}()

	if deduped := wire.DedupeRoles(hello.SupportedRoles); len(deduped) != len(hello.SupportedRoles) {
		log.Printf("client %s sent duplicate role families: %v", c.ID, hello.SupportedRoles)
	}

	activeRoles := session.NegotiateRoles(hello.SupportedRoles, knownRoles)
	c.Roles = activeRoles

	if err := s.sendMessage(c, wire.TypeServerHello, wire.ServerHello{ActiveRoles: activeRoles, ClientID: c.ID}); err != nil {
		log.Printf("error sending server/hello: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(c)
	}()

	if hasRole(activeRoles, "player") {
		s.addClientToStream(c)
	}

	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error: %v", err)
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Printf("client %s idle for %s, closing", c.ID, idleTimeout)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		s.handleClientMessage(c, data)
	}
}

// clientWriter sends messages to the client
func (s *Server) clientWriter(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	const writeDeadline = 10 * time.Second

	for {
		select {
		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}
			switch v := msg.(type) {
			case encodedText:
				c.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := c.Conn.WriteMessage(websocket.TextMessage, v); err != nil {
					return
				}
			case []byte:
				c.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := c.Conn.WriteMessage(websocket.BinaryMessage, v); err != nil {
					return
				}
			default:
				log.Printf("clientWriter: unexpected message type %T", v)
			}
		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// sendMessage JSON-encodes a control message and queues it for delivery.
func (s *Server) sendMessage(c *client, msgType string, payload any) error {
	frame, err := wire.EncodeControl(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.sendChan <- encodedText(frame):
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}

// encodedText marks a frame for text-mode delivery in clientWriter's switch.
type encodedText []byte

func (s *Server) handleClientMessage(c *client, data []byte) {
	msg, err := wire.DecodeControl(data)
	if err != nil {
		log.Printf("bad control frame from %s: %v", c.ID, err)
		return
	}

	switch msg.Type {
	case wire.TypeClientTime:
		s.handleTimeSync(c, msg)
	case wire.TypeClientState:
		s.handleClientState(c, msg)
	case wire.TypeClientGoodbye:
		s.handleClientGoodbye(c, msg)
	default:
		if s.config.Debug {
			log.Printf("unhandled message type from %s: %s", c.ID, msg.Type)
		}
	}
}

func (s *Server) handleTimeSync(c *client, msg wire.Message) {
	var clientTime wire.ClientTime
	if err := wire.DecodePayload(msg, &clientTime); err != nil {
		return
	}

	serverReceived := s.getClockMicros()
	serverTransmitted := s.getClockMicros()

	s.sendMessage(c, wire.TypeServerTime, wire.ServerTime{
		ClientTransmitted: clientTime.ClientTransmitted,
		ServerReceived:    serverReceived,
		ServerTransmitted: serverTransmitted,
	})
}

func (s *Server) handleClientState(c *client, msg wire.Message) {
	var state wire.ClientState
	if err := wire.DecodePayload(msg, &state); err != nil {
		return
	}
	c.mu.Lock()
	c.Volume = state.Volume
	c.Muted = state.Mute
	c.mu.Unlock()
}

func (s *Server) handleClientGoodbye(c *client, msg wire.Message) {
	var goodbye wire.ClientGoodbye
	wire.DecodePayload(msg, &goodbye)
	if s.config.Debug {
		log.Printf("client %s said goodbye: %s", c.ID, goodbye.Reason)
	}
}

// addClientToStream negotiates a format and starts the client's stream.
func (s *Server) addClientToStream(c *client) {
	canProduce := func(f wire.AudioFormat) bool {
		switch f.Codec {
		case "pcm":
			// Any standard sample rate is acceptable; generateAndSendChunk
			// resamples from the source rate when they differ.
			return isStandardSampleRate(f.SampleRateHz) &&
				f.Channels == s.audioSource.Channels() &&
				(f.BitDepth == 16 || f.BitDepth == 24 || f.BitDepth == 32)
		case "opus":
			return f.SampleRateHz == 48000 && f.BitDepth == 16 &&
				(f.Channels == 1 || f.Channels == 2)
		default:
			// FLAC encoding is not offered: mewkiz/flac is decode-only.
			return false
		}
	}

	var candidates []wire.AudioFormat
	if c.Capabilities != nil {
		candidates = c.Capabilities.SupportedFormats
	}

	format, ok := session.NegotiateFormat(candidates, canProduce)
	if !ok {
		s.sendMessage(c, wire.TypeServerGoodbye, wire.ServerGoodbye{Reason: wire.GoodbyeNoFormat})
		return
	}

	var enc encode.Encoder
	var err error
	switch format.Codec {
	case "opus":
		enc, err = encode.NewOpus(audioFormatToInternal(format))
	default:
		enc, err = encode.NewPCM(audioFormatToInternal(format))
	}
	if err != nil {
		log.Printf("failed to create encoder for %s: %v", c.ID, err)
		s.sendMessage(c, wire.TypeServerGoodbye, wire.ServerGoodbye{Reason: wire.GoodbyeNoFormat})
		return
	}

	var resampler *resample.Resampler
	if format.Codec == "pcm" && format.SampleRateHz != s.audioSource.SampleRate() {
		resampler = resample.New(s.audioSource.SampleRate(), format.SampleRateHz, s.audioSource.Channels())
	}

	c.mu.Lock()
	c.Format = format
	c.encoder = enc
	c.resampler = resampler
	c.state = session.StateStreaming
	c.mu.Unlock()

	s.sendMessage(c, wire.TypeStreamStart, wire.StreamStart{Player: format})

	title, artist, album := s.audioSource.Metadata()
	s.sendMessage(c, wire.TypeServerState, wire.ServerState{Title: title, Artist: artist, Album: album})
	s.sendMessage(c, wire.TypeGroupUpdate, wire.GroupUpdate{Members: []string{c.ID}, GroupState: "playing"})
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	c.mu.Lock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	c.mu.Unlock()

	delete(s.clients, c.ID)
	close(c.sendChan)
}

func (s *Server) sendBinary(c *client, data []byte) error {
	select {
	case c.sendChan <- data:
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}

// getClockMicros returns the server-loop clock in microseconds.
func (s *Server) getClockMicros() int64 {
	return time.Since(s.clockStart).Microseconds()
}

func hasRole(roles []string, family string) bool {
	for _, r := range roles {
		if r == family || strings.HasPrefix(r, family+"@") {
			return true
		}
	}
	return false
}

// audioFormatToInternal converts a negotiated wire format into the
// audio.Format the encode package expects.
func audioFormatToInternal(f wire.AudioFormat) audio.Format {
	return audio.Format{
		Codec:       f.Codec,
		SampleRate:  f.SampleRateHz,
		Channels:    f.Channels,
		BitDepth:    f.BitDepth,
		CodecHeader: f.CodecHeader,
	}
}
