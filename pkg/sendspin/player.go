// ABOUTME: High-level Player client for Sendspin streaming
// ABOUTME: Coordinates the handshake, clock sync, scheduler, decoder, and output
package sendspin

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/sendspin/sendspin-go/pkg/audio"
	"github.com/sendspin/sendspin-go/pkg/audio/decode"
	"github.com/sendspin/sendspin-go/pkg/audio/output"
	"github.com/sendspin/sendspin-go/pkg/sendspin/clock"
	"github.com/sendspin/sendspin-go/pkg/sendspin/scheduler"
	"github.com/sendspin/sendspin-go/pkg/sendspin/session"
	"github.com/sendspin/sendspin-go/pkg/sendspin/wire"
	"github.com/gorilla/websocket"
)

// syncInterval is how often client/time is sent.
const syncInterval = 1 * time.Second

// statusCoalesceInterval bounds how often PlayerStatus snapshots are
// published, so a UI consumer never sees more than 10 updates/sec.
const statusCoalesceInterval = 100 * time.Millisecond

// tickInterval drives the scheduler's Tick loop.
const tickInterval = 2 * time.Millisecond

// idleTimeout closes the session if no message at all arrives for this long.
const idleTimeout = 60 * time.Second

// syncProbeTimeout is how long a client/time probe may go unanswered before
// it is reported as a clock error.
const syncProbeTimeout = 2 * time.Second

// clockStartupWindow is how long the estimator may stay invalid before a
// clock error is upgraded to a fatal timeout.
const clockStartupWindow = 10 * time.Second

// defaultSupportedFormats is advertised in client/hello when the caller
// does not provide its own list.
func defaultSupportedFormats() []wire.AudioFormat {
	return []wire.AudioFormat{
		{Codec: "opus", Channels: 2, SampleRateHz: 48000, BitDepth: 16},
		{Codec: "pcm", Channels: 2, SampleRateHz: 44100, BitDepth: 16},
		{Codec: "pcm", Channels: 2, SampleRateHz: 48000, BitDepth: 16},
		{Codec: "pcm", Channels: 2, SampleRateHz: 88200, BitDepth: 24},
		{Codec: "pcm", Channels: 2, SampleRateHz: 96000, BitDepth: 24},
		{Codec: "pcm", Channels: 2, SampleRateHz: 176400, BitDepth: 24},
		{Codec: "pcm", Channels: 2, SampleRateHz: 192000, BitDepth: 24},
	}
}

// PlayerConfig configures a Sendspin player client.
type PlayerConfig struct {
	// ServerAddr is the host:port of the server's WebSocket endpoint.
	ServerAddr string

	// ClientID uniquely identifies this client across reconnects.
	ClientID string

	// Name is a human-readable identifier; the player neither sends nor logs it.
	Name string

	// BufferMs sets the scheduler's lead window; 0 uses scheduler.DefaultLeadWindowUs.
	BufferMs int

	// SupportedFormats overrides the advertised format preference list.
	SupportedFormats []wire.AudioFormat
}

// PlayerStatus is a coalesced snapshot of playback state for UI consumers.
type PlayerStatus struct {
	Connected   bool
	Codec       string
	SampleRate  int
	Channels    int
	BitDepth    int
	Title       string
	Artist      string
	Album       string
	RTTUs       int64
	SyncValid   bool
	BufferDepth int
	Received    int64
	Dropped     int64
	Volume      float32
	Muted       bool
}

// wsFrame is a raw frame handed from the socket reader goroutine to the
// event loop goroutine.
type wsFrame struct {
	messageType int
	data        []byte
}

// rawAudio is a framed-but-undecoded audio payload handed from the event
// loop to the decode goroutine.
type rawAudio struct {
	deadlineUs int64
	payload    []byte
}

// codecResult reports a decode outcome back to the event loop, which is
// the sole owner of the protocol state machine.
type codecResult struct {
	err error
}

// schedulerMissEvent reports a batch of scheduler misses back to the event
// loop for machine bookkeeping.
type schedulerMissEvent struct {
	total int64
}

// Player is a Sendspin client: it connects to a server, synchronizes its
// clock, and plays the negotiated audio stream.
//
// Internally, exactly one goroutine owns the protocol state machine (the
// event loop), one owns the active decoder (the decode loop), and one owns
// the active scheduler (the scheduler loop). Cross-goroutine communication
// happens only over channels, so none of those types need their own
// internal locking.
type Player struct {
	config PlayerConfig

	conn   *websocket.Conn
	sendMu sync.Mutex

	machine   *session.Machine
	estimator *clock.Estimator
	outDevice *output.Oto

	wsFrames     chan wsFrame
	rawAudioCh   chan rawAudio
	chunkCh      chan scheduler.Chunk
	resetCh      chan struct{}
	decoderCh    chan decode.Decoder
	schedCh      chan *scheduler.Scheduler
	codecResults chan codecResult
	schedMisses  chan schedulerMissEvent
	clockEvents  chan error

	statusMu sync.RWMutex
	format   wire.AudioFormat
	depth    int
	received int64
	dropped  int64
	title, artist, album string

	stateMu sync.RWMutex
	volume  float32
	muted   bool

	timeSyncResp chan wire.ServerTime

	Status chan PlayerStatus

	errMu   sync.Mutex
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Err returns the fatal error that closed the session, if any. Callers use
// this after Run returns to pick an exit code.
func (p *Player) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr
}

func (p *Player) setFatal(err error) {
	if err == nil {
		return
	}
	p.errMu.Lock()
	if p.lastErr == nil {
		p.lastErr = err
	}
	p.errMu.Unlock()
}

// NewPlayer creates a player in the disconnected state.
func NewPlayer(config PlayerConfig) *Player {
	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("sendspin-%d", time.Now().UnixNano())
	}
	if len(config.SupportedFormats) == 0 {
		config.SupportedFormats = defaultSupportedFormats()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Player{
		config:       config,
		machine:      session.New(),
		estimator:    clock.New(),
		outDevice:    output.NewOto().(*output.Oto),
		volume:       1.0,
		wsFrames:     make(chan wsFrame, 16),
		rawAudioCh:   make(chan rawAudio, 64),
		chunkCh:      make(chan scheduler.Chunk, 64),
		resetCh:      make(chan struct{}, 1),
		decoderCh:    make(chan decode.Decoder, 1),
		schedCh:      make(chan *scheduler.Scheduler, 1),
		codecResults: make(chan codecResult, 16),
		schedMisses:  make(chan schedulerMissEvent, 16),
		clockEvents:  make(chan error, 4),
		timeSyncResp: make(chan wire.ServerTime, 4),
		Status:       make(chan PlayerStatus, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Connect dials the server and performs the client/hello handshake.
func (p *Player) Connect() error {
	u := url.URL{Scheme: "ws", Host: p.config.ServerAddr, Path: "/sendspin"}
	log.Printf("connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	p.conn = conn

	if err := p.machine.Open(); err != nil {
		conn.Close()
		return err
	}

	hello := wire.ClientHello{
		ClientID:       p.config.ClientID,
		SupportedRoles: []string{"player@v1"},
		PlayerV1Support: &wire.PlayerV1Support{
			SupportedFormats: p.config.SupportedFormats,
		},
	}
	if err := p.send(wire.TypeClientHello, hello); err != nil {
		conn.Close()
		return fmt.Errorf("send client/hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read server/hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := wire.DecodeControl(data)
	if err != nil || msg.Type != wire.TypeServerHello {
		conn.Close()
		if herr := p.machine.HandleHandshakeTimeout(); herr != nil {
			return herr
		}
		return fmt.Errorf("expected server/hello, got %s (err=%v)", msg.Type, err)
	}

	var serverHello wire.ServerHello
	wire.DecodePayload(msg, &serverHello)

	if err := p.machine.HandleServerHello(); err != nil {
		conn.Close()
		return err
	}

	log.Printf("connected: client_id=%s active_roles=%v", serverHello.ClientID, serverHello.ActiveRoles)
	return nil
}

// Run starts all background goroutines and blocks until Stop is called or
// the connection is lost.
func (p *Player) Run() error {
	p.wg.Add(6)
	go func() { defer p.wg.Done(); p.socketReader() }()
	go func() { defer p.wg.Done(); p.eventLoop() }()
	go func() { defer p.wg.Done(); p.decodeLoop() }()
	go func() { defer p.wg.Done(); p.schedulerLoop() }()
	go func() { defer p.wg.Done(); p.syncLoop() }()
	go func() { defer p.wg.Done(); p.statusLoop() }()

	<-p.ctx.Done()
	p.wg.Wait()
	return nil
}

// Stop closes the connection and releases resources.
func (p *Player) Stop() {
	p.cancel()
	if p.conn != nil {
		p.conn.Close()
	}
	if p.outDevice != nil {
		p.outDevice.Close()
	}
}

// socketReader only reads frames and forwards them; it holds no protocol
// state so a blocking ReadMessage never stalls the event loop.
func (p *Player) socketReader() {
	defer p.cancel()

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if p.ctx.Err() == nil {
				log.Printf("read error: %v", err)
				p.setFatal(&session.TransportError{Reason: err.Error()})
			}
			return
		}
		select {
		case p.wsFrames <- wsFrame{messageType: messageType, data: data}:
		case <-p.ctx.Done():
			return
		}
	}
}

// eventLoop is the sole owner of the protocol state machine.
func (p *Player) eventLoop() {
	idleTicker := time.NewTicker(idleTimeout / 4)
	defer idleTicker.Stop()
	lastActivity := time.Now()

	closeIfFatal := func(err error) {
		if p.machine.IsClosed() {
			p.setFatal(err)
			p.cancel()
		}
	}

	for {
		select {
		case frame := <-p.wsFrames:
			lastActivity = time.Now()
			switch frame.messageType {
			case websocket.TextMessage:
				p.handleControl(frame.data)
			case websocket.BinaryMessage:
				p.handleBinary(frame.data)
			}
			if p.machine.IsClosed() {
				p.cancel()
				return
			}

		case res := <-p.codecResults:
			if res.err != nil {
				closeIfFatal(p.machine.NoteCodecError(res.err.Error()))
				select {
				case p.resetCh <- struct{}{}:
				default:
				}
			} else {
				p.machine.NoteCodecSuccess()
			}
			if p.ctx.Err() != nil {
				return
			}

		case miss := <-p.schedMisses:
			p.machine.NoteSchedulerMiss(miss.total)

		case err := <-p.clockEvents:
			if to, ok := err.(*session.Timeout); ok {
				closeIfFatal(p.machine.HandleTimeout(to.Reason))
				if p.ctx.Err() != nil {
					return
				}
			} else {
				log.Printf("clock: %v", p.machine.NoteClockError(err.Error()))
			}

		case <-idleTicker.C:
			if time.Since(lastActivity) > idleTimeout {
				closeIfFatal(p.machine.HandleTimeout("idle for " + idleTimeout.String()))
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Player) handleControl(data []byte) {
	msg, err := wire.DecodeControl(data)
	if err != nil {
		log.Printf("bad control frame: %v", err)
		return
	}

	if !p.machine.AllowedInCurrentState(msg.Type) {
		reason := fmt.Sprintf("%s not allowed in state %s", msg.Type, p.machine.State())
		log.Printf("protocol error: %s", reason)
		p.machine.Close()
		p.setFatal(&session.ProtocolError{Reason: reason})
		return
	}

	switch msg.Type {
	case wire.TypeServerTime:
		var st wire.ServerTime
		wire.DecodePayload(msg, &st)
		select {
		case p.timeSyncResp <- st:
		default:
		}

	case wire.TypeStreamStart:
		var start wire.StreamStart
		wire.DecodePayload(msg, &start)
		p.handleStreamStart(start)

	case wire.TypeStreamClear:
		if err := p.machine.HandleStreamClear(); err == nil {
			select {
			case p.resetCh <- struct{}{}:
			case <-p.ctx.Done():
			}
		}

	case wire.TypeStreamEnd:
		if err := p.machine.HandleStreamEnd(); err == nil {
			log.Printf("stream ended, draining")
		}

	case wire.TypeGroupUpdate:
		// Group membership isn't surfaced to the caller yet.

	case wire.TypeServerState:
		var state wire.ServerState
		wire.DecodePayload(msg, &state)
		p.statusMu.Lock()
		p.title, p.artist, p.album = state.Title, state.Artist, state.Album
		p.statusMu.Unlock()

	case wire.TypeServerGoodbye:
		var goodbye wire.ServerGoodbye
		wire.DecodePayload(msg, &goodbye)
		log.Printf("server said goodbye: %s", goodbye.Reason)
		p.machine.HandleServerGoodbye()
	}
}

func (p *Player) handleStreamStart(start wire.StreamStart) {
	dec, err := newDecoderFor(start.Player)
	if err != nil {
		log.Printf("failed to create decoder: %v", err)
		p.machine.NoteCodecError(err.Error())
		return
	}

	if err := p.outDevice.Open(start.Player.SampleRateHz, start.Player.Channels, 16); err != nil {
		log.Printf("failed to open audio output: %v", err)
	}

	leadWindow := scheduler.DefaultLeadWindowUs
	if p.config.BufferMs > 0 {
		leadWindow = int64(p.config.BufferMs) * 1000
	}
	sched := scheduler.New(scheduler.DefaultCapacity, scheduler.DefaultLateWindowUs, leadWindow)

	if err := p.machine.HandleStreamStart(); err != nil {
		log.Printf("stream/start rejected: %v", err)
		return
	}

	select {
	case p.decoderCh <- dec:
	case <-p.ctx.Done():
		return
	}
	select {
	case p.schedCh <- sched:
	case <-p.ctx.Done():
		return
	}

	p.statusMu.Lock()
	p.format = start.Player
	p.received = 0
	p.dropped = 0
	p.statusMu.Unlock()

	log.Printf("stream started: %s %dHz %dch %dbit",
		start.Player.Codec, start.Player.SampleRateHz, start.Player.Channels, start.Player.BitDepth)
}

// newDecoderFor builds the decoder matching a negotiated player format.
func newDecoderFor(f wire.AudioFormat) (decode.Decoder, error) {
	internal := audio.Format{
		Codec:       f.Codec,
		SampleRate:  f.SampleRateHz,
		Channels:    f.Channels,
		BitDepth:    f.BitDepth,
		CodecHeader: f.CodecHeader,
	}
	switch f.Codec {
	case "pcm":
		return decode.NewPCM(internal)
	case "opus":
		return decode.NewOpus(internal)
	case "flac":
		return decode.NewFLAC(internal)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", f.Codec)
	}
}

// handleBinary does only framing and state checks (both require the
// machine) before forwarding the payload for decode elsewhere.
func (p *Player) handleBinary(data []byte) {
	tag, deadlineUs, payload, err := wire.DecodeBinary(data)
	if err != nil {
		p.machine.Close()
		p.setFatal(&session.ProtocolError{Reason: fmt.Sprintf("binary framing error: %v", err)})
		return
	}
	if tag != wire.TagPlayerAudio {
		// Artwork and visualizer channels are not consumed by this
		// player; unknown/unhandled tags are ignored, not errors.
		return
	}
	if !p.machine.BinaryAllowed() {
		p.machine.Close()
		p.setFatal(&session.ProtocolError{Reason: "binary audio frame received outside a streaming state"})
		return
	}

	select {
	case p.rawAudioCh <- rawAudio{deadlineUs: deadlineUs, payload: payload}:
	case <-p.ctx.Done():
	default:
		log.Printf("decode queue full, dropping audio frame")
	}
}

// decodeLoop is the sole owner of the active decoder.
func (p *Player) decodeLoop() {
	var dec decode.Decoder
	defer func() {
		if dec != nil {
			dec.Close()
		}
	}()

	for {
		select {
		case next := <-p.decoderCh:
			if dec != nil {
				dec.Close()
			}
			dec = next

		case raw := <-p.rawAudioCh:
			if dec == nil {
				continue
			}
			samples, err := dec.Decode(raw.payload)
			select {
			case p.codecResults <- codecResult{err: err}:
			case <-p.ctx.Done():
				return
			}
			if err != nil {
				continue
			}

			localUs := clock.NowLocalUs()
			if wall, err := p.estimator.ToLocalWall(raw.deadlineUs); err == nil {
				localUs = wall.UnixMicro()
			}

			payload := make([]byte, len(samples)*4)
			for i, s := range samples {
				payload[i*4] = byte(s)
				payload[i*4+1] = byte(s >> 8)
				payload[i*4+2] = byte(s >> 16)
				payload[i*4+3] = byte(s >> 24)
			}

			select {
			case p.chunkCh <- scheduler.Chunk{DeadlineUs: localUs, Payload: payload}:
				p.statusMu.Lock()
				p.received++
				p.statusMu.Unlock()
			case <-p.ctx.Done():
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}

// schedulerLoop is the sole owner of the active scheduler: Enqueue, Tick,
// and Reset are all called from this one goroutine.
func (p *Player) schedulerLoop() {
	var sched *scheduler.Scheduler
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case next := <-p.schedCh:
			sched = next

		case <-p.resetCh:
			if sched != nil {
				sched.Reset()
			}

		case chunk := <-p.chunkCh:
			if sched != nil {
				sched.Enqueue(chunk)
			}

		case <-ticker.C:
			if sched == nil {
				continue
			}
			emitted, misses := sched.Tick(clock.NowLocalUs())
			if misses > 0 {
				select {
				case p.schedMisses <- schedulerMissEvent{total: sched.Misses()}:
				case <-p.ctx.Done():
					return
				}
			}
			for _, chunk := range emitted {
				samples := make([]int32, len(chunk.Payload)/4)
				for i := range samples {
					b := chunk.Payload[i*4 : i*4+4]
					samples[i] = int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
				}
				if err := p.outDevice.Write(samples); err != nil {
					log.Printf("playback error: %v", err)
				}
			}

			p.statusMu.Lock()
			p.depth = sched.Len()
			p.dropped = sched.Misses()
			p.statusMu.Unlock()

		case <-p.ctx.Done():
			return
		}
	}
}

// syncLoop sends client/time every syncInterval and feeds responses into
// the clock estimator. Run starts it.
//
// The oldest unanswered probe is given syncProbeTimeout to be answered; if
// it is not, that is reported as a non-fatal clock error. If the estimator never
// becomes valid within clockStartupWindow, that is reported as a fatal
// timeout instead.
func (p *Player) syncLoop() {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	start := time.Now()
	var pendingT1 int64
	var pendingSentAt time.Time
	startupReported := false

	reportClockEvent := func(err error) {
		select {
		case p.clockEvents <- err:
		case <-p.ctx.Done():
		default:
		}
	}

	for {
		select {
		case <-ticker.C:
			if pendingT1 != 0 && time.Since(pendingSentAt) > syncProbeTimeout {
				reportClockEvent(&session.ClockError{Reason: "sync probe timed out"})
				pendingT1 = 0
			}

			t1 := time.Now().UnixMicro()
			if err := p.send(wire.TypeClientTime, wire.ClientTime{ClientTransmitted: t1}); err != nil {
				log.Printf("time sync send failed: %v", err)
			} else if pendingT1 == 0 {
				pendingT1 = t1
				pendingSentAt = time.Now()
			}

			if !startupReported && !p.estimator.IsValid() && time.Since(start) > clockStartupWindow {
				startupReported = true
				reportClockEvent(&session.Timeout{Reason: "clock sync not established within startup window"})
			}

		case resp := <-p.timeSyncResp:
			t4 := time.Now().UnixMicro()
			if resp.ClientTransmitted == pendingT1 {
				pendingT1 = 0
			}
			p.estimator.Accept(clock.Sample{
				ClientTransmitted: resp.ClientTransmitted,
				ServerReceived:    resp.ServerReceived,
				ServerTransmitted: resp.ServerTransmitted,
				ClientReceived:    t4,
			})

		case <-p.ctx.Done():
			return
		}
	}
}

// statusLoop publishes coalesced status snapshots for a UI consumer.
func (p *Player) statusLoop() {
	ticker := time.NewTicker(statusCoalesceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.publishStatus()
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Player) publishStatus() {
	p.statusMu.RLock()
	format := p.format
	depth := p.depth
	received := p.received
	dropped := p.dropped
	title, artist, album := p.title, p.artist, p.album
	p.statusMu.RUnlock()

	p.stateMu.RLock()
	volume, muted := p.volume, p.muted
	p.stateMu.RUnlock()

	state := p.machine.State()
	status := PlayerStatus{
		Connected:   state == session.StateReady || state == session.StateStreaming || state == session.StateDraining,
		Codec:       format.Codec,
		SampleRate:  format.SampleRateHz,
		Channels:    format.Channels,
		BitDepth:    format.BitDepth,
		Title:       title,
		Artist:      artist,
		Album:       album,
		RTTUs:       p.estimator.RTT(),
		SyncValid:   p.estimator.IsValid(),
		BufferDepth: depth,
		Received:    received,
		Dropped:     dropped,
		Volume:      volume,
		Muted:       muted,
	}

	select {
	case p.Status <- status:
	default:
		select {
		case <-p.Status:
		default:
		}
		p.Status <- status
	}
}

// SetVolume sets local playback volume (0..1) and reports it to the server.
func (p *Player) SetVolume(volume float32) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	p.stateMu.Lock()
	p.volume = volume
	p.stateMu.Unlock()
	p.outDevice.SetVolume(int(volume * 100))
	p.sendState()
}

// SetMuted sets local mute state and reports it to the server.
func (p *Player) SetMuted(muted bool) {
	p.stateMu.Lock()
	p.muted = muted
	p.stateMu.Unlock()
	p.outDevice.SetMuted(muted)
	p.sendState()
}

func (p *Player) sendState() {
	p.stateMu.RLock()
	state := wire.ClientState{Volume: p.volume, Mute: p.muted, State: wire.PlaybackPlaying}
	p.stateMu.RUnlock()
	if err := p.send(wire.TypeClientState, state); err != nil {
		log.Printf("failed to send client/state: %v", err)
	}
}

func (p *Player) send(msgType string, payload any) error {
	frame, err := wire.EncodeControl(msgType, payload)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("not connected")
	}
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}
