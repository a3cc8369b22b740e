// ABOUTME: Sendspin control message definitions and JSON codec
// ABOUTME: Implements the C1 message codec's text channel (encode/decode control)
package wire

import (
	"encoding/json"
	"fmt"
)

// Message is the top-level envelope for every control message: a required
// type tag plus a payload specific to that type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseError is returned by DecodeControl when a frame is not valid JSON,
// is missing its required type field, or fails payload validation.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "wire: parse error: " + e.Reason }

// AudioFormat is the (codec, channels, sample_rate_hz, bit_depth) tuple
// from spec.md §3, plus an optional codec header for formats (FLAC) that
// need one out of band.
type AudioFormat struct {
	Codec        string `json:"codec"`
	Channels     int    `json:"channels"`
	SampleRateHz int    `json:"sample_rate_hz"`
	BitDepth     int    `json:"bit_depth"`
	CodecHeader  []byte `json:"codec_header,omitempty"` // base64 over the wire via encoding/json
}

// ClientHello is sent by the client to open the handshake.
type ClientHello struct {
	ClientID        string           `json:"client_id,omitempty"`
	SupportedRoles  []string         `json:"supported_roles"`
	PlayerV1Support *PlayerV1Support `json:"player@v1_support,omitempty"`
}

// PlayerV1Support describes what the player@v1 role can do.
type PlayerV1Support struct {
	SupportedFormats []AudioFormat `json:"supported_formats"`
}

// ServerHello is the server's response to a valid client/hello.
type ServerHello struct {
	ActiveRoles []string `json:"active_roles"`
	ClientID    string   `json:"client_id"`
}

// ClientTime is sent periodically by the client to drive clock sync.
type ClientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
}

// ServerTime answers a client/time with the server's receive/transmit
// timestamps alongside the echoed client timestamp.
type ServerTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
	ServerReceived    int64 `json:"server_received"`
	ServerTransmitted int64 `json:"server_transmitted"`
}

// StreamStart announces (or changes) the active player format.
type StreamStart struct {
	Player      AudioFormat `json:"player"`
	CodecHeader []byte      `json:"codec_header,omitempty"`
}

// StreamClear carries no fields; its arrival is the signal.
type StreamClear struct{}

// StreamEnd carries no fields; its arrival is the signal.
type StreamEnd struct{}

// RequestFormat asks the server to switch the active player format.
type RequestFormat struct {
	Format AudioFormat `json:"format"`
}

// PlaybackState enumerates client/state.state values.
type PlaybackState string

const (
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
	PlaybackStopped PlaybackState = "stopped"
)

// ClientState reports local volume/mute/playback state.
type ClientState struct {
	Volume float32       `json:"volume"`
	Mute   bool          `json:"mute"`
	State  PlaybackState `json:"state"`
}

// GroupUpdate carries group membership and playback state from the server.
type GroupUpdate struct {
	Members    []string `json:"members"`
	GroupState string   `json:"group_state"`
}

// ServerState carries track metadata and playback position.
type ServerState struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	DurationUs  int64  `json:"duration_us,omitempty"`
	PositionUs  int64  `json:"position_us,omitempty"`
}

// ControllerCommand enumerates client/command.command values.
type ControllerCommand string

const (
	CommandPlay  ControllerCommand = "play"
	CommandPause ControllerCommand = "pause"
	CommandSeek  ControllerCommand = "seek"
	CommandNext  ControllerCommand = "next"
	CommandPrev  ControllerCommand = "prev"
)

// ClientCommand is a controller-role command sent to the server.
type ClientCommand struct {
	Command        ControllerCommand `json:"command"`
	SeekPositionUs int64             `json:"seek_position_us,omitempty"`
}

// ServerGoodbye announces a server-initiated disconnect.
type ServerGoodbye struct {
	Reason string `json:"reason"`
}

// Reasons used in server/goodbye.
const (
	GoodbyeNoFormat        = "no_format"
	GoodbyeAnotherServer   = "another_server"
	GoodbyeShutdown        = "shutdown"
	GoodbyeRestart         = "restart"
)

// ClientGoodbye announces a client-initiated disconnect.
type ClientGoodbye struct {
	Reason string `json:"reason,omitempty"`
}

// Recognized control message type strings.
const (
	TypeClientHello     = "client/hello"
	TypeServerHello     = "server/hello"
	TypeClientTime      = "client/time"
	TypeServerTime      = "server/time"
	TypeStreamStart     = "stream/start"
	TypeStreamClear     = "stream/clear"
	TypeStreamEnd       = "stream/end"
	TypeRequestFormat   = "stream/request-format"
	TypeClientState     = "client/state"
	TypeGroupUpdate     = "group/update"
	TypeServerState     = "server/state"
	TypeClientCommand   = "client/command"
	TypeServerGoodbye   = "server/goodbye"
	TypeClientGoodbye   = "client/goodbye"
)

// EncodeControl marshals a typed payload into a text control frame.
func EncodeControl(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: encode %s: %w", msgType, err)
		}
		raw = b
	}
	return json.Marshal(Message{Type: msgType, Payload: raw})
}

// DecodeControl parses a text control frame into its envelope. Callers use
// msg.Type to pick the concrete payload type and call DecodePayload.
func DecodeControl(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, &ParseError{Reason: err.Error()}
	}
	if msg.Type == "" {
		return Message{}, &ParseError{Reason: "missing required field: type"}
	}
	return msg, nil
}

// DecodePayload unmarshals a message's payload into dst (a pointer to one
// of the typed payload structs above). Unknown JSON fields are ignored.
func DecodePayload(msg Message, dst any) error {
	if len(msg.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return &ParseError{Reason: fmt.Sprintf("invalid payload for %s: %v", msg.Type, err)}
	}
	return nil
}
