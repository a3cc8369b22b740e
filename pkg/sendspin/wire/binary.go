// ABOUTME: Binary audio/media frame layout for the Sendspin wire protocol
// ABOUTME: Implements the C1 message codec's binary channel (frame/unframe)
package wire

import "encoding/binary"

// Binary frame tags, per spec.md §4.1.
const (
	TagPlayerAudio = 0x04
	TagArtwork0    = 0x08
	TagArtwork1    = 0x09
	TagArtwork2    = 0x0A
	TagArtwork3    = 0x0B
	TagVisualizer  = 0x10
)

// binaryHeaderSize is 1 tag byte + 8 deadline bytes.
const binaryHeaderSize = 9

// FramingError is returned by DecodeBinary when a frame is too short to
// carry a tag and deadline.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "wire: framing error: " + e.Reason }

// KnownTag reports whether tag is one spec.md §4.1 defines. Unknown tags
// are not an error at this layer; callers ignore-and-log per spec.
func KnownTag(tag byte) bool {
	switch tag {
	case TagPlayerAudio, TagArtwork0, TagArtwork1, TagArtwork2, TagArtwork3, TagVisualizer:
		return true
	default:
		return false
	}
}

// EncodeBinary packs a tag, a big-endian server-loop-µs deadline, and a
// payload into a single binary frame.
func EncodeBinary(tag byte, deadlineUs int64, payload []byte) []byte {
	frame := make([]byte, binaryHeaderSize+len(payload))
	frame[0] = tag
	binary.BigEndian.PutUint64(frame[1:9], uint64(deadlineUs))
	copy(frame[9:], payload)
	return frame
}

// DecodeBinary splits a binary frame into its tag, deadline, and payload.
// A frame shorter than 9 bytes is a framing error; payload may be empty.
func DecodeBinary(frame []byte) (tag byte, deadlineUs int64, payload []byte, err error) {
	if len(frame) < binaryHeaderSize {
		return 0, 0, nil, &FramingError{Reason: "frame shorter than 9 bytes"}
	}
	tag = frame[0]
	deadlineUs = int64(binary.BigEndian.Uint64(frame[1:9]))
	payload = frame[9:]
	return tag, deadlineUs, payload, nil
}
