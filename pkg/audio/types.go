// ABOUTME: Audio type definitions
// ABOUTME: Defines audio formats and decoded buffers
package audio

import (
	"fmt"
	"time"
)

const (
	// 24-bit audio range constants
	Max24Bit = 8388607  // 2^23 - 1
	Min24Bit = -8388608 // -2^23
)

// Format describes audio stream format
type Format struct {
	Codec       string
	SampleRate  int
	Channels    int
	BitDepth    int
	CodecHeader []byte // For FLAC, Opus, etc.
}

var validSampleRates = map[int]bool{
	44100: true, 48000: true, 88200: true, 96000: true, 176400: true, 192000: true,
}

// Validate checks a format descriptor against the codec rules: pcm allows
// any listed sample rate and bit depth, opus is fixed at 48kHz/16-bit
// stereo-or-mono, flac requires a codec header and 16 or 24 bit depth.
func (f Format) Validate() error {
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("audio: unsupported channel count %d", f.Channels)
	}
	if !validSampleRates[f.SampleRate] {
		return fmt.Errorf("audio: unsupported sample rate %d", f.SampleRate)
	}

	switch f.Codec {
	case "pcm":
		if f.BitDepth != 16 && f.BitDepth != 24 && f.BitDepth != 32 {
			return fmt.Errorf("audio: unsupported pcm bit depth %d", f.BitDepth)
		}
	case "opus":
		if f.SampleRate != 48000 {
			return fmt.Errorf("audio: opus requires 48000Hz, got %d", f.SampleRate)
		}
		if f.BitDepth != 16 {
			return fmt.Errorf("audio: opus requires 16-bit depth, got %d", f.BitDepth)
		}
	case "flac":
		if len(f.CodecHeader) == 0 {
			return fmt.Errorf("audio: flac requires a codec header")
		}
		if f.BitDepth != 16 && f.BitDepth != 24 {
			return fmt.Errorf("audio: unsupported flac bit depth %d", f.BitDepth)
		}
	default:
		return fmt.Errorf("audio: unknown codec %q", f.Codec)
	}
	return nil
}

// Buffer represents decoded PCM audio
type Buffer struct {
	Timestamp int64     // Server timestamp (microseconds)
	PlayAt    time.Time // Local play time
	Samples   []int32   // PCM samples (int32 to support both 16-bit and 24-bit)
	Format    Format
}

// SampleToInt16 converts int32 sample to int16 (for 16-bit playback)
func SampleToInt16(sample int32) int16 {
	// Right-shift to convert 24-bit (or 16-bit) to 16-bit range
	return int16(sample >> 8)
}

// SampleFromInt16 converts int16 sample to int32 (left-justified in 24-bit)
func SampleFromInt16(sample int16) int32 {
	// Left-shift to position 16-bit value in upper bits
	return int32(sample) << 8
}

// SampleTo24Bit converts int32 to 24-bit packed bytes (little-endian)
func SampleTo24Bit(sample int32) [3]byte {
	// Take lower 24 bits, pack little-endian
	return [3]byte{
		byte(sample),
		byte(sample >> 8),
		byte(sample >> 16),
	}
}

// SampleFrom24Bit converts 24-bit packed bytes to int32 (little-endian)
func SampleFrom24Bit(b [3]byte) int32 {
	// Reconstruct 24-bit value and sign-extend to 32-bit
	val := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	// Sign extend from 24-bit to 32-bit
	if val&0x800000 != 0 {
		val |= ^0xFFFFFF // Set upper 8 bits to 1 for negative values
	}
	return val
}

// SampleTo32Bit converts an internal sample to full-range 32-bit packed
// bytes (little-endian)
func SampleTo32Bit(sample int32) [4]byte {
	v := sample << 8
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// SampleFrom32Bit converts full-range 32-bit packed bytes (little-endian)
// to the internal sample representation
func SampleFrom32Bit(b [4]byte) int32 {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	return v >> 8
}
