// ABOUTME: Audio source abstraction for Sendspin streaming
// ABOUTME: Provides AudioSource interface and common implementations
package sendspin

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

// Default format used when a caller leaves sample rate or channel count
// unspecified (e.g. NewTestTone(0, 0)).
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
)

// AudioSource provides PCM audio samples for streaming
type AudioSource interface {
	// Read reads PCM samples into the buffer (int32 for 24-bit support).
	// Returns number of samples read or error.
	Read(samples []int32) (int, error)

	// SampleRate returns the sample rate of the audio
	SampleRate() int

	// Channels returns the number of channels
	Channels() int

	// Metadata returns title, artist, album
	Metadata() (title, artist, album string)

	// Close closes the audio source
	Close() error
}

// TestToneSource generates a 440Hz test tone for testing
type TestToneSource struct {
	sampleIndex uint64
	sampleMu    sync.Mutex
	frequency   float64
	sampleRate  int
	channels    int
}

// NewTestTone creates a new test tone generator
// Generates a 440Hz sine wave at the specified sample rate and channels
func NewTestTone(sampleRate, channels int) *TestToneSource {
	if sampleRate == 0 {
		sampleRate = DefaultSampleRate
	}
	if channels == 0 {
		channels = DefaultChannels
	}

	return &TestToneSource{
		frequency:  440.0, // A4 note
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (s *TestToneSource) Read(samples []int32) (int, error) {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()

	numSamples := len(samples) / s.channels

	for i := 0; i < numSamples; i++ {
		// Generate sine wave
		t := float64(s.sampleIndex+uint64(i)) / float64(s.sampleRate)
		sample := math.Sin(2 * math.Pi * s.frequency * t)

		// Convert to 24-bit PCM (using int32)
		// Scale to 24-bit range and apply 50% volume to avoid clipping
		const max24bit = 8388607 // 2^23 - 1
		pcmValue := int32(sample * max24bit * 0.5)

		// Duplicate to all channels
		for ch := 0; ch < s.channels; ch++ {
			samples[i*s.channels+ch] = pcmValue
		}
	}

	s.sampleIndex += uint64(numSamples)

	return len(samples), nil
}

func (s *TestToneSource) SampleRate() int { return s.sampleRate }
func (s *TestToneSource) Channels() int   { return s.channels }
func (s *TestToneSource) Metadata() (string, string, string) {
	return "Test Tone", "Sendspin", "Test Signal"
}
func (s *TestToneSource) Close() error { return nil }

// NewFileSource creates an audio source from a local file.
// Supported formats: MP3, FLAC.
func NewFileSource(path string) (AudioSource, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("audio file not found: %s", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return newMP3Source(path)
	case ".flac":
		return newFLACSource(path)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac)", ext)
	}
}

// mp3Source reads PCM samples from an MP3 file, looping on EOF.
type mp3Source struct {
	file       *os.File
	decoder    *mp3.Decoder
	sampleRate int
	title      string
}

func newMP3Source(path string) (*mp3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mp3: %w", err)
	}
	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode mp3: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	log.Printf("loaded mp3 %s (sample rate %d Hz)", title, decoder.SampleRate())

	return &mp3Source{file: f, decoder: decoder, sampleRate: decoder.SampleRate(), title: title}, nil
}

func (s *mp3Source) Read(samples []int32) (int, error) {
	buf := make([]byte, len(samples)*2)
	n, err := s.decoder.Read(buf)
	if err != nil && err != io.EOF {
		return 0, err
	}

	numSamples := n / 2
	for i := 0; i < numSamples; i++ {
		sample16 := int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
		samples[i] = int32(sample16) << 8
	}

	if err == io.EOF {
		if _, seekErr := s.file.Seek(0, 0); seekErr != nil {
			return numSamples, fmt.Errorf("seek to start: %w", seekErr)
		}
		decoder, decErr := mp3.NewDecoder(s.file)
		if decErr != nil {
			return numSamples, fmt.Errorf("restart decoder: %w", decErr)
		}
		s.decoder = decoder
	}
	return numSamples, nil
}

func (s *mp3Source) SampleRate() int { return s.sampleRate }
func (s *mp3Source) Channels() int   { return 2 }
func (s *mp3Source) Metadata() (string, string, string) {
	return s.title, "Unknown Artist", "Unknown Album"
}
func (s *mp3Source) Close() error { return s.file.Close() }

// flacSource reads PCM samples from a FLAC file, looping on EOF.
type flacSource struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	title      string
}

func newFLACSource(path string) (*flacSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flac: %w", err)
	}
	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("decode flac: %w", err)
	}

	info := stream.Info
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	log.Printf("loaded flac %s (sample rate %d Hz, channels %d, bit depth %d)",
		title, info.SampleRate, info.NChannels, info.BitsPerSample)

	return &flacSource{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
		bitDepth:   int(info.BitsPerSample),
		title:      title,
	}, nil
}

func (s *flacSource) Read(samples []int32) (int, error) {
	samplesRead := 0
	for samplesRead < len(samples) {
		frame, err := s.stream.ParseNext()
		if err != nil {
			if err == io.EOF {
				if _, seekErr := s.file.Seek(0, 0); seekErr != nil {
					return samplesRead, fmt.Errorf("seek to start: %w", seekErr)
				}
				stream, decErr := flac.New(s.file)
				if decErr != nil {
					return samplesRead, fmt.Errorf("restart stream: %w", decErr)
				}
				s.stream = stream
				continue
			}
			return samplesRead, err
		}

		for i := 0; i < int(frame.BlockSize) && samplesRead < len(samples); i++ {
			for ch := 0; ch < s.channels && samplesRead < len(samples); ch++ {
				sample := frame.Subframes[ch].Samples[i]
				switch {
				case s.bitDepth == 16:
					samples[samplesRead] = sample << 8
				case s.bitDepth == 24:
					samples[samplesRead] = sample
				default:
					if shift := s.bitDepth - 24; shift > 0 {
						samples[samplesRead] = sample >> shift
					} else {
						samples[samplesRead] = sample << -shift
					}
				}
				samplesRead++
			}
		}
	}
	return samplesRead, nil
}

func (s *flacSource) SampleRate() int { return s.sampleRate }
func (s *flacSource) Channels() int   { return s.channels }
func (s *flacSource) Metadata() (string, string, string) {
	return s.title, "Unknown Artist", "Unknown Album"
}
func (s *flacSource) Close() error { return s.file.Close() }
