// ABOUTME: FLAC audio decoder
// ABOUTME: Decodes individual FLAC frames to int32 samples
package decode

import (
	"bytes"
	"fmt"

	"github.com/mewkiz/flac/frame"
	"github.com/sendspin/sendspin-go/pkg/audio"
)

// FLACDecoder decodes FLAC frames. Unlike the container-aware flac.Stream
// reader, it parses one self-describing frame per Decode call, since the
// wire protocol carries FLAC's STREAMINFO out of band in stream/start's
// codec_header and ships bare frames as binary payloads.
type FLACDecoder struct {
	format audio.Format
}

// NewFLAC creates a new FLAC decoder.
func NewFLAC(format audio.Format) (Decoder, error) {
	if format.Codec != "flac" {
		return nil, fmt.Errorf("invalid codec for FLAC decoder: %s", format.Codec)
	}
	return &FLACDecoder{format: format}, nil
}

// Decode parses one FLAC frame and converts its subframes to interleaved
// int32 samples in 24-bit range.
func (d *FLACDecoder) Decode(data []byte) ([]int32, error) {
	f, err := frame.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("flac frame parse: %w", err)
	}

	channels := d.format.Channels
	blockSize := int(f.BlockSize)
	samples := make([]int32, 0, blockSize*channels)

	var leftShift, rightShift uint
	switch {
	case d.format.BitDepth == 16:
		leftShift = 8
	case d.format.BitDepth == 24:
		// already 24-bit range
	case d.format.BitDepth > 24:
		rightShift = uint(d.format.BitDepth - 24)
	default:
		leftShift = uint(24 - d.format.BitDepth)
	}

	for i := 0; i < blockSize; i++ {
		for ch := 0; ch < channels && ch < len(f.Subframes); ch++ {
			sample := f.Subframes[ch].Samples[i]
			switch {
			case rightShift > 0:
				samples = append(samples, sample>>rightShift)
			case leftShift > 0:
				samples = append(samples, sample<<leftShift)
			default:
				samples = append(samples, sample)
			}
		}
	}
	return samples, nil
}

// Close releases decoder resources.
func (d *FLACDecoder) Close() error { return nil }
