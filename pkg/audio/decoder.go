package audio

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// OpusDecoder decodes Opus audio to PCM
type OpusDecoder struct {
	decoder    *opus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a new Opus decoder
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}

	return &OpusDecoder{
		decoder:    dec,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

// Decode decodes one Opus packet to interleaved int16 samples
func (d *OpusDecoder) Decode(packet []byte) ([]int16, error) {
	// 120ms at 48kHz is the largest frame Opus produces
	pcm := make([]int16, 5760*d.channels)

	n, err := d.decoder.Decode(packet, pcm)
	if err != nil {
		return nil, err
	}

	return pcm[:n*d.channels], nil
}

// DecodeStream decodes a length-prefixed packet stream produced by
// OpusEncoder. The stream must start on a packet boundary.
func (d *OpusDecoder) DecodeStream(stream []byte) ([]int16, error) {
	var out []int16
	for len(stream) > 0 {
		if len(stream) < 2 {
			return out, fmt.Errorf("truncated opus packet header")
		}
		n := int(binary.BigEndian.Uint16(stream))
		if len(stream) < 2+n {
			return out, fmt.Errorf("truncated opus packet: want %d bytes, have %d", n, len(stream)-2)
		}
		pcm, err := d.Decode(stream[2 : 2+n])
		if err != nil {
			return out, err
		}
		out = append(out, pcm...)
		stream = stream[2+n:]
	}
	return out, nil
}

// ToMono averages interleaved channels down to one
func ToMono(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	out := make([]int16, len(pcm)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(pcm[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// SampleRate returns the sample rate
func (d *OpusDecoder) SampleRate() int {
	return d.sampleRate
}

// Channels returns the number of channels
func (d *OpusDecoder) Channels() int {
	return d.channels
}
