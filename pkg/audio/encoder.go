package audio

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Supported chunk codecs
const (
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// DefaultSampleRate is the rate chunks are encoded at
const DefaultSampleRate = 16000

// Encoder turns mono int16 PCM into the byte stream a channel uploads.
// Output of successive calls concatenates into one valid stream, so any
// byte range boundary produced by Encode or Flush is a valid chunk cut.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	Flush() ([]byte, error)
	Codec() string
	SampleRate() int
}

// NewEncoder creates an encoder for the named codec
func NewEncoder(codec string, sampleRate int) (Encoder, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	switch codec {
	case "", CodecPCM16:
		return NewPCMEncoder(sampleRate), nil
	case CodecOpus:
		return NewOpusEncoder(sampleRate, sampleRate/50) // 20ms frames
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

// PCMEncoder writes signed 16-bit little-endian samples
type PCMEncoder struct {
	sampleRate int
}

// NewPCMEncoder creates a raw PCM encoder
func NewPCMEncoder(sampleRate int) *PCMEncoder {
	return &PCMEncoder{sampleRate: sampleRate}
}

// Encode converts samples to little-endian bytes
func (e *PCMEncoder) Encode(pcm []int16) ([]byte, error) {
	return Int16ToBytes(pcm), nil
}

// Flush is a no-op; raw PCM never buffers
func (e *PCMEncoder) Flush() ([]byte, error) { return nil, nil }

func (e *PCMEncoder) Codec() string   { return CodecPCM16 }
func (e *PCMEncoder) SampleRate() int { return e.sampleRate }

// OpusEncoder encodes PCM to length-prefixed Opus packets
type OpusEncoder struct {
	encoder    *opus.Encoder
	sampleRate int
	frameSize  int // samples per frame
	buffer     []int16
}

// NewOpusEncoder creates a new mono Opus encoder
func NewOpusEncoder(sampleRate, frameSize int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	// Set bitrate for voice
	if err := enc.SetBitrate(32000); err != nil {
		return nil, fmt.Errorf("failed to set opus bitrate: %w", err)
	}

	return &OpusEncoder{
		encoder:    enc,
		sampleRate: sampleRate,
		frameSize:  frameSize,
	}, nil
}

// Encode buffers samples and emits every complete frame. Each packet is
// prefixed with its length as a big-endian uint16.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.buffer = append(e.buffer, pcm...)

	var out []byte
	for len(e.buffer) >= e.frameSize {
		packet, err := e.encodeFrame(e.buffer[:e.frameSize])
		if err != nil {
			return out, err
		}
		out = append(out, packet...)
		e.buffer = e.buffer[e.frameSize:]
	}
	return out, nil
}

// Flush pads the remaining samples with silence and encodes them
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.buffer) == 0 {
		return nil, nil
	}
	frame := make([]int16, e.frameSize)
	copy(frame, e.buffer)
	e.buffer = e.buffer[:0]
	return e.encodeFrame(frame)
}

func (e *OpusEncoder) encodeFrame(frame []int16) ([]byte, error) {
	data := make([]byte, 2+1275) // max opus packet
	n, err := e.encoder.Encode(frame, data[2:])
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	binary.BigEndian.PutUint16(data, uint16(n))
	return data[:2+n], nil
}

func (e *OpusEncoder) Codec() string   { return CodecOpus }
func (e *OpusEncoder) SampleRate() int { return e.sampleRate }

// FrameSize returns the frame size in samples
func (e *OpusEncoder) FrameSize() int {
	return e.frameSize
}

// Int16ToBytes converts samples to little-endian bytes
func Int16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 converts little-endian bytes to samples. A trailing odd
// byte is ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Float32ToInt16 converts normalized float samples, clipping to range
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// ResampleMono resamples mono PCM from one sample rate to another
// Uses linear interpolation
func ResampleMono(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, len(input)*outputRate/inputRate)

	last := len(input) - 1
	for i := range output {
		srcPos := float64(i) / ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		// Clamp indices
		if idx > last {
			idx = last
		}
		next := idx + 1
		if next > last {
			next = last
		}

		output[i] = int16(float64(input[idx])*(1-frac) + float64(input[next])*frac)
	}

	return output
}
