package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	// DefaultSampleRate is the capture rate requested from PortAudio
	DefaultSampleRate = 16000

	// DefaultFramesPerBuffer is the PortAudio buffer size
	DefaultFramesPerBuffer = 512
)

// Microphone is a PortAudio input device exposed under a logical name
type Microphone struct {
	label           string
	device          *portaudio.DeviceInfo // nil opens the default input
	sampleRate      int
	framesPerBuffer int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

// NewMicrophone creates a microphone; device may be nil for the default
// input
func NewMicrophone(label string, device *portaudio.DeviceInfo, sampleRate, framesPerBuffer int) *Microphone {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Microphone{
		label:           label,
		device:          device,
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
	}
}

func (m *Microphone) Name() string    { return m.label }
func (m *Microphone) SampleRate() int { return m.sampleRate }

// DeviceName returns the physical device name
func (m *Microphone) DeviceName() string {
	if m.device == nil {
		return "default"
	}
	return m.device.Name
}

// Open opens and starts the input stream
func (m *Microphone) Open(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return fmt.Errorf("microphone %s already open", m.label)
	}

	buf := make([]int16, m.framesPerBuffer)

	var stream *portaudio.Stream
	var err error
	if m.device == nil {
		stream, err = portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), m.framesPerBuffer, buf)
	} else {
		stream, err = portaudio.OpenStream(portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   m.device,
				Channels: 1,
				Latency:  m.device.DefaultLowInputLatency,
			},
			SampleRate:      float64(m.sampleRate),
			FramesPerBuffer: m.framesPerBuffer,
		}, buf)
	}
	if err != nil {
		return fmt.Errorf("failed to open audio stream on %s: %w", m.DeviceName(), err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream on %s: %w", m.DeviceName(), err)
	}

	m.stream = stream
	m.buf = buf
	return nil
}

// Read blocks for one buffer of samples. Input overflows are ignored.
func (m *Microphone) Read(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	stream, buf := m.stream, m.buf
	m.mu.Unlock()
	if stream == nil {
		return nil, fmt.Errorf("microphone %s not open", m.label)
	}

	if err := stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, err
	}

	out := make([]int16, len(buf))
	copy(out, buf)
	return out, nil
}

// Close stops and closes the stream
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream == nil {
		return nil
	}
	stream := m.stream
	m.stream = nil
	m.buf = nil

	if err := stream.Stop(); err != nil {
		stream.Close()
		return err
	}
	return stream.Close()
}
