package device

import (
	"context"
	"errors"
	"fmt"

	log "github.com/echocat/slf4g"
	"github.com/gordonklaus/portaudio"

	"example.com/resume_bridge/pkg/recorder"
)

// ErrNoDevices is returned when the host has no input device
var ErrNoDevices = errors.New("no input devices found")

// Info describes one input device
type Info struct {
	Name       string
	HostAPI    string
	Channels   int
	SampleRate float64
	Default    bool
}

// SelectorConfig configures a PortAudioSelector
type SelectorConfig struct {
	SampleRate      int
	FramesPerBuffer int

	// Mapping pins logical microphone names to physical device names
	Mapping map[string]string
}

// PortAudioSelector resolves logical microphone names to PortAudio inputs
type PortAudioSelector struct {
	cfg SelectorConfig
}

// NewPortAudioSelector initializes PortAudio. Call Close when done.
func NewPortAudioSelector(cfg SelectorConfig) (*PortAudioSelector, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &PortAudioSelector{cfg: cfg}, nil
}

// Close terminates PortAudio
func (s *PortAudioSelector) Close() error {
	return portaudio.Terminate()
}

// Inputs lists the devices able to capture
func (s *PortAudioSelector) Inputs() ([]Info, error) {
	devices, err := s.inputDevices()
	if err != nil {
		return nil, err
	}
	def, _ := portaudio.DefaultInputDevice()

	out := make([]Info, len(devices))
	for i, d := range devices {
		out[i] = Info{
			Name:       d.Name,
			Channels:   d.MaxInputChannels,
			SampleRate: d.DefaultSampleRate,
			Default:    def != nil && d.Name == def.Name,
		}
		if d.HostApi != nil {
			out[i].HostAPI = d.HostApi.Name
		}
	}
	return out, nil
}

func (s *PortAudioSelector) inputDevices() ([]*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list audio devices: %w", err)
	}
	var inputs []*portaudio.DeviceInfo
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			inputs = append(inputs, d)
		}
	}
	return inputs, nil
}

// Select maps names to input devices. A host with a single input records
// only the first name.
func (s *PortAudioSelector) Select(_ context.Context, names []string) ([]recorder.Source, error) {
	devices, err := s.inputDevices()
	if err != nil {
		return nil, err
	}

	available := make([]string, len(devices))
	byName := make(map[string]*portaudio.DeviceInfo, len(devices))
	for i, d := range devices {
		available[i] = d.Name
		byName[d.Name] = d
	}
	def := ""
	if d, err := portaudio.DefaultInputDevice(); err == nil && d != nil {
		def = d.Name
	}

	pairs, err := Assign(names, available, def, s.cfg.Mapping)
	if err != nil {
		return nil, err
	}

	sources := make([]recorder.Source, len(pairs))
	for i, p := range pairs {
		log.With("microphone", p.Label).
			With("device", p.Device).
			Debug("Microphone assigned.")
		sources[i] = NewMicrophone(p.Label, byName[p.Device], s.cfg.SampleRate, s.cfg.FramesPerBuffer)
	}
	return sources, nil
}

// Pair binds a logical microphone name to a physical device
type Pair struct {
	Label  string
	Device string
}

// Assign binds logical names to the available devices. Pinned names get
// their mapped device, the rest take the default device first and then
// the remaining devices in order. Names beyond the device count are
// dropped.
func Assign(names, available []string, defaultDevice string, mapping map[string]string) ([]Pair, error) {
	if len(available) == 0 {
		return nil, ErrNoDevices
	}
	if len(names) == 0 {
		names = []string{"default"}
	}

	exists := make(map[string]bool, len(available))
	for _, a := range available {
		exists[a] = true
	}

	used := make(map[string]bool, len(available))
	devices := make([]string, len(names))
	for i, n := range names {
		d, ok := mapping[n]
		if !ok {
			continue
		}
		if !exists[d] {
			return nil, fmt.Errorf("microphone %q is mapped to unknown device %q", n, d)
		}
		if used[d] {
			return nil, fmt.Errorf("device %q is mapped twice", d)
		}
		devices[i] = d
		used[d] = true
	}

	order := make([]string, 0, len(available))
	if exists[defaultDevice] {
		order = append(order, defaultDevice)
	}
	for _, a := range available {
		if a != defaultDevice {
			order = append(order, a)
		}
	}

	var pairs []Pair
	next := 0
	for i, n := range names {
		if devices[i] == "" {
			for next < len(order) && used[order[next]] {
				next++
			}
			if next == len(order) {
				continue
			}
			devices[i] = order[next]
			used[order[next]] = true
		}
		pairs = append(pairs, Pair{Label: n, Device: devices[i]})
	}
	return pairs, nil
}
