package resume

import (
	"fmt"
	"time"

	"example.com/resume_bridge/pkg/audio"
	"example.com/resume_bridge/pkg/metrics"
	"example.com/resume_bridge/pkg/protocol"
	"example.com/resume_bridge/pkg/recorder"
	"example.com/resume_bridge/pkg/session"
)

// DefaultMicrophones are the logical channel names used when none are
// configured
var DefaultMicrophones = []string{"main", "another", "noise-cancelling"}

// Options configures a Resume instance. Start from DefaultOptions.
type Options struct {
	Microphones      []string
	Languages        []string
	MultiSpeaker     *bool
	DefaultSectionID string
	DefaultDocFormat *string
	TimeSlice        time.Duration
	AllowPause       bool
	AlertError       bool
	RetryInterval    time.Duration
	Codec            string
	SampleRate       int
	Tag              string
	Archive          recorder.Archive

	// IntermediateTranscript is snapshotted into every uploaded unit
	IntermediateTranscript func() any

	OnTranscript      func(protocol.Transcript)
	OnFinalTranscript func(protocol.Transcript)
	OnStop            func(session.Record)
	OnError           func(error)
	OnAlert           func(error)
	OnSession         func(sessionID string)
	OnConnect         func()
	OnDisconnect      func()
	OnStateChanged    func(channel int, state recorder.State)

	Metrics *metrics.Metrics
}

// DefaultOptions returns the defaults for every option
func DefaultOptions() Options {
	return Options{
		Microphones:      append([]string(nil), DefaultMicrophones...),
		Languages:        []string{"th-TH"},
		DefaultSectionID: session.DefaultSectionID,
		TimeSlice:        recorder.DefaultTimeSlice,
		AllowPause:       true,
		RetryInterval:    session.DefaultRetryInterval,
		Codec:            audio.CodecPCM16,
		SampleRate:       audio.DefaultSampleRate,
	}
}

// Validate checks the options for values that cannot work
func (o Options) Validate() error {
	if o.TimeSlice <= 0 {
		return fmt.Errorf("time slice must be positive, got %v", o.TimeSlice)
	}
	if o.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive, got %v", o.RetryInterval)
	}
	if o.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", o.SampleRate)
	}
	switch o.Codec {
	case audio.CodecPCM16:
	case audio.CodecOpus:
		switch o.SampleRate {
		case 8000, 12000, 16000, 24000, 48000:
		default:
			return fmt.Errorf("opus does not support a sample rate of %d", o.SampleRate)
		}
	default:
		return fmt.Errorf("unknown codec %q", o.Codec)
	}
	seen := make(map[string]bool, len(o.Microphones))
	for _, m := range o.Microphones {
		if seen[m] {
			return fmt.Errorf("duplicate microphone name %q", m)
		}
		seen[m] = true
	}
	return nil
}

func (o Options) microphones() []string {
	if len(o.Microphones) == 0 {
		return []string{"default"}
	}
	return append([]string(nil), o.Microphones...)
}
