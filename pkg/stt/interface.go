package stt

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by SendAudio before Connect or after Close
var ErrNotConnected = errors.New("not connected")

// TranscriptCallback is called when a transcript is received
type TranscriptCallback func(transcript string, isFinal bool)

// UtteranceEndCallback is called when the speaker pauses
type UtteranceEndCallback func()

// Client defines the interface for speech-to-text providers
type Client interface {
	// OnTranscript sets the callback for transcriptions
	OnTranscript(callback TranscriptCallback)

	// OnUtteranceEnd sets the callback for when the speaker pauses
	OnUtteranceEnd(callback UtteranceEndCallback)

	// Connect establishes connection to the STT service
	Connect(ctx context.Context) error

	// SendAudio sends mono 16-bit little-endian PCM at Config.SampleRate
	SendAudio(pcmData []byte) error

	// Close flushes pending audio, waits briefly for the last results and
	// closes the connection
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}

// Config holds common STT connection settings
type Config struct {
	APIKey         string
	BaseURL        string   // overrides the provider endpoint
	SampleRate     int      // e.g., 16000
	Channels       int      // e.g., 1 or 2
	UtteranceEndMs int      // Milliseconds of silence before utterance end
	Languages      []string // preferred first
	Keywords       []string // vocabulary hints
}

// Factory creates one backend connection per session
type Factory func(Config) Client
