package stt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Echo is an offline backend that reports how much audio it received. It
// stands in for a real provider in local runs and tests.
type Echo struct {
	sampleRate int

	mu           sync.Mutex
	callback     TranscriptCallback
	utteranceEnd UtteranceEndCallback
	connected    bool
	segments     int
	total        time.Duration
}

// NewEcho creates an echo backend
func NewEcho(cfg Config) Client {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Echo{sampleRate: cfg.SampleRate}
}

func (e *Echo) OnTranscript(callback TranscriptCallback)     { e.callback = callback }
func (e *Echo) OnUtteranceEnd(callback UtteranceEndCallback) { e.utteranceEnd = callback }

func (e *Echo) Connect(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	e.segments = 0
	e.total = 0
	return nil
}

// SendAudio reports every non-empty buffer as one final segment
func (e *Echo) SendAudio(pcmData []byte) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	samples := len(pcmData) / 2
	if samples == 0 {
		e.mu.Unlock()
		return nil
	}
	e.segments++
	d := time.Duration(samples) * time.Second / time.Duration(e.sampleRate)
	e.total += d
	text := fmt.Sprintf("[segment %d: %s]", e.segments, d.Round(time.Millisecond))
	cb := e.callback
	e.mu.Unlock()

	if cb != nil {
		cb(text, true)
	}
	return nil
}

func (e *Echo) Close() error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = false
	cb := e.utteranceEnd
	e.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

func (e *Echo) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}
