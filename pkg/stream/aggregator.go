package stream

import (
	"errors"
	"fmt"
	"time"

	"example.com/resume_bridge/pkg/protocol"
)

var (
	// ErrChannelEnded is returned when a chunk arrives for a channel that
	// already reported its end
	ErrChannelEnded = errors.New("channel already ended")

	// ErrUnknownChannel is returned for an out of range channel index
	ErrUnknownChannel = errors.New("unknown channel")
)

// Unit is one merged slice waiting to be uploaded. Chunks holds one entry
// per channel, nil where a channel contributed nothing.
type Unit struct {
	Chunks [][]byte
	Info   protocol.UnitInfo
}

// Size returns the number of audio bytes in the unit
func (u *Unit) Size() int {
	n := 0
	for _, c := range u.Chunks {
		n += len(c)
	}
	return n
}

// Aggregator merges independently timed per-channel chunks into units. It
// is not safe for concurrent use; the session coordinator serializes access.
type Aggregator struct {
	pending [][]byte
	ended   []bool
	nextID  int64

	tag          string
	intermediate func() any
	now          func() time.Time
}

// AggregatorOption configures an Aggregator
type AggregatorOption func(*Aggregator)

// WithTag sets the tag attached to every unit
func WithTag(tag string) AggregatorOption {
	return func(a *Aggregator) { a.tag = tag }
}

// WithIntermediate sets the supplier snapshotted once per unit
func WithIntermediate(fn func() any) AggregatorOption {
	return func(a *Aggregator) { a.intermediate = fn }
}

// WithClock replaces the wall clock used for unit timestamps
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator for the given number of channels
func NewAggregator(channels int, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.Reset(channels)
	return a
}

// Reset drops all pending data and end flags and restarts unit ids
func (a *Aggregator) Reset(channels int) {
	a.pending = make([][]byte, channels)
	a.ended = make([]bool, channels)
	a.nextID = 0
}

// Channels returns the number of channels
func (a *Aggregator) Channels() int {
	return len(a.pending)
}

// Ended reports whether channel i has reported its end
func (a *Aggregator) Ended(i int) bool {
	return i >= 0 && i < len(a.ended) && a.ended[i]
}

// AllEnded reports whether every channel has reported its end
func (a *Aggregator) AllEnded() bool {
	for _, e := range a.ended {
		if !e {
			return false
		}
	}
	return len(a.ended) > 0
}

// Submit adds a chunk to the pending slot of a channel. When the slice is
// complete the merged unit is returned and the slots are cleared; otherwise
// the result is nil.
//
// A slice is complete when every channel that has not ended holds pending
// data, or when every channel has ended. Repeated chunks for one channel
// before completion are appended to its slot.
func (a *Aggregator) Submit(channel int, chunk []byte, isEnd bool) (*Unit, error) {
	if channel < 0 || channel >= len(a.pending) {
		return nil, fmt.Errorf("%w: %d of %d", ErrUnknownChannel, channel, len(a.pending))
	}
	if a.ended[channel] {
		return nil, fmt.Errorf("%w: %d", ErrChannelEnded, channel)
	}

	if len(chunk) > 0 {
		a.pending[channel] = append(a.pending[channel], chunk...)
	}
	if isEnd {
		a.ended[channel] = true
	}

	allEnded := a.AllEnded()
	if !allEnded && !a.ready() {
		return nil, nil
	}
	return a.build(allEnded), nil
}

func (a *Aggregator) ready() bool {
	waiting := 0
	for i, p := range a.pending {
		if a.ended[i] {
			continue
		}
		if len(p) == 0 {
			return false
		}
		waiting++
	}
	return waiting > 0
}

func (a *Aggregator) build(isEnd bool) *Unit {
	u := &Unit{
		Chunks: a.pending,
		Info: protocol.UnitInfo{
			Datetime: a.now(),
			IsEnd:    isEnd,
			Tag:      a.tag,
			ID:       a.nextID,
		},
	}
	if a.intermediate != nil {
		u.Info.UserTranscript = a.intermediate()
	}
	a.nextID++
	a.pending = make([][]byte, len(a.pending))
	return u
}
