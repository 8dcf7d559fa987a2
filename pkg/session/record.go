package session

import (
	"time"

	log "github.com/echocat/slf4g"

	"example.com/resume_bridge/pkg/recorder"
)

// Record summarizes a finished session once every channel has stopped
type Record struct {
	SessionID      string        `json:"session_id"`
	SectionID      string        `json:"section_id"`
	Identifier     any           `json:"identifier"`
	URL            []string      `json:"url"`
	BlobSize       []int         `json:"blobsize"`
	BlobCount      []int         `json:"blobcount"`
	UserTranscript any           `json:"user_transcript"`
	RecordTime     time.Duration `json:"record_time"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// Stopper is the part of a channel recorder needed to end a channel
type Stopper interface {
	Stop(onStopped recorder.StopFunc)
}

// EndChannel stops the recorder of channel i. Its unsent remainder is
// submitted as the channel's end chunk and its blob reference is kept.
// onComplete runs exactly once, after the last channel has stopped.
func (c *Coordinator) EndChannel(i int, rec Stopper, userTranscript any, onComplete func(Record)) {
	rec.Stop(func(ref string, full []byte) {
		c.channelStopped(i, ref, full, userTranscript, onComplete)
	})
}

func (c *Coordinator) channelStopped(i int, ref string, full []byte, userTranscript any, onComplete func(Record)) {
	c.mu.Lock()
	if i < 0 || i >= len(c.ended) || c.ended[i] {
		c.mu.Unlock()
		log.With("channel", i).Debug("Ignoring stop of unknown or ended channel.")
		return
	}
	offset := min(c.sentBytes[i], len(full))
	c.mu.Unlock()

	c.submit(i, full[offset:], true, userTranscript)

	c.mu.Lock()
	c.ended[i] = true
	c.refs[i] = ref

	log.With("channel", i).
		With("chunks", c.sentCount[i]).
		With("bytes", c.sentBytes[i]).
		Info("Channel stopped.")

	if c.completed || !allTrue(c.ended) {
		c.mu.Unlock()
		return
	}
	c.completed = true
	rec := Record{
		SessionID:      c.sessionID,
		SectionID:      c.sectionID,
		Identifier:     c.identifier,
		URL:            append([]string(nil), c.refs...),
		BlobSize:       append([]int(nil), c.sentBytes...),
		BlobCount:      append([]int(nil), c.sentCount...),
		UserTranscript: userTranscript,
		RecordTime:     c.recordTimeLocked(),
		CompletedAt:    c.cfg.Now(),
	}
	c.mu.Unlock()

	c.cfg.Metrics.RecordSessionComplete(rec.RecordTime)
	if onComplete != nil {
		onComplete(rec)
	}
}

// RecordStateChanged tracks recorder transitions of channel i. Recording
// time accumulates while any channel is recording.
func (c *Coordinator) RecordStateChanged(i int, s recorder.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= len(c.recStates) {
		return
	}
	was := anyRecording(c.recStates)
	c.recStates[i] = s
	is := anyRecording(c.recStates)

	now := c.cfg.Now()
	switch {
	case !was && is:
		c.recordingSince = now
	case was && !is:
		c.recordTime += now.Sub(c.recordingSince)
	}
}

// RecordTime returns the accumulated recording time of the session
func (c *Coordinator) RecordTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordTimeLocked()
}

func (c *Coordinator) recordTimeLocked() time.Duration {
	if anyRecording(c.recStates) {
		return c.recordTime + c.cfg.Now().Sub(c.recordingSince)
	}
	return c.recordTime
}

func anyRecording(states []recorder.State) bool {
	for _, s := range states {
		if s == recorder.StateRecording {
			return true
		}
	}
	return false
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return len(v) > 0
}
