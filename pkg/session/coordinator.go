package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/echocat/slf4g"

	"example.com/resume_bridge/pkg/metrics"
	"example.com/resume_bridge/pkg/protocol"
	"example.com/resume_bridge/pkg/recorder"
	"example.com/resume_bridge/pkg/stream"
)

// DefaultRetryInterval is the fallback period of the queue drain timer
const DefaultRetryInterval = 900 * time.Millisecond

// State of the session slot
type State int

const (
	Idle State = iota
	HandshakePending
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HandshakePending:
		return "handshake-pending"
	case Active:
		return "active"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// ErrClosed is returned after Close
var ErrClosed = errors.New("session coordinator closed")

// Config holds coordinator settings and consumer callbacks
type Config struct {
	DefaultSectionID string
	DefaultDocFormat *string
	MultiSpeaker     *bool
	Languages        []string
	RetryInterval    time.Duration
	AlertError       bool
	Tag              string
	Codec            string
	SampleRate       int

	// Intermediate is snapshotted once per uploaded unit
	Intermediate func() any

	OnTranscript      func(protocol.Transcript)
	OnFinalTranscript func(protocol.Transcript)
	OnError           func(error)
	OnAlert           func(error)
	OnSession         func(sessionID string)
	OnConnect         func()
	OnDisconnect      func()

	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Coordinator owns the session slot: it runs the handshake, gates inbound
// events by session and section, and delivers merged units in order.
// Every entry point is serialized by one mutex; callbacks run after it is
// released.
type Coordinator struct {
	cfg Config
	ch  protocol.Channel

	mu          sync.Mutex
	state       State
	sessionID   string
	sectionID   string
	cookies     json.RawMessage
	identifier  any
	request     *protocol.HandshakeRequest
	requestedAt time.Time
	transcript  *protocol.Transcript
	final       bool

	agg       *stream.Aggregator
	queue     stream.Queue
	names     []string
	sentCount []int
	sentBytes []int
	ended     []bool
	refs      []string
	completed bool

	recStates      []recorder.State
	recordTime     time.Duration
	recordingSince time.Time

	retry  *time.Timer
	closed bool
}

// New creates a coordinator and registers its handlers on ch
func New(ch protocol.Channel, cfg Config) *Coordinator {
	if cfg.DefaultSectionID == "" {
		cfg.DefaultSectionID = DefaultSectionID
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Coordinator{
		cfg: cfg,
		ch:  ch,
		agg: stream.NewAggregator(0,
			stream.WithTag(cfg.Tag),
			stream.WithIntermediate(cfg.Intermediate),
			stream.WithClock(cfg.Now),
		),
	}

	ch.On(protocol.EventSessionID, c.handleSessionAssigned)
	ch.On(protocol.EventTranscript, c.handleTranscript)
	ch.On(protocol.EventStreamError, c.handleStreamError)
	ch.On(protocol.EventReconnect, func(json.RawMessage) {
		if err := c.ResendHandshake(); err != nil {
			log.WithError(err).Warn("Cannot resend handshake after reconnect.")
		}
	})
	ch.On(protocol.EventConnect, func(json.RawMessage) {
		if c.cfg.OnConnect != nil {
			c.cfg.OnConnect()
		}
	})
	ch.On(protocol.EventDisconnect, func(json.RawMessage) {
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect()
		}
	})

	return c
}

// RequestSession starts a new handshake. It drops the previous session,
// the outbound queue and all per-channel counters.
func (c *Coordinator) RequestSession(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.stopRetryLocked()
	c.queue.Clear()
	c.cfg.Metrics.SetQueueDepth(0)

	n := len(req.Microphones)
	c.names = append([]string(nil), req.Microphones...)
	c.agg.Reset(n)
	c.sentCount = make([]int, n)
	c.sentBytes = make([]int, n)
	c.ended = make([]bool, n)
	c.refs = make([]string, n)
	c.completed = false

	c.recStates = make([]recorder.State, n)
	c.recordTime = 0
	c.recordingSince = time.Time{}

	c.transcript = nil
	c.final = false
	c.sessionID = ""
	c.cookies = nil
	c.identifier = req.Identifier

	hs := c.buildHandshake(req)
	c.sectionID = hs.SectionID
	c.request = &hs
	c.state = HandshakePending

	return c.emitHandshakeLocked()
}

// ResendHandshake re-emits the stored handshake request unchanged. The
// queue and counters are kept so units recorded meanwhile reach the new
// session. It does nothing without a request or after the session
// completed.
func (c *Coordinator) ResendHandshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.request == nil || c.completed {
		return nil
	}

	c.state = HandshakePending
	c.sessionID = ""
	c.cookies = nil
	return c.emitHandshakeLocked()
}

func (c *Coordinator) emitHandshakeLocked() error {
	c.requestedAt = c.cfg.Now()
	c.cfg.Metrics.RecordHandshake()

	log.With("requestId", c.request.RequestID).
		With("sectionId", c.request.SectionID).
		With("microphones", c.request.Microphones).
		Debug("Requesting session.")

	if err := c.ch.Emit(protocol.EventClientInit, *c.request); err != nil {
		return fmt.Errorf("cannot send handshake: %w", err)
	}
	return nil
}

func (c *Coordinator) handleSessionAssigned(data json.RawMessage) {
	var msg protocol.SessionAssigned
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithError(err).Warn("Cannot decode session assignment.")
		return
	}

	c.mu.Lock()
	if reason := c.rejectAssignmentLocked(msg); reason != "" {
		c.mu.Unlock()
		c.cfg.Metrics.RecordDiscarded(protocol.EventSessionID)
		log.With("sessionId", msg.SessionID).
			With("sectionId", msg.SectionID).
			With("reason", reason).
			Debug("Discarding session assignment.")
		return
	}

	c.state = Active
	c.sessionID = msg.SessionID
	c.cookies = msg.Cookies
	c.cfg.Metrics.RecordSessionActive(c.cfg.Now().Sub(c.requestedAt))

	log.With("sessionId", c.sessionID).
		With("sectionId", c.sectionID).
		With("queued", c.queue.Len()).
		Info("Session active.")

	c.flushLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	if c.cfg.OnSession != nil {
		c.cfg.OnSession(sessionID)
	}
}

func (c *Coordinator) rejectAssignmentLocked(msg protocol.SessionAssigned) string {
	switch {
	case c.state != HandshakePending:
		return "no handshake pending"
	case msg.SessionID == "":
		return "empty session id"
	case msg.SectionID != c.sectionID:
		return "section mismatch"
	case msg.RequestID != "" && msg.RequestID != c.request.RequestID:
		return "answers a previous request"
	}
	return ""
}

func (c *Coordinator) handleTranscript(data json.RawMessage) {
	var msg protocol.Transcript
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithError(err).Warn("Cannot decode transcript.")
		return
	}

	c.mu.Lock()
	if c.state != Active || msg.SessionID != c.sessionID || msg.SectionID != c.sectionID {
		current := c.sessionID
		c.mu.Unlock()
		c.cfg.Metrics.RecordDiscarded(protocol.EventTranscript)
		log.With("sessionId", msg.SessionID).
			With("sectionId", msg.SectionID).
			With("activeSessionId", current).
			Debug("Discarding transcript of another session.")
		return
	}
	c.transcript = &msg
	c.final = msg.IsEnd
	c.mu.Unlock()

	c.cfg.Metrics.RecordTranscript()
	if c.cfg.OnTranscript != nil {
		c.cfg.OnTranscript(msg)
	}
	if msg.IsEnd && c.cfg.OnFinalTranscript != nil {
		c.cfg.OnFinalTranscript(msg)
	}
}

// handleStreamError reports every gateway error regardless of session
func (c *Coordinator) handleStreamError(data json.RawMessage) {
	var se protocol.StreamError
	if err := json.Unmarshal(data, &se); err != nil || se.Message == "" {
		var text string
		if json.Unmarshal(data, &text) == nil {
			se = protocol.StreamError{Message: text}
		} else {
			se = protocol.StreamError{Message: string(data)}
		}
	}

	c.cfg.Metrics.RecordStreamError()
	log.With("sessionId", se.SessionID).
		With("sectionId", se.SectionID).
		Warnf("Gateway reported error: %s", se.Message)

	c.reportError(se)
	if c.cfg.AlertError && c.cfg.OnAlert != nil {
		c.cfg.OnAlert(se)
	}
}

// Submit hands one periodic chunk of channel i to the aggregator
func (c *Coordinator) Submit(i int, chunk []byte) {
	c.submit(i, chunk, false, nil)
}

func (c *Coordinator) submit(i int, chunk []byte, isEnd bool, userTranscript any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	u, err := c.agg.Submit(i, chunk, isEnd)
	if err != nil {
		log.With("channel", i).
			WithError(err).
			Debug("Chunk rejected.")
		return
	}

	if len(chunk) > 0 {
		c.sentCount[i]++
		c.sentBytes[i] += len(chunk)
		c.cfg.Metrics.RecordChunk(c.names[i], len(chunk))
	}

	if u == nil {
		return
	}
	if userTranscript != nil {
		u.Info.UserTranscript = userTranscript
	}
	c.deliverLocked(u)
}

// deliverLocked sends u right away when a session is active and nothing is
// waiting ahead of it, otherwise parks it at the tail of the queue
func (c *Coordinator) deliverLocked(u *stream.Unit) {
	if c.state == Active && c.queue.Empty() {
		if err := c.sendLocked(u); err == nil {
			return
		}
	}

	c.queue.Push(u)
	c.cfg.Metrics.RecordUnitQueued()
	c.cfg.Metrics.SetQueueDepth(c.queue.Len())

	log.With("unitId", u.Info.ID).
		With("queued", c.queue.Len()).
		With("state", c.state).
		Debug("Unit queued.")

	if c.state == Active && c.queue.Len() > 1 {
		c.flushLocked()
		return
	}
	c.scheduleRetryLocked()
}

// flushLocked drains the queue into the active session. On a write error
// the failed unit stays at the head and the retry timer takes over.
func (c *Coordinator) flushLocked() {
	if c.queue.Empty() {
		return
	}
	if c.state != Active {
		c.scheduleRetryLocked()
		return
	}

	sent, err := c.queue.Drain(c.sendLocked)
	c.cfg.Metrics.SetQueueDepth(c.queue.Len())
	if sent > 0 {
		log.With("sessionId", c.sessionID).
			With("sent", sent).
			Debug("Queue flushed.")
	}
	if err != nil {
		c.scheduleRetryLocked()
	}
}

func (c *Coordinator) sendLocked(u *stream.Unit) error {
	err := c.ch.Emit(protocol.EventClientStreaming, protocol.StreamUnit{
		Chunks:    u.Chunks,
		Info:      u.Info,
		SessionID: c.sessionID,
		SectionID: c.sectionID,
		Cookies:   c.cookies,
	})
	if err != nil {
		c.cfg.Metrics.RecordSendFailure()
		log.With("unitId", u.Info.ID).
			With("sessionId", c.sessionID).
			WithError(err).
			Warn("Cannot send unit.")
		return err
	}
	c.cfg.Metrics.RecordUnitSent(u.Size())
	return nil
}

func (c *Coordinator) scheduleRetryLocked() {
	if c.closed || c.retry != nil || c.queue.Empty() {
		return
	}
	c.retry = time.AfterFunc(c.cfg.RetryInterval, c.retryFlush)
}

func (c *Coordinator) retryFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = nil
	if c.closed {
		return
	}
	c.flushLocked()
}

func (c *Coordinator) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Coordinator) reportError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// State returns the state of the session slot
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveSessionID returns the assigned session id, empty while no session
// is active
func (c *Coordinator) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SectionID returns the section of the current or pending session
func (c *Coordinator) SectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sectionID
}

// Transcript returns the last accepted transcript and whether it was final
func (c *Coordinator) Transcript() (protocol.Transcript, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transcript == nil {
		return protocol.Transcript{}, false, false
	}
	return *c.transcript, c.final, true
}

// Sent returns per-channel chunk counts and byte totals
func (c *Coordinator) Sent() (counts, bytes []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.sentCount...), append([]int(nil), c.sentBytes...)
}

// QueueLen returns the number of units waiting for a session
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// Close stops the retry timer; queued units are abandoned
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopRetryLocked()
	if n := c.queue.Len(); n > 0 {
		log.With("queued", n).Warn("Closing with undelivered units.")
	}
}
