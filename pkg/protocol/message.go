package protocol

import (
	"encoding/json"
	"time"
)

// Wire event names exchanged with the transcription gateway
const (
	EventClientInit      = "press-record"      // handshake request
	EventSessionID       = "sess-id"           // handshake response
	EventStreamError     = "stream-error"      // error push
	EventClientStreaming = "client-streaming"  // chunk unit upload
	EventTranscript      = "server-transcript" // transcript push
)

// Local events raised by the channel implementation itself
const (
	EventConnect    = "connection"
	EventDisconnect = "disconnection"
	EventReconnect  = "reconnect"
)

// Handler receives the raw payload of one inbound event
type Handler func(data json.RawMessage)

// Channel is the bidirectional event channel to the gateway
type Channel interface {
	// Emit sends one event. Delivery is fire-and-forget; a nil error only
	// means the write was handed to the transport.
	Emit(event string, payload any) error

	// On registers a handler for an inbound or local event
	On(event string, handler Handler)
}

// Envelope is the JSON frame carrying one event on the wire
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// HandshakeRequest asks the gateway to open a new session
type HandshakeRequest struct {
	RequestID    string   `json:"request_id"`
	SectionID    string   `json:"section_id"`
	Microphones  []string `json:"microphones"`
	Languages    []string `json:"languages"`
	Hint         []string `json:"hint"`
	DocFormat    *string  `json:"doc_format"`    // null is meaningful
	MultiSpeaker *bool    `json:"multi_speaker"` // null lets the gateway decide
	Identifier   any      `json:"identifier"`
	StartedAt    int64    `json:"started_at"` // client clock, unix ms
	Codec        string   `json:"codec,omitempty"`
	SampleRate   int      `json:"sample_rate,omitempty"`
}

// SessionAssigned is the gateway's answer to a HandshakeRequest
type SessionAssigned struct {
	SessionID string          `json:"session_id"`
	SectionID string          `json:"section_id"`
	RequestID string          `json:"request_id,omitempty"` // echoed when the gateway supports it
	Cookies   json.RawMessage `json:"cookies,omitempty"`
}

// UnitInfo is the metadata attached to every uploaded unit
type UnitInfo struct {
	Datetime       time.Time `json:"datetime"`
	IsEnd          bool      `json:"is_end"`
	Tag            string    `json:"tag,omitempty"`
	ID             int64     `json:"id"`
	UserTranscript any       `json:"user_transcript"`
}

// StreamUnit uploads one merged slice of per-channel chunks. A nil chunk
// means that channel contributed nothing to this slice.
type StreamUnit struct {
	Chunks    [][]byte        `json:"chunks"`
	Info      UnitInfo        `json:"info"`
	SessionID string          `json:"session_id"`
	SectionID string          `json:"section_id"`
	Cookies   json.RawMessage `json:"cookies,omitempty"`
}

// Transcript is pushed by the gateway for a running session
type Transcript struct {
	SessionID string         `json:"session_id"`
	SectionID string         `json:"section_id"`
	IsEnd     bool           `json:"is_end"`
	Text      string         `json:"text"`
	Fields    map[string]any `json:"fields,omitempty"` // document-format groups
}

// StreamError is pushed by the gateway when processing fails
type StreamError struct {
	SessionID string `json:"session_id,omitempty"`
	SectionID string `json:"section_id,omitempty"`
	Message   string `json:"message"`
}

func (e StreamError) Error() string {
	return "stream error (session " + e.SessionID + ", section " + e.SectionID + "): " + e.Message
}

// Marshal wraps a payload into a wire envelope
func Marshal(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}
