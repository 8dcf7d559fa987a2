package assemblyai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/echocat/slf4g"
	"github.com/gorilla/websocket"

	"example.com/resume_bridge/pkg/audio"
	"example.com/resume_bridge/pkg/stt"
)

const (
	// Universal Streaming API endpoint
	assemblyWSURL = "wss://streaming.assemblyai.com/v3/ws"

	// streamRate is the only input rate the service accepts here
	streamRate = 16000

	// minAudioBytes is 100ms at 16kHz mono; the service wants 50-1000ms
	// per message
	minAudioBytes = 3200

	drainTimeout = 3 * time.Second
)

// Client is an AssemblyAI Universal Streaming STT client
type Client struct {
	cfg            stt.Config
	callback       stt.TranscriptCallback
	utteranceEndCb stt.UtteranceEndCallback

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	finished  chan struct{}

	// lastTranscript detects new content within a turn
	lastTranscript string
	audioBuffer    []byte
}

// BeginMessage is sent when the session starts
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

// TurnMessage is one Universal Streaming transcript update
type TurnMessage struct {
	Type                string  `json:"type"`
	TurnOrder           int     `json:"turn_order"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	LanguageCode        string  `json:"language_code,omitempty"`
	Words               []Word  `json:"words,omitempty"`
}

// Word represents word-level details in the transcript
type Word struct {
	Text       string  `json:"text"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// NewClient creates a new AssemblyAI client. Input audio at any rate is
// resampled to 16kHz mono.
func NewClient(cfg stt.Config) stt.Client {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = streamRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = assemblyWSURL
	}
	return &Client{
		cfg:         cfg,
		audioBuffer: make([]byte, 0, minAudioBytes*2),
	}
}

// OnTranscript sets the callback for transcriptions
func (c *Client) OnTranscript(callback stt.TranscriptCallback) {
	c.callback = callback
}

// OnUtteranceEnd sets the callback for the end of a turn
func (c *Client) OnUtteranceEnd(callback stt.UtteranceEndCallback) {
	c.utteranceEndCb = callback
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(streamRate))
	q.Set("format_turns", "true")
	if len(c.cfg.Keywords) > 0 {
		b, _ := json.Marshal(c.cfg.Keywords)
		q.Set("keyterms_prompt", string(b))
	}
	for _, l := range c.cfg.Languages {
		if !strings.HasPrefix(l, "en") {
			q.Set("speech_model", "universal-streaming-multilingual")
			break
		}
	}
	return c.cfg.BaseURL + "?" + q.Encode()
}

// Connect establishes WebSocket connection to AssemblyAI Universal Streaming
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	// The API key goes in the header as is, no scheme prefix
	header := http.Header{}
	header.Set("Authorization", c.cfg.APIKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint(), header)
	if err != nil {
		return fmt.Errorf("assemblyai connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.finished = make(chan struct{})
	c.lastTranscript = ""
	c.audioBuffer = c.audioBuffer[:0]

	go c.readResponses(conn, c.finished)

	log.Info("Connected to AssemblyAI.")
	return nil
}

func (c *Client) readResponses(conn *websocket.Conn, finished chan struct{}) {
	defer close(finished)
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("AssemblyAI read ended.")
			}
			return
		}

		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &base); err != nil {
			log.WithError(err).Debug("Cannot parse AssemblyAI message.")
			continue
		}

		switch base.Type {
		case "Begin":
			var begin BeginMessage
			if err := json.Unmarshal(message, &begin); err == nil {
				log.With("id", begin.ID).Debug("AssemblyAI session started.")
			}

		case "Turn":
			var turn TurnMessage
			if err := json.Unmarshal(message, &turn); err != nil {
				continue
			}
			c.handleTurn(turn)

		case "Termination":
			log.Debug("AssemblyAI session terminated.")
			return

		case "Error":
			log.With("message", string(message)).Warn("AssemblyAI reported an error.")
		}
	}
}

// handleTurn forwards only the text added since the previous update of
// the same turn
func (c *Client) handleTurn(turn TurnMessage) {
	if turn.Transcript != "" && turn.Transcript != c.lastTranscript && c.callback != nil {
		text := turn.Transcript
		if strings.HasPrefix(text, c.lastTranscript) {
			text = text[len(c.lastTranscript):]
		}
		c.lastTranscript = turn.Transcript
		if text = strings.TrimSpace(text); text != "" {
			c.callback(text, true)
		}
	}

	if turn.EndOfTurn {
		log.With("confidence", turn.EndOfTurnConfidence).Trace("AssemblyAI end of turn.")
		if c.utteranceEndCb != nil {
			c.utteranceEndCb()
		}
		c.lastTranscript = ""
	}
}

// SendAudio buffers PCM until at least 100ms of 16kHz audio is available
func (c *Client) SendAudio(pcmData []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return stt.ErrNotConnected
	}

	samples := audio.ToMono(audio.BytesToInt16(pcmData), c.cfg.Channels)
	samples = audio.ResampleMono(samples, c.cfg.SampleRate, streamRate)
	c.audioBuffer = append(c.audioBuffer, audio.Int16ToBytes(samples)...)

	if len(c.audioBuffer) >= minAudioBytes {
		return c.flushLocked()
	}
	return nil
}

func (c *Client) flushLocked() error {
	if len(c.audioBuffer) == 0 {
		return nil
	}
	err := c.conn.WriteMessage(websocket.BinaryMessage, c.audioBuffer)
	c.audioBuffer = c.audioBuffer[:0]
	return err
}

// Close sends buffered audio, terminates the session and waits for the
// final turn
func (c *Client) Close() error {
	c.mu.Lock()
	conn, finished := c.conn, c.finished
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	err := c.flushLocked()
	if err == nil {
		err = conn.WriteJSON(map[string]string{"type": "Terminate"})
	}
	c.conn = nil
	c.mu.Unlock()

	if err == nil {
		select {
		case <-finished:
		case <-time.After(drainTimeout):
			log.Warn("AssemblyAI did not terminate in time.")
		}
	}
	conn.Close()
	<-finished

	log.Info("Disconnected from AssemblyAI.")
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
