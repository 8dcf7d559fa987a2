package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	log "github.com/echocat/slf4g"
	"github.com/gorilla/websocket"

	"example.com/resume_bridge/pkg/stt"
)

const (
	deepgramWSURL = "wss://api.deepgram.com/v1/listen"

	// drainTimeout bounds how long Close waits for the final results
	drainTimeout = 3 * time.Second
)

// Client is a Deepgram real-time STT client
type Client struct {
	cfg            stt.Config
	callback       stt.TranscriptCallback
	utteranceEndCb stt.UtteranceEndCallback

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	finished  chan struct{}
}

// MessageType is used to determine the type of Deepgram message
type MessageType struct {
	Type string `json:"type"`
}

// TranscriptResponse represents Deepgram's transcript response
type TranscriptResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal bool `json:"is_final"`
}

// NewClient creates a new Deepgram client
func NewClient(cfg stt.Config) stt.Client {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.UtteranceEndMs == 0 {
		cfg.UtteranceEndMs = 1000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = deepgramWSURL
	}
	return &Client{cfg: cfg}
}

// OnTranscript sets the callback for transcriptions
func (c *Client) OnTranscript(callback stt.TranscriptCallback) {
	c.callback = callback
}

// OnUtteranceEnd sets the callback for when the speaker pauses
func (c *Client) OnUtteranceEnd(callback stt.UtteranceEndCallback) {
	c.utteranceEndCb = callback
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(c.cfg.Channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(c.cfg.UtteranceEndMs))
	if len(c.cfg.Languages) > 0 {
		q.Set("language", c.cfg.Languages[0])
	}
	for _, k := range c.cfg.Keywords {
		q.Add("keywords", k)
	}
	return c.cfg.BaseURL + "?" + q.Encode()
}

// Connect establishes WebSocket connection to Deepgram
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+c.cfg.APIKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint(), header)
	if err != nil {
		return fmt.Errorf("deepgram connection failed: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.finished = make(chan struct{})

	go c.readResponses(conn, c.finished)

	log.Info("Connected to Deepgram.")
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
				log.WithError(err).Debug("Deepgram read ended.")
			}
			return
		}

		var msgType MessageType
		if err := json.Unmarshal(message, &msgType); err != nil {
			continue
		}

		switch msgType.Type {
		case "UtteranceEnd":
			log.Trace("Deepgram utterance end.")
			if c.utteranceEndCb != nil {
				c.utteranceEndCb()
			}

		case "Results":
			var resp TranscriptResponse
			if err := json.Unmarshal(message, &resp); err != nil {
				continue
			}
			if len(resp.Channel.Alternatives) > 0 {
				transcript := resp.Channel.Alternatives[0].Transcript
				if transcript != "" && c.callback != nil {
					c.callback(transcript, resp.IsFinal)
				}
			}
		}
	}
}

// SendAudio sends PCM audio data to Deepgram
func (c *Client) SendAudio(pcmData []byte) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return stt.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, pcmData)
}

// Close asks Deepgram to flush, waits for the stream to end and closes the
// connection
func (c *Client) Close() error {
	c.mu.Lock()
	conn, finished := c.conn, c.finished
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "CloseStream"}`))
	c.writeMu.Unlock()

	if err == nil {
		select {
		case <-finished:
		case <-time.After(drainTimeout):
			log.Warn("Deepgram did not finish in time.")
		}
	}
	conn.Close()
	<-finished

	log.Info("Disconnected from Deepgram.")
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
