package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/echocat/slf4g"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"example.com/resume_bridge/pkg/audio"
	"example.com/resume_bridge/pkg/protocol"
	"example.com/resume_bridge/pkg/stt"
)

const writeTimeout = 10 * time.Second

// Gateway is the transcription endpoint. Each websocket connection holds
// at most one session; every session gets its own backend connection.
type Gateway struct {
	backend stt.Factory
	stt     stt.Config
	metrics *gatewayMetrics
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Gateway upgrade failed.")
		return
	}

	c := &conn{g: g, ws: ws, remote: r.RemoteAddr}
	log.With("remote", c.remote).Debug("Client connected.")
	defer c.close()

	c.serve(r.Context())
}

// conn is one client connection. Only the read loop touches sess.
type conn struct {
	g      *Gateway
	ws     *websocket.Conn
	remote string
	sess   *gatewaySession

	writeMu sync.Mutex
}

type gatewaySession struct {
	id        string
	section   string
	codec     string
	rate      int
	docFormat *string
	backend   stt.Client
	decoders  map[int]*audio.OpusDecoder

	mu      sync.Mutex
	finals  []string
	interim string
}

func (s *gatewaySession) text() string {
	parts := append([]string(nil), s.finals...)
	if s.interim != "" {
		parts = append(parts, s.interim)
	}
	return strings.Join(parts, " ")
}

func (c *conn) serve(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.With("remote", c.remote).WithError(err).Debug("Client read ended.")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.With("remote", c.remote).WithError(err).Warn("Dropping malformed frame.")
			continue
		}

		switch env.Event {
		case protocol.EventClientInit:
			c.handshake(ctx, env.Data)
		case protocol.EventClientStreaming:
			c.stream(env.Data)
		default:
			log.With("event", env.Event).Trace("Ignoring event.")
		}
	}
}

func (c *conn) handshake(ctx context.Context, data json.RawMessage) {
	var req protocol.HandshakeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.streamError("", "", "handshake", fmt.Errorf("invalid handshake: %w", err))
		return
	}

	if c.sess != nil {
		log.With("sessionId", c.sess.id).Info("Session replaced by a new handshake.")
		c.end(c.sess)
	}

	switch req.Codec {
	case "", audio.CodecPCM16, audio.CodecOpus:
	default:
		c.streamError("", req.SectionID, "handshake", fmt.Errorf("unsupported codec %q", req.Codec))
		return
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}

	cfg := c.g.stt
	cfg.SampleRate = rate
	cfg.Channels = 1
	cfg.Languages = req.Languages
	cfg.Keywords = req.Hint
	backend := c.g.backend(cfg)

	s := &gatewaySession{
		id:        uuid.NewString(),
		section:   req.SectionID,
		codec:     req.Codec,
		rate:      rate,
		docFormat: req.DocFormat,
		backend:   backend,
		decoders:  make(map[int]*audio.OpusDecoder),
	}
	backend.OnTranscript(func(text string, isFinal bool) {
		c.transcript(s, text, isFinal, false)
	})

	if err := backend.Connect(ctx); err != nil {
		c.streamError("", req.SectionID, "backend", err)
		return
	}

	c.sess = s
	c.g.metrics.sessions.Inc()
	c.g.metrics.active.Inc()

	cookies, _ := json.Marshal(map[string]any{"issued_at": time.Now().UnixMilli()})
	if err := c.emit(protocol.EventSessionID, protocol.SessionAssigned{
		SessionID: s.id,
		SectionID: s.section,
		RequestID: req.RequestID,
		Cookies:   cookies,
	}); err != nil {
		log.WithError(err).Warn("Cannot answer handshake.")
		return
	}

	log.With("sessionId", s.id).
		With("sectionId", s.section).
		With("microphones", req.Microphones).
		With("codec", req.Codec).
		Info("Session assigned.")
}

func (c *conn) stream(data json.RawMessage) {
	var unit protocol.StreamUnit
	if err := json.Unmarshal(data, &unit); err != nil {
		c.streamError("", "", "unit", fmt.Errorf("invalid stream unit: %w", err))
		return
	}
	c.g.metrics.units.Inc()

	s := c.sess
	if s == nil || unit.SessionID != s.id || unit.SectionID != s.section {
		c.streamError(unit.SessionID, unit.SectionID, "session", fmt.Errorf("unknown session"))
		return
	}

	pcm, err := s.mix(unit.Chunks)
	if err != nil {
		c.streamError(s.id, s.section, "decode", err)
	} else if len(pcm) > 0 {
		b := audio.Int16ToBytes(pcm)
		if err := s.backend.SendAudio(b); err != nil {
			c.streamError(s.id, s.section, "backend", err)
		}
		c.g.metrics.audioBytes.Add(float64(len(b)))
	}

	log.With("sessionId", s.id).
		With("unit", unit.Info.ID).
		With("samples", len(pcm)).
		Trace("Unit received.")

	if unit.Info.IsEnd {
		c.end(s)
		c.transcript(s, "", false, true)
		log.With("sessionId", s.id).Info("Session ended.")
	}
}

// mix decodes every channel chunk and averages them into one mono stream
func (s *gatewaySession) mix(chunks [][]byte) ([]int16, error) {
	var channels [][]int16
	longest := 0
	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		pcm, err := s.decode(i, chunk)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		channels = append(channels, pcm)
		longest = max(longest, len(pcm))
	}

	switch len(channels) {
	case 0:
		return nil, nil
	case 1:
		return channels[0], nil
	}

	out := make([]int16, longest)
	for j := range out {
		sum, n := 0, 0
		for _, ch := range channels {
			if j < len(ch) {
				sum += int(ch[j])
				n++
			}
		}
		out[j] = int16(sum / n)
	}
	return out, nil
}

func (s *gatewaySession) decode(channel int, chunk []byte) ([]int16, error) {
	if s.codec != audio.CodecOpus {
		return audio.BytesToInt16(chunk), nil
	}
	dec, ok := s.decoders[channel]
	if !ok {
		var err error
		if dec, err = audio.NewOpusDecoder(s.rate, 1); err != nil {
			return nil, err
		}
		s.decoders[channel] = dec
	}
	return dec.DecodeStream(chunk)
}

// transcript updates the running text and pushes it to the client
func (c *conn) transcript(s *gatewaySession, text string, isFinal, isEnd bool) {
	s.mu.Lock()
	if text != "" {
		if isFinal {
			s.finals = append(s.finals, text)
			s.interim = ""
		} else {
			s.interim = text
		}
	}
	msg := protocol.Transcript{
		SessionID: s.id,
		SectionID: s.section,
		IsEnd:     isEnd,
		Text:      s.text(),
	}
	if s.docFormat != nil {
		msg.Fields = map[string]any{
			"format": *s.docFormat,
			"body":   msg.Text,
		}
	}
	s.mu.Unlock()

	if err := c.emit(protocol.EventTranscript, msg); err != nil {
		log.With("sessionId", s.id).WithError(err).Debug("Cannot push transcript.")
		return
	}
	c.g.metrics.transcripts.Inc()
}

// end closes the backend of s and detaches it from the connection
func (c *conn) end(s *gatewaySession) {
	if err := s.backend.Close(); err != nil {
		log.With("sessionId", s.id).WithError(err).Warn("Cannot close backend.")
	}
	if c.sess == s {
		c.sess = nil
	}
	c.g.metrics.active.Dec()
}

func (c *conn) streamError(sessionID, sectionID, reason string, err error) {
	log.With("sessionId", sessionID).
		With("reason", reason).
		WithError(err).
		Warn("Stream error.")
	c.g.metrics.errors.WithLabelValues(reason).Inc()

	if err := c.emit(protocol.EventStreamError, protocol.StreamError{
		SessionID: sessionID,
		SectionID: sectionID,
		Message:   err.Error(),
	}); err != nil {
		log.WithError(err).Debug("Cannot push stream error.")
	}
}

func (c *conn) emit(event string, payload any) error {
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) close() {
	if c.sess != nil {
		c.end(c.sess)
	}
	c.ws.Close()
	log.With("remote", c.remote).Debug("Client disconnected.")
}
