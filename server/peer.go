package main

import (
	"sync"

	log "github.com/echocat/slf4g"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"example.com/resume_bridge/client"
)

// Peer is one participant connected to the room endpoint
type Peer struct {
	ID             string
	Conn           *websocket.Conn
	PeerConnection *webrtc.PeerConnection
	Room           *Room
	LocalTracks    map[string]*webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	writeMu sync.Mutex
	left    bool
}

// SendMessage sends a signalling message to the peer
func (p *Peer) SendMessage(msg client.SignalMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.Conn.WriteJSON(msg)
}

// forwardTo adds a track to the peer and triggers renegotiation
func (p *Peer) forwardTo(track *webrtc.TrackLocalStaticRTP) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		log.With("peer", p.ID).WithError(err).Warn("Failed to add track.")
		return
	}

	// RTCP must be drained for the interceptors to keep working
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	negotiate(p)
}

// tracks returns the tracks this peer publishes
func (p *Peer) tracks() []*webrtc.TrackLocalStaticRTP {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*webrtc.TrackLocalStaticRTP, 0, len(p.LocalTracks))
	for _, t := range p.LocalTracks {
		out = append(out, t)
	}
	return out
}
