package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/echocat/slf4g"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// Signal message types of the room protocol
const (
	SignalJoin       = "join"
	SignalOffer      = "offer"
	SignalAnswer     = "answer"
	SignalCandidate  = "candidate"
	SignalPeerJoined = "peer_joined"
	SignalPeerLeft   = "peer_left"
)

// SignalMessage is one signalling frame exchanged with the room server
type SignalMessage struct {
	Type      string `json:"type"`
	Room      string `json:"room,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// TrackCallback receives every remote audio track published in the room
type TrackCallback func(peerID string, track *webrtc.TrackRemote)

// PeerEventCallback is called when peers join or leave
type PeerEventCallback func(peerID string, joined bool)

// Bridge joins a room as a listener and surfaces the audio tracks of the
// other peers, so remote participants can be recorded like microphones
type Bridge struct {
	ID        string
	ServerURL string
	Room      string

	conn           *websocket.Conn
	peerConnection *webrtc.PeerConnection
	onTrack        TrackCallback
	onPeerEvent    PeerEventCallback

	mu        sync.Mutex
	writeMu   sync.Mutex
	connected bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBridge creates a room listener identified by id
func NewBridge(id, serverURL string) *Bridge {
	return &Bridge{
		ID:        id,
		ServerURL: serverURL,
	}
}

// OnTrack sets the callback for remote tracks. Set it before Connect.
func (b *Bridge) OnTrack(callback TrackCallback) {
	b.onTrack = callback
}

// OnPeerEvent sets the callback for peer join/leave events
func (b *Bridge) OnPeerEvent(callback PeerEventCallback) {
	b.onPeerEvent = callback
}

// Connect dials the room server and joins room
func (b *Bridge) Connect(ctx context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	pc, err := NewPeerConnection()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	b.conn = conn
	b.peerConnection = pc
	b.Room = room
	b.done = make(chan struct{})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := b.send(SignalMessage{
			Type:      SignalCandidate,
			Candidate: candidate.ToJSON().Candidate,
		}); err != nil {
			log.With("bridge", b.ID).WithError(err).Debug("Cannot send ICE candidate.")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		peerID := strings.TrimPrefix(track.StreamID(), "stream-")
		log.With("bridge", b.ID).
			With("peer", peerID).
			With("track", track.ID()).
			Info("Remote track received.")
		if b.onTrack != nil {
			go b.onTrack(peerID, track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.With("bridge", b.ID).
			With("state", state.String()).
			Debug("Peer connection state changed.")
	})

	b.wg.Add(1)
	go b.handleMessages(conn, pc)

	// The server sends the first offer once the join is processed
	if err := b.send(SignalMessage{
		Type:     SignalJoin,
		Room:     room,
		ClientID: b.ID,
	}); err != nil {
		pc.Close()
		conn.Close()
		return fmt.Errorf("cannot join room %s: %w", room, err)
	}

	b.connected = true
	log.With("bridge", b.ID).With("room", room).Info("Joined room.")
	return nil
}

// NewPeerConnection creates a peer connection restricted to Opus audio
func NewPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: OpusCapability,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	return api.NewPeerConnection(config)
}

// OpusCapability is the only codec negotiated in rooms
var OpusCapability = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

func (b *Bridge) handleMessages(conn *websocket.Conn, pc *webrtc.PeerConnection) {
	defer b.wg.Done()

	for {
		var msg SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-b.done:
			default:
				log.With("bridge", b.ID).WithError(err).Warn("Signalling read failed.")
			}
			return
		}

		switch msg.Type {
		case SignalOffer:
			b.handleOffer(pc, msg)
		case SignalAnswer:
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  msg.SDP,
			}); err != nil {
				log.With("bridge", b.ID).WithError(err).Warn("Failed to set remote description.")
			}
		case SignalCandidate:
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Candidate}); err != nil {
				log.With("bridge", b.ID).WithError(err).Warn("Failed to add ICE candidate.")
			}
		case SignalPeerJoined, SignalPeerLeft:
			joined := msg.Type == SignalPeerJoined
			log.With("bridge", b.ID).
				With("peer", msg.ClientID).
				With("joined", joined).
				Info("Room membership changed.")
			if b.onPeerEvent != nil {
				b.onPeerEvent(msg.ClientID, joined)
			}
		}
	}
}

func (b *Bridge) handleOffer(pc *webrtc.PeerConnection, msg SignalMessage) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		log.With("bridge", b.ID).WithError(err).Warn("Failed to set remote description.")
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.With("bridge", b.ID).WithError(err).Warn("Failed to create answer.")
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.With("bridge", b.ID).WithError(err).Warn("Failed to set local description.")
		return
	}

	if err := b.send(SignalMessage{Type: SignalAnswer, SDP: answer.SDP}); err != nil {
		log.With("bridge", b.ID).WithError(err).Warn("Cannot send answer.")
	}
}

func (b *Bridge) send(msg SignalMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(msg)
}

// Disconnect leaves the room
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	close(b.done)
	pc, conn := b.peerConnection, b.conn
	b.mu.Unlock()

	if err := pc.Close(); err != nil {
		log.With("bridge", b.ID).WithError(err).Debug("Cannot close peer connection.")
	}
	conn.Close()
	b.wg.Wait()

	log.With("bridge", b.ID).Info("Left room.")
	return nil
}

// IsConnected returns whether the bridge has joined a room
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}
