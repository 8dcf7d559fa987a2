package main

import (
	"fmt"
	"net/http"

	log "github.com/echocat/slf4g"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"example.com/resume_bridge/client"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RoomHandler is the signalling endpoint of the audio rooms. Every track
// published by a peer is forwarded to all other peers of the room.
type RoomHandler struct {
	rooms   *Rooms
	metrics *gatewayMetrics
}

func (h *RoomHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Room upgrade failed.")
		return
	}
	defer conn.Close()

	var peer *Peer
	defer func() {
		if peer != nil {
			h.leave(peer)
		}
	}()

	for {
		var msg client.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Room read ended.")
			}
			return
		}

		log.With("type", msg.Type).
			With("client", msg.ClientID).
			Trace("Signal received.")

		if msg.Type == client.SignalJoin {
			if peer != nil {
				continue
			}
			if peer = h.join(conn, msg); peer == nil {
				return
			}
			continue
		}
		if peer == nil {
			continue
		}

		switch msg.Type {
		case client.SignalOffer:
			answer(peer, msg)
		case client.SignalAnswer:
			if err := peer.PeerConnection.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  msg.SDP,
			}); err != nil {
				log.With("peer", peer.ID).WithError(err).Warn("Failed to set remote description.")
			}
		case client.SignalCandidate:
			if err := peer.PeerConnection.AddICECandidate(webrtc.ICECandidateInit{
				Candidate: msg.Candidate,
			}); err != nil {
				log.With("peer", peer.ID).WithError(err).Warn("Failed to add ICE candidate.")
			}
		}
	}
}

func (h *RoomHandler) join(conn *websocket.Conn, msg client.SignalMessage) *Peer {
	if msg.ClientID == "" || msg.Room == "" {
		log.Warn("Join without client id or room.")
		return nil
	}
	log.With("peer", msg.ClientID).With("room", msg.Room).Info("Peer joining room.")

	pc, err := client.NewPeerConnection()
	if err != nil {
		log.WithError(err).Warn("Failed to create peer connection.")
		return nil
	}

	peer := &Peer{
		ID:             msg.ClientID,
		Conn:           conn,
		PeerConnection: pc,
		LocalTracks:    make(map[string]*webrtc.TrackLocalStaticRTP),
	}

	room := h.rooms.GetOrCreate(msg.Room)
	room.BroadcastExcept(peer.ID, client.SignalMessage{
		Type:     client.SignalPeerJoined,
		ClientID: peer.ID,
	})
	room.AddPeer(peer)
	h.metrics.rooms.Set(float64(h.rooms.Len()))

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := peer.SendMessage(client.SignalMessage{
			Type:      client.SignalCandidate,
			Candidate: candidate.ToJSON().Candidate,
		}); err != nil {
			log.With("peer", peer.ID).WithError(err).Debug("Cannot send ICE candidate.")
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		h.publish(room, peer, remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.With("peer", peer.ID).
			With("state", state.String()).
			Debug("Peer connection state changed.")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			h.leave(peer)
		}
	})

	for _, existing := range room.OtherPeers(peer.ID) {
		for _, track := range existing.tracks() {
			peer.forwardTo(track)
		}
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.With("peer", peer.ID).WithError(err).Warn("Failed to add transceiver.")
	}

	negotiate(peer)
	return peer
}

// publish forwards a track received from peer to everybody else in room
func (h *RoomHandler) publish(room *Room, peer *Peer, remote *webrtc.TrackRemote) {
	log.With("peer", peer.ID).
		With("codec", remote.Codec().MimeType).
		Info("Track published.")

	local, err := webrtc.NewTrackLocalStaticRTP(
		remote.Codec().RTPCodecCapability,
		fmt.Sprintf("audio-%s", peer.ID),
		fmt.Sprintf("stream-%s", peer.ID),
	)
	if err != nil {
		log.With("peer", peer.ID).WithError(err).Warn("Failed to create local track.")
		return
	}

	peer.mu.Lock()
	peer.LocalTracks[remote.ID()] = local
	peer.mu.Unlock()

	for _, other := range room.OtherPeers(peer.ID) {
		other.forwardTo(local)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := remote.Read(buf)
			if err != nil {
				log.With("peer", peer.ID).WithError(err).Debug("Published track ended.")
				return
			}
			if _, err := local.Write(buf[:n]); err != nil {
				return
			}
			h.metrics.rtpPackets.Inc()
		}
	}()
}

func (h *RoomHandler) leave(peer *Peer) {
	peer.mu.Lock()
	if peer.left {
		peer.mu.Unlock()
		return
	}
	peer.left = true
	peer.mu.Unlock()

	if room := peer.Room; room != nil {
		h.rooms.Leave(room, peer.ID)
		room.BroadcastExcept(peer.ID, client.SignalMessage{
			Type:     client.SignalPeerLeft,
			ClientID: peer.ID,
		})
		h.metrics.rooms.Set(float64(h.rooms.Len()))
	}

	if err := peer.PeerConnection.Close(); err != nil {
		log.With("peer", peer.ID).WithError(err).Debug("Cannot close peer connection.")
	}
	log.With("peer", peer.ID).Info("Peer left.")
}
