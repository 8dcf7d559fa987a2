package main

import (
	log "github.com/echocat/slf4g"
	"github.com/pion/webrtc/v4"

	"example.com/resume_bridge/client"
)

// negotiate creates and sends an offer to the peer
func negotiate(peer *Peer) {
	offer, err := peer.PeerConnection.CreateOffer(nil)
	if err != nil {
		log.With("peer", peer.ID).WithError(err).Warn("Failed to create offer.")
		return
	}

	if err := peer.PeerConnection.SetLocalDescription(offer); err != nil {
		log.With("peer", peer.ID).WithError(err).Warn("Failed to set local description.")
		return
	}

	if err := peer.SendMessage(client.SignalMessage{
		Type: client.SignalOffer,
		SDP:  offer.SDP,
	}); err != nil {
		log.With("peer", peer.ID).WithError(err).Debug("Cannot send offer.")
	}
}

func answer(peer *Peer, msg client.SignalMessage) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  msg.SDP,
	}
	if err := peer.PeerConnection.SetRemoteDescription(offer); err != nil {
		log.With("peer", peer.ID).WithError(err).Warn("Failed to set remote description.")
		return
	}

	ans, err := peer.PeerConnection.CreateAnswer(nil)
	if err != nil {
		log.With("peer", peer.ID).WithError(err).Warn("Failed to create answer.")
		return
	}
	if err := peer.PeerConnection.SetLocalDescription(ans); err != nil {
		log.With("peer", peer.ID).WithError(err).Warn("Failed to set local description.")
		return
	}

	if err := peer.SendMessage(client.SignalMessage{
		Type: client.SignalAnswer,
		SDP:  ans.SDP,
	}); err != nil {
		log.With("peer", peer.ID).WithError(err).Debug("Cannot send answer.")
	}
}
