package main

import (
	"sync"

	log "github.com/echocat/slf4g"

	"example.com/resume_bridge/client"
)

// Room holds every peer publishing or listening in one ward, clinic or
// meeting
type Room struct {
	ID    string
	Peers map[string]*Peer
	mu    sync.RWMutex
}

// AddPeer adds a peer to the room
func (r *Room) AddPeer(peer *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Peers[peer.ID] = peer
	peer.Room = r
}

// RemovePeer removes a peer and reports whether the room is now empty
func (r *Room) RemovePeer(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Peers, peerID)
	return len(r.Peers) == 0
}

// OtherPeers returns all peers except the one with excludeID
func (r *Room) OtherPeers(excludeID string) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.Peers))
	for id, peer := range r.Peers {
		if id != excludeID {
			peers = append(peers, peer)
		}
	}
	return peers
}

// BroadcastExcept sends a message to all peers except the one with excludeID
func (r *Room) BroadcastExcept(excludeID string, msg client.SignalMessage) {
	for _, peer := range r.OtherPeers(excludeID) {
		if err := peer.SendMessage(msg); err != nil {
			log.With("peer", peer.ID).WithError(err).Debug("Cannot notify peer.")
		}
	}
}

// Rooms manages all rooms of one server
type Rooms struct {
	rooms map[string]*Room
	mu    sync.Mutex
}

// NewRooms creates an empty room registry
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]*Room)}
}

// GetOrCreate returns an existing room or creates a new one
func (rm *Rooms) GetOrCreate(roomID string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if room, exists := rm.rooms[roomID]; exists {
		return room
	}

	room := &Room{
		ID:    roomID,
		Peers: make(map[string]*Peer),
	}
	rm.rooms[roomID] = room
	return room
}

// Leave removes a peer and drops its room once empty
func (rm *Rooms) Leave(room *Room, peerID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if room.RemovePeer(peerID) {
		delete(rm.rooms, room.ID)
	}
}

// Len returns the number of open rooms
func (rm *Rooms) Len() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.rooms)
}
