package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/resume_bridge/client"
)

func TestRooms_Lifecycle(t *testing.T) {
	rooms := NewRooms()
	r := rooms.GetOrCreate("ward-3")
	assert.Same(t, r, rooms.GetOrCreate("ward-3"))

	r.AddPeer(&Peer{ID: "a"})
	r.AddPeer(&Peer{ID: "b"})
	assert.Len(t, r.OtherPeers("a"), 1)
	assert.Equal(t, 1, rooms.Len())

	rooms.Leave(r, "a")
	assert.Equal(t, 1, rooms.Len())
	rooms.Leave(r, "b")
	assert.Equal(t, 0, rooms.Len())
}

func TestRoomHandler_PeerEvents(t *testing.T) {
	mux, err := newMux(serverConfig{backend: "echo"}, prometheus.NewRegistry())
	require.NoError(t, err)
	h := newHarnessServer(t, mux)
	url := "ws" + strings.TrimPrefix(h, "http") + "/rtc"

	first := client.NewBridge("recorder", url)
	events := make(chan string, 4)
	first.OnPeerEvent(func(peerID string, joined bool) {
		if joined {
			events <- "joined:" + peerID
		} else {
			events <- "left:" + peerID
		}
	})
	require.NoError(t, first.Connect(context.Background(), "ward-3"))
	defer first.Disconnect()

	// Join is processed before the next read, give it a moment
	time.Sleep(50 * time.Millisecond)

	second := client.NewBridge("doctor", url)
	require.NoError(t, second.Connect(context.Background(), "ward-3"))
	assert.Equal(t, "joined:doctor", receive(t, events))

	require.NoError(t, second.Disconnect())
	assert.Equal(t, "left:doctor", receive(t, events))
}
