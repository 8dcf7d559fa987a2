package device

import (
	"context"
	"fmt"
	"io"
	"sync"

	log "github.com/echocat/slf4g"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"example.com/resume_bridge/pkg/audio"
	"example.com/resume_bridge/pkg/recorder"
)

const (
	trackSampleRate = 48000
	trackChannels   = 2
)

// PacketReader reads one raw RTP packet into buf
type PacketReader func(buf []byte) (int, error)

// TrackSource exposes a remote Opus track as a capture device
type TrackSource struct {
	label string
	read  PacketReader

	mu     sync.Mutex
	frames chan []int16
	cancel context.CancelFunc
	err    error
}

// NewPacketSource creates a source reading RTP packets from read
func NewPacketSource(label string, read PacketReader) *TrackSource {
	return &TrackSource{label: label, read: read}
}

func (t *TrackSource) Name() string    { return t.label }
func (t *TrackSource) SampleRate() int { return trackSampleRate }

// Open starts decoding packets in the background
func (t *TrackSource) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frames != nil {
		return fmt.Errorf("track %s already open", t.label)
	}

	dec, err := audio.NewOpusDecoder(trackSampleRate, trackChannels)
	if err != nil {
		return fmt.Errorf("failed to create opus decoder: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	t.frames = make(chan []int16, 50)
	t.cancel = cancel
	t.err = nil

	go t.pump(pumpCtx, dec, t.frames)
	return nil
}

func (t *TrackSource) pump(ctx context.Context, dec *audio.OpusDecoder, frames chan<- []int16) {
	defer close(frames)

	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, err := t.read(buf)
		if err != nil {
			t.fail(err)
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.With("track", t.label).
				WithError(err).
				Debug("Dropping malformed RTP packet.")
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			log.With("track", t.label).
				WithError(err).
				Debug("Dropping undecodable opus packet.")
			continue
		}

		select {
		case frames <- audio.ToMono(pcm, trackChannels):
		case <-ctx.Done():
			return
		}
	}
}

func (t *TrackSource) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Read returns the next decoded frame. io.EOF is returned once the track
// has ended.
func (t *TrackSource) Read(ctx context.Context) ([]int16, error) {
	t.mu.Lock()
	frames := t.frames
	t.mu.Unlock()
	if frames == nil {
		return nil, fmt.Errorf("track %s not open", t.label)
	}

	select {
	case pcm, ok := <-frames:
		if ok {
			return pcm, nil
		}
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		if err == nil || err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops consuming the track. The underlying track is owned by the
// peer connection and stays open.
func (t *TrackSource) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.frames = nil
	return nil
}

// RoomSelector hands out tracks of remote room peers as microphones, in
// the order the peers published them
type RoomSelector struct {
	mu     sync.Mutex
	peers  []string
	tracks map[string]PacketReader
	added  chan struct{}
}

// NewRoomSelector creates an empty selector
func NewRoomSelector() *RoomSelector {
	return &RoomSelector{
		tracks: make(map[string]PacketReader),
		added:  make(chan struct{}),
	}
}

// AddTrack registers a remote track as the next available microphone
func (s *RoomSelector) AddTrack(peerID string, track *webrtc.TrackRemote) {
	s.Add(peerID, func(buf []byte) (int, error) {
		n, _, err := track.Read(buf)
		return n, err
	})
	log.With("peer", peerID).
		With("codec", track.Codec().MimeType).
		Debug("Remote track registered.")
}

// Add registers a packet reader as the next available microphone. A peer
// publishing again replaces its previous track.
func (s *RoomSelector) Add(peerID string, read PacketReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[peerID]; !ok {
		s.peers = append(s.peers, peerID)
	}
	s.tracks[peerID] = read
	close(s.added)
	s.added = make(chan struct{})

	log.With("peer", peerID).Info("Room track available.")
}

// Remove forgets the track of a peer that left the room
func (s *RoomSelector) Remove(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[peerID]; !ok {
		return
	}
	delete(s.tracks, peerID)
	for i, p := range s.peers {
		if p == peerID {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			break
		}
	}
}

// Select waits until one track per name is available or ctx is done. On
// ctx expiry the tracks seen so far are used, and ErrNoDevices is
// returned when there are none.
func (s *RoomSelector) Select(ctx context.Context, names []string) ([]recorder.Source, error) {
	if len(names) == 0 {
		names = []string{"default"}
	}

wait:
	for {
		s.mu.Lock()
		have := len(s.peers)
		added := s.added
		s.mu.Unlock()

		if have >= len(names) {
			break
		}
		select {
		case <-added:
		case <-ctx.Done():
			break wait
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) == 0 {
		return nil, ErrNoDevices
	}

	n := min(len(names), len(s.peers))
	sources := make([]recorder.Source, n)
	for i := 0; i < n; i++ {
		log.With("microphone", names[i]).
			With("peer", s.peers[i]).
			Debug("Room track assigned.")
		sources[i] = NewPacketSource(names[i], s.tracks[s.peers[i]])
	}
	return sources, nil
}
