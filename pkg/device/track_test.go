package device

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/hraban/opus.v2"
)

// opusPackets encodes n 20ms stereo frames of a constant tone into RTP
// packets
func opusPackets(t *testing.T, n int) [][]byte {
	t.Helper()
	enc, err := opus.NewEncoder(trackSampleRate, trackChannels, opus.AppVoIP)
	require.NoError(t, err)

	pcm := make([]int16, 960*trackChannels)
	for i := range pcm {
		pcm[i] = 1000
	}

	var out [][]byte
	for i := 0; i < n; i++ {
		data := make([]byte, 1275)
		m, err := enc.Encode(pcm, data)
		require.NoError(t, err)

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 960),
				SSRC:           1,
			},
			Payload: data[:m],
		}
		raw, err := pkt.Marshal()
		require.NoError(t, err)
		out = append(out, raw)
	}
	return out
}

func reader(packets [][]byte) PacketReader {
	ch := make(chan []byte, len(packets))
	for _, p := range packets {
		ch <- p
	}
	close(ch)
	return func(buf []byte) (int, error) {
		p, ok := <-ch
		if !ok {
			return 0, io.EOF
		}
		return copy(buf, p), nil
	}
}

func TestTrackSource_DecodesToMono(t *testing.T) {
	packets := opusPackets(t, 3)
	// garbage in between is skipped
	packets = append(packets[:1], append([][]byte{{0x01}}, packets[1:]...)...)

	src := NewPacketSource("main", reader(packets))
	assert.Equal(t, "main", src.Name())
	assert.Equal(t, 48000, src.SampleRate())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, src.Open(ctx))
	assert.Error(t, src.Open(ctx))

	for i := 0; i < 3; i++ {
		pcm, err := src.Read(ctx)
		require.NoError(t, err)
		assert.Len(t, pcm, 960)
	}

	_, err := src.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

func TestTrackSource_ReadBeforeOpen(t *testing.T) {
	src := NewPacketSource("main", reader(nil))
	_, err := src.Read(context.Background())
	assert.Error(t, err)
}

func TestRoomSelector_WaitsForTracks(t *testing.T) {
	sel := NewRoomSelector()

	go func() {
		time.Sleep(10 * time.Millisecond)
		sel.Add("alice", reader(nil))
		sel.Add("bob", reader(nil))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sources, err := sel.Select(ctx, []string{"main", "another"})
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "main", sources[0].Name())
	assert.Equal(t, "another", sources[1].Name())
}

func TestRoomSelector_TimeoutUsesAvailable(t *testing.T) {
	sel := NewRoomSelector()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sel.Select(ctx, []string{"main"})
	assert.ErrorIs(t, err, ErrNoDevices)

	sel.Add("alice", reader(nil))
	sel.Add("bob", reader(nil))
	sel.Remove("alice")
	sel.Remove("carol")

	sources, err := sel.Select(ctx, []string{"main", "another", "noise-cancelling"})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "main", sources[0].Name())
}
