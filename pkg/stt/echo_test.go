package stt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcho(t *testing.T) {
	e := NewEcho(Config{SampleRate: 16000})
	assert.ErrorIs(t, e.SendAudio([]byte{1, 2}), ErrNotConnected)

	var got []string
	e.OnTranscript(func(text string, isFinal bool) {
		assert.True(t, isFinal)
		got = append(got, text)
	})
	ended := 0
	e.OnUtteranceEnd(func() { ended++ })

	require.NoError(t, e.Connect(context.Background()))
	assert.True(t, e.IsConnected())

	require.NoError(t, e.SendAudio(make([]byte, 32000)))
	require.NoError(t, e.SendAudio(nil))
	require.NoError(t, e.SendAudio(make([]byte, 3200)))
	assert.Equal(t, []string{"[segment 1: 1s]", "[segment 2: 100ms]"}, got)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, ended)
	assert.False(t, e.IsConnected())
}
