package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	frame, err := Marshal(EventClientInit, HandshakeRequest{RequestID: "r", SectionID: "0"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, EventClientInit, env.Event)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &raw))
	assert.Contains(t, raw, "doc_format")
	assert.Nil(t, raw["doc_format"])
	assert.NotContains(t, raw, "codec")

	frame, err = Marshal(EventConnect, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"connection"}`, string(frame))

	_, err = Marshal(EventClientInit, func() {})
	assert.Error(t, err)
}

func TestStreamError(t *testing.T) {
	err := StreamError{SessionID: "S1", SectionID: "4", Message: "backend down"}
	assert.Equal(t, "stream error (session S1, section 4): backend down", err.Error())
}

func TestStreamUnitChunksEncodeAsBase64(t *testing.T) {
	b, err := json.Marshal(StreamUnit{Chunks: [][]byte{{1, 2}, nil}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"chunks":["AQI=",null]`)
}
