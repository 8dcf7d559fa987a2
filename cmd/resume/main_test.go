package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"example.com/resume_bridge/pkg/protocol"
)

func TestParseIdentifier(t *testing.T) {
	assert.Nil(t, parseIdentifier(""))
	assert.Equal(t, map[string]any{"hn": "42"}, parseIdentifier(`{"hn":"42"}`))
	assert.Equal(t, float64(7), parseIdentifier("7"))
	assert.Equal(t, "HN-42", parseIdentifier("HN-42"))
}

func TestAbbreviate(t *testing.T) {
	assert.Equal(t, "short", abbreviate("short", 10))
	assert.Equal(t, "ตับอั…", abbreviate("ตับอักเสบ", 6))
}

func TestApp_FlagsOverrideConfig(t *testing.T) {
	a := &app{}
	a.configFromFlags.Gateway.URL = "ws://flag/stream"
	cfg, err := a.config()
	assert.NoError(t, err)
	assert.Equal(t, "ws://flag/stream", cfg.Gateway.URL)
}

func TestAwaitFinal(t *testing.T) {
	none := func() (protocol.Transcript, bool, bool) { return protocol.Transcript{}, false, false }
	interim := func() (protocol.Transcript, bool, bool) {
		return protocol.Transcript{Text: "partial"}, false, true
	}

	finals := make(chan protocol.Transcript, 1)
	finals <- protocol.Transcript{Text: "final", IsEnd: true}
	assert.Equal(t, "final", awaitFinal(finals, interim, time.Second))

	assert.Equal(t, "partial", awaitFinal(finals, interim, 10*time.Millisecond))
	assert.Equal(t, "", awaitFinal(finals, none, 10*time.Millisecond))
}
