package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/resume_bridge/pkg/stt"
)

func result(text string, final bool) string {
	f := "false"
	if final {
		f = "true"
	}
	return `{"type":"Results","is_final":` + f + `,"channel":{"alternatives":[{"transcript":"` + text + `","confidence":0.9}]}}`
}

func fakeDeepgram(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token key", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "16000", q.Get("sample_rate"))
		assert.Equal(t, "th-TH", q.Get("language"))
		assert.Equal(t, []string{"ตับ", "ไต"}, q["keywords"])

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(result("hel", false)))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"UtteranceEnd"}`))
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(result("hello", true)))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_StreamAndDrain(t *testing.T) {
	srv := fakeDeepgram(t)
	c := NewClient(stt.Config{
		APIKey:    "key",
		BaseURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Languages: []string{"th-TH", "en-US"},
		Keywords:  []string{"ตับ", "ไต"},
	})

	var mu sync.Mutex
	var finals, interims []string
	c.OnTranscript(func(text string, isFinal bool) {
		mu.Lock()
		defer mu.Unlock()
		if isFinal {
			finals = append(finals, text)
		} else {
			interims = append(interims, text)
		}
	})
	utterances := make(chan struct{}, 1)
	c.OnUtteranceEnd(func() { utterances <- struct{}{} })

	assert.ErrorIs(t, c.SendAudio([]byte{0, 0}), stt.ErrNotConnected)
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	require.NoError(t, c.SendAudio(make([]byte, 640)))
	<-utterances

	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hel"}, interims)
	assert.Equal(t, []string{"hello"}, finals)
}
