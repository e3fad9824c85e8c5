package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMarshalsFrame(t *testing.T) {
	c := newConn(nil, zerolog.Nop())

	require.NoError(t, c.Send("updateFlags", map[string]any{"proMode": true}))

	select {
	case payload := <-c.send:
		assert.JSONEq(t, `{"event":"updateFlags","data":{"proMode":true}}`, string(payload))
	default:
		t.Fatal("no frame queued")
	}
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	c := newConn(nil, zerolog.Nop())

	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, c.Send("left", i))
	}
	assert.ErrorIs(t, c.Send("left", sendBufferSize), errSlowConsumer)
}

func TestSendAfterClose(t *testing.T) {
	c := newConn(nil, zerolog.Nop())
	close(c.done)

	assert.ErrorIs(t, c.Send("left", nil), errClosed)
}

func TestReadPumpFiltersFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer sock.Close()

		require.NoError(t, sock.WriteMessage(websocket.BinaryMessage, []byte("ignored")))
		require.NoError(t, sock.WriteMessage(websocket.TextMessage, []byte("{not json")))
		require.NoError(t, sock.WriteMessage(websocket.TextMessage, []byte(`{"data":{"x":1}}`)))
		require.NoError(t, sock.WriteMessage(websocket.TextMessage, []byte(`{"event":"registerRider","data":{"sessId":"abc"}}`)))
		require.NoError(t, sock.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := newConn(sock, zerolog.Nop())
	defer c.close()

	var frames []frame
	finished := make(chan struct{})
	go func() {
		c.readPump(func(f frame) {
			frames = append(frames, f)
		})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("read pump did not finish")
	}

	require.Len(t, frames, 1)
	assert.Equal(t, "registerRider", frames[0].Event)
	assert.JSONEq(t, `{"sessId":"abc"}`, string(frames[0].Data))
}

func TestFrameDataPassthrough(t *testing.T) {
	var f frame
	raw := `{"event":"left","data":{"sessId":"s","driverToken":"t","volume":40,"freq":500}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	assert.Equal(t, "left", f.Event)
	assert.JSONEq(t, `{"sessId":"s","driverToken":"t","volume":40,"freq":500}`, string(f.Data))
}
