package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"bidid/internal/bctx"
	"bidid/internal/bus"
	"bidid/internal/enginetest"
	"bidid/internal/protocol"
	"bidid/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type wireMsg struct {
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Channel string          `json:"channel"`
	Result  json.RawMessage `json:"result"`
	Params  json.RawMessage `json:"params"`
}

func newWSFixture(t *testing.T) *websocket.Conn {
	t.Helper()
	log := zaptest.NewLogger(t)
	b := bus.New(log)
	eng := enginetest.New()
	tree := bctx.New(eng, b, log)
	eng.SetListener(tree)

	srv := New("127.0.0.1:0", session.NewHandler(tree, log), b, log)
	ts := httptest.NewServer(srv)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ts.Close()
		srv.cancel()
		_ = eng.Close()
	})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func recv(t *testing.T, conn *websocket.Conn) wireMsg {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wireMsg
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestServer_CommandRoundTrip(t *testing.T) {
	conn := newWSFixture(t)

	send(t, conn, map[string]any{
		"id": 1, "method": "browsingContext.create",
		"params": map[string]any{"type": "tab"},
	})
	msg := recv(t, conn)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(1), *msg.ID)

	var res protocol.CreateResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	assert.NotEmpty(t, res.Context)

	send(t, conn, map[string]any{
		"id": 2, "method": "browsingContext.getTree", "params": map[string]any{},
	})
	msg = recv(t, conn)
	var tree protocol.GetTreeResult
	require.NoError(t, json.Unmarshal(msg.Result, &tree))
	require.Len(t, tree.Contexts, 1)
	assert.Equal(t, res.Context, tree.Contexts[0].Context)
	assert.Equal(t, "about:blank", tree.Contexts[0].URL)
}

func TestServer_EventsAndResults(t *testing.T) {
	conn := newWSFixture(t)

	send(t, conn, map[string]any{
		"id": 1, "method": "session.subscribe", "channel": "CH",
		"params": map[string]any{"events": []string{"browsingContext"}},
	})
	msg := recv(t, conn)
	assert.Equal(t, "CH", msg.Channel)
	require.NotNil(t, msg.ID)

	send(t, conn, map[string]any{
		"id": 2, "method": "browsingContext.create",
		"params": map[string]any{"type": "tab"},
	})

	// Events on CH arrive before the unlabeled command result.
	var order []string
	for i := 0; i < 4; i++ {
		msg := recv(t, conn)
		if msg.ID != nil {
			order = append(order, "result")
			continue
		}
		assert.Equal(t, "CH", msg.Channel)
		order = append(order, msg.Method)
	}
	assert.Equal(t, []string{
		protocol.EventContextCreated,
		protocol.EventDOMContentLoaded,
		protocol.EventLoad,
		"result",
	}, order)
}

func TestServer_MalformedMessage(t *testing.T) {
	conn := newWSFixture(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := recv(t, conn)
	assert.Nil(t, msg.ID)
	assert.Equal(t, protocol.CodeInvalidArgument, msg.Error)

	// The connection survives a garbage message.
	send(t, conn, map[string]any{
		"id": 9, "method": "browsingContext.getTree", "params": map[string]any{},
	})
	msg = recv(t, conn)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(9), *msg.ID)
}

func TestServer_UnknownMethod(t *testing.T) {
	conn := newWSFixture(t)

	send(t, conn, map[string]any{"id": 3, "method": "session.status"})
	msg := recv(t, conn)
	assert.Equal(t, protocol.CodeUnknownMethod, msg.Error)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(3), *msg.ID)
}

func TestServer_PipelinedCommands(t *testing.T) {
	conn := newWSFixture(t)

	// Two creates in flight at once; both must resolve.
	send(t, conn, map[string]any{"id": 1, "method": "browsingContext.create", "params": map[string]any{"type": "tab"}})
	send(t, conn, map[string]any{"id": 2, "method": "browsingContext.create", "params": map[string]any{"type": "tab"}})

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		msg := recv(t, conn)
		require.NotNil(t, msg.ID)
		seen[*msg.ID] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}
