package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/assessor/model"
)

func TestServeWebSocket(t *testing.T) {
	store := NewMemorySessionStore(0)
	workflows := fakeWorkflows{"wf-1": {ID: "wf-1", CreatedBy: "owner"}}
	hub := NewHub(store, workflows, Settings{HeartbeatInterval: time.Minute}, nil, nil)
	session, err := hub.CreateSession(context.Background(), Actor{UserID: "owner"}, "wf-1", nil)
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeWebSocket(r.Context(), ws, "owner", "Owner", WSOptions{WriteTimeout: time.Second, MaxMessageBytes: 1 << 16})
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg model.CollabMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, model.MsgConnectionEstablished, msg.Type)

	require.NoError(t, ws.WriteJSON(model.CollabMessage{Type: model.MsgJoinSession, SessionID: session.ID}))
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, model.MsgUserJoined, msg.Type)
	assert.Equal(t, "owner", msg.UserID)
	assert.Equal(t, "Owner", msg.UserName)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		stored, err := store.GetSession(context.Background(), session.ID)
		return err == nil && stored.Status == model.SessionStatusEnded
	}, 5*time.Second, 10*time.Millisecond)
	conns, _ := hub.Stats()
	assert.Zero(t, conns)
}
