package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enrolid/backend/internal/core"
)

func dialHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) PushMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg PushMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestClientSubscribeAndReceive(t *testing.T) {
	hub, conn := dialHub(t)

	hello := readFrame(t, conn)
	assert.Equal(t, MsgConnectionEstablished, hello.Type)

	require.NoError(t, conn.WriteJSON(clientCommand{Action: "subscribe", ApplicationID: "app-1"}))
	confirmed := readFrame(t, conn)
	assert.Equal(t, MsgSubscriptionConfirmed, confirmed.Type)
	assert.Equal(t, "app-1", confirmed.ApplicationID)

	hub.Publish("app-1", MsgProcessingUpdate, ProgressPayload{
		Stage:    core.StageAnalyze,
		Status:   core.StatusProcessing,
		Progress: 30,
	})

	update := readFrame(t, conn)
	assert.Equal(t, MsgProcessingUpdate, update.Type)
	assert.Equal(t, "app-1", update.ApplicationID)
}

func TestPublishSkipsUnsubscribedClients(t *testing.T) {
	hub, conn := dialHub(t)
	readFrame(t, conn) // connection_established

	require.NoError(t, conn.WriteJSON(clientCommand{Action: "subscribe", ApplicationID: "app-1"}))
	readFrame(t, conn) // subscription_confirmed

	// A frame for another application must not reach this client.
	hub.Publish("app-other", MsgProcessingComplete, nil)
	hub.Publish("app-1", MsgProcessingComplete, nil)

	got := readFrame(t, conn)
	assert.Equal(t, "app-1", got.ApplicationID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, conn := dialHub(t)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(clientCommand{Action: "subscribe", ApplicationID: "app-1"}))
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(clientCommand{Action: "unsubscribe", ApplicationID: "app-1"}))
	require.Eventually(t, func() bool {
		_, subs := hub.Stats()
		return subs == 0
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish("app-1", MsgProcessingComplete, nil)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err) // deadline, nothing delivered
}

func TestStatsTracksConnections(t *testing.T) {
	hub, conn := dialHub(t)
	readFrame(t, conn)

	require.Eventually(t, func() bool {
		clients, _ := hub.Stats()
		return clients == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(clientCommand{Action: "subscribe", ApplicationID: "app-1"}))
	readFrame(t, conn)

	clients, subs := hub.Stats()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 1, subs)

	conn.Close()
	require.Eventually(t, func() bool {
		clients, subs := hub.Stats()
		return clients == 0 && subs == 0
	}, 2*time.Second, 10*time.Millisecond)
}
