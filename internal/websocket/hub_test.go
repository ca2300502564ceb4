package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, hub *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", HandleWebSocket(hub, func(c *gin.Context) (string, error) {
		scope := c.Query("scope")
		if scope == "" {
			return "", errors.New("missing scope")
		}
		return scope, nil
	}))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestHub_NotifyNewMail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil, nil, nil)
	go hub.Run(ctx)
	url := newTestServer(t, hub)

	connA, _, err := websocket.DefaultDialer.Dial(url+"?scope=browser:a", nil)
	require.NoError(t, err)
	defer connA.Close()
	connB, _, err := websocket.DefaultDialer.Dial(url+"?scope=browser:b", nil)
	require.NoError(t, err)
	defer connB.Close()

	require.Eventually(t, func() bool {
		return hub.HasSubscribers("browser:a") && hub.HasSubscribers("browser:b")
	}, time.Second, 10*time.Millisecond)

	hub.NotifyNewMail("browser:a", NewMailData{Address: "x@a.test", Previous: 1, Current: 2})

	_ = connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, connA.ReadJSON(&msg))
	assert.Equal(t, MessageTypeNewMail, msg.Type)

	var data NewMailData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, 2, data.Current)

	// 其他作用域收不到
	_ = connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	assert.Error(t, connB.ReadJSON(&msg))
}

func TestHub_PingPongAndUnregister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil, nil, nil)
	go hub.Run(ctx)
	url := newTestServer(t, hub)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?scope=user:u1", nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypePing}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageTypePong, msg.Type)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return !hub.HasSubscribers("user:u1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleWebSocket_RejectsWithoutScope(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	url := newTestServer(t, hub)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
