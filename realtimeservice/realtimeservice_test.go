package realtimeservice_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-realtime-service/internal/auth"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

const jwtSecret = "service-test-secret"

func newTestConfig(mr *miniredis.Miniredis) *config.AppConfig {
	return &config.AppConfig{
		APIPort:            "0",
		WebSocketPort:      "0",
		IdentityServiceURL: "http://identity.invalid",
		JWTSecret:          jwtSecret,
		RedisAddr:          mr.Addr(),
		Queue:              config.QueueConfig{MaxLength: 1000, TTL: time.Hour},
		DrainTimeout:       time.Second,
	}
}

func newService(t *testing.T) (*realtimeservice.Wrapper, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	users := fakes.NewUserLookup(realtime.Identity{UserID: "alice", DisplayName: "Alice", Role: realtime.RoleUser})
	svc, err := realtimeservice.New(newTestConfig(mr), realtimeservice.Dependencies{Redis: rdb, Users: users}, zerolog.Nop())
	require.NoError(t, err)
	return svc, mr, rdb
}

func sign(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.Sign([]byte(jwtSecret), subject, subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestNew_RequiresDependencies(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := realtimeservice.New(newTestConfig(mr), realtimeservice.Dependencies{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestWrapper_Lifecycle(t *testing.T) {
	svc, mr, rdb := newService(t)

	startErr := make(chan error, 1)
	go func() { startErr <- svc.Start(context.Background()) }()
	select {
	case <-svc.Ready():
	case err := <-startErr:
		t.Fatalf("service failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not become ready")
	}
	baseURL := "http://" + svc.Addr()

	resp, err := http.Get(baseURL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Alice is offline, so the notification is queued in Redis.
	body, _ := json.Marshal(map[string]any{"userId": "alice", "type": "order", "message": "Shipped"})
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/notifications", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+sign(t, "svc-orders", realtime.RoleService))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	queued, err := mr.List("notifications:queue:alice")
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	// Alice connects and receives the queued notification after connected.
	ws := httptest.NewServer(svc.ConnectionManager().Handler())
	defer ws.Close()
	header := http.Header{"Authorization": []string{"Bearer " + sign(t, "alice", realtime.RoleUser)}}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ws.URL, "http")+"/connect", header)
	require.NoError(t, err)
	defer conn.Close()

	var events []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(events) < 2 {
		var frame realtime.OutboundEvent
		require.NoError(t, conn.ReadJSON(&frame))
		events = append(events, frame.Event)
	}
	assert.Equal(t, []string{realtime.EventConnected, realtime.EventNotification}, events)

	require.NoError(t, conn.WriteJSON(map[string]any{"event": realtime.EventRoomJoin, "data": map[string]any{"room": "admin"}}))
	var denied realtime.OutboundEvent
	require.NoError(t, conn.ReadJSON(&denied))
	assert.Equal(t, realtime.EventError, denied.Event)

	// Keep reading so the close handshake completes during the drain.
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	require.NoError(t, svc.ConnectionManager().Shutdown(ctx))

	select {
	case err := <-startErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}

	// The audit sink was flushed to the stream on shutdown.
	entries, err := rdb.XRange(context.Background(), "audit:rooms", "-", "+").Result()
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "admin", entries[0].Values["room"])
	assert.Equal(t, "false", entries[0].Values["authorized"])
}
