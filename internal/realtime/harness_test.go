package realtime_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-realtime-service/internal/auth"
	"github.com/tinywideclouds/go-realtime-service/internal/dispatch"
	"github.com/tinywideclouds/go-realtime-service/internal/health"
	rqueue "github.com/tinywideclouds/go-realtime-service/internal/platform/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	rt "github.com/tinywideclouds/go-realtime-service/internal/realtime"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/shutdown"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/internal/validation"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const waitFor = 2 * time.Second

var secret = []byte("test-secret-with-enough-entropy")

type harness struct {
	t        *testing.T
	server   *httptest.Server
	mr       *miniredis.Miniredis
	registry *registry.Registry
	rooms    *registry.Rooms
	disp     *dispatch.Dispatcher
	audit    *fakes.AuditSink
	users    *fakes.UserLookup
	monitor  *health.Monitor
	coord    *shutdown.Coordinator
	gate     *admissionGate
}

// admissionGate wraps the coordinator and can start refusing after a
// number of checks, to land a shutdown between the upgrade and Register.
type admissionGate struct {
	inner      rt.Admission
	calls      atomic.Int64
	closeAfter atomic.Int64
}

func (g *admissionGate) Accepting() bool {
	n := g.calls.Add(1)
	if limit := g.closeAfter.Load(); limit > 0 && n > limit {
		return false
	}
	return g.inner.Accepting()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	users := fakes.NewUserLookup(
		realtime.Identity{UserID: "alice", DisplayName: "Alice", Role: realtime.RoleUser},
		realtime.Identity{UserID: "bob", DisplayName: "Bob", Role: realtime.RoleUser},
		realtime.Identity{UserID: "root", DisplayName: "Root", Role: realtime.RoleAdmin},
	)
	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: secret})
	require.NoError(t, err)
	authenticator, err := auth.NewAuthenticator(verifier, users, 0, logger)
	require.NoError(t, err)

	monitor := health.NewMonitor(0, logger)
	reg := registry.New()
	rooms := registry.NewRooms()
	store, err := rqueue.NewRedisStore(rdb, 1000, 24*time.Hour, logger)
	require.NoError(t, err)
	q, err := queue.NewFailoverQueue(store, queue.NewMemoryStore(1000, 24*time.Hour), monitor, logger)
	require.NoError(t, err)
	disp, err := dispatch.New(reg, rooms, q, store, monitor, dispatch.Config{}, logger)
	require.NoError(t, err)

	audit := fakes.NewAuditSink()
	pol := policy.New(nil, audit, logger)
	announcer := presence.New(disp, reg, nil, nil, logger)
	coord := shutdown.New(reg, disp, 500*time.Millisecond, logger)
	gate := &admissionGate{inner: coord}

	cm, err := rt.NewConnectionManager(rt.Config{HandshakeTimeout: 500 * time.Millisecond}, rt.Dependencies{
		Authenticator: authenticator,
		Validator:     validation.New(0),
		Policy:        pol,
		Registry:      reg,
		Rooms:         rooms,
		Dispatcher:    disp,
		Presence:      announcer,
		Admission:     gate,
		Health:        monitor,
	}, logger)
	require.NoError(t, err)

	server := httptest.NewServer(cm.Handler())
	t.Cleanup(server.Close)

	return &harness{
		t: t, server: server, mr: mr, registry: reg, rooms: rooms, disp: disp,
		audit: audit, users: users, monitor: monitor, coord: coord, gate: gate,
	}
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/connect"
}

func (h *harness) token(userID string) string {
	tok, err := auth.Sign(secret, userID, "", "", time.Hour)
	require.NoError(h.t, err)
	return tok
}

// client reads every frame on a background goroutine.
type client struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan realtime.Frame
	closed chan struct{}
	syncN  atomic.Int64
}

func newClient(t *testing.T, conn *websocket.Conn) *client {
	c := &client{t: t, conn: conn, frames: make(chan realtime.Frame, 256), closed: make(chan struct{})}
	go func() {
		defer close(c.closed)
		for {
			var f realtime.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			c.frames <- f
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// connect dials as userID and waits for the connected event.
func (h *harness) connect(userID string) *client {
	h.t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + h.token(userID)}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.url(), header)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	c := newClient(h.t, conn)
	f := c.expect(realtime.EventConnected)
	var p realtime.ConnectedPayload
	require.NoError(h.t, json.Unmarshal(f.Data, &p))
	require.Equal(h.t, userID, p.UserID)
	return c
}

func (c *client) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(realtime.Frame{Event: event, Data: raw}))
}

// expect returns the next frame named event, skipping others.
func (c *client) expect(event string) realtime.Frame {
	c.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f := <-c.frames:
			if f.Event == event {
				return f
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %q", event)
			return realtime.Frame{}
		}
	}
}

// drain returns everything received within d.
func (c *client) drain(d time.Duration) []realtime.Frame {
	var out []realtime.Frame
	deadline := time.After(d)
	for {
		select {
		case f := <-c.frames:
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
}

// sync round-trips a command so earlier commands are known to be processed,
// and returns the frames received before the acknowledgment.
func (c *client) sync() []realtime.Frame {
	c.t.Helper()
	id := fmt.Sprintf("sync-%d", c.syncN.Add(1))
	c.send(realtime.EventNotificationRead, map[string]string{"notificationId": id})
	var before []realtime.Frame
	deadline := time.After(waitFor)
	for {
		select {
		case f := <-c.frames:
			if f.Event == realtime.EventNotificationReadAck && strings.Contains(string(f.Data), id) {
				return before
			}
			before = append(before, f)
		case <-deadline:
			c.t.Fatalf("timed out waiting for sync ack %s", id)
			return nil
		}
	}
}

func (c *client) close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	select {
	case <-c.closed:
	case <-time.After(waitFor):
	}
	_ = c.conn.Close()
}

func named(frames []realtime.Frame, event string) []realtime.Frame {
	var out []realtime.Frame
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func contextWithTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}
