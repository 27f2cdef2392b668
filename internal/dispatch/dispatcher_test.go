package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-realtime-service/internal/dispatch"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

var alice = realtime.Identity{UserID: "alice", DisplayName: "Alice", Role: realtime.RoleUser}

type testFixture struct {
	reg   *registry.Registry
	rooms *registry.Rooms
	store *queue.MemoryStore
	disp  *dispatch.Dispatcher
}

type failingReceipts struct{}

func (failingReceipts) MarkRead(context.Context, string, string) error {
	return errors.New("redis down")
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	reg := registry.New()
	rooms := registry.NewRooms()
	store := queue.NewMemoryStore(0, time.Hour)
	q, err := queue.NewFailoverQueue(store, queue.NewMemoryStore(0, time.Hour), nil, zerolog.Nop())
	require.NoError(t, err)
	disp, err := dispatch.New(reg, rooms, q, store, nil, dispatch.Config{}, zerolog.Nop())
	require.NoError(t, err)
	return &testFixture{reg: reg, rooms: rooms, store: store, disp: disp}
}

func (fx *testFixture) connect(id string, identity realtime.Identity, limit int) *fakes.Handle {
	h := fakes.NewHandle(id, identity, limit)
	fx.reg.Register(identity, h)
	return h
}

func payloads(h *fakes.Handle) []realtime.NotificationPayload {
	var out []realtime.NotificationPayload
	for _, e := range h.EventsNamed(realtime.EventNotification) {
		out = append(out, e.Data.(realtime.NotificationPayload))
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := dispatch.New(nil, registry.NewRooms(), nil, nil, nil, dispatch.Config{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = dispatch.New(registry.New(), registry.NewRooms(), nil, nil, nil, dispatch.Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestSendNotificationToUser_OnlineAllTabs(t *testing.T) {
	fx := setup(t)
	tab1 := fx.connect("c1", alice, 0)
	tab2 := fx.connect("c2", alice, 0)

	res, err := fx.disp.SendNotificationToUser(context.Background(), "alice", realtime.Notification{Type: "info", Message: "hi"})
	require.NoError(t, err)

	assert.True(t, res.Online)
	assert.False(t, res.Queued)
	assert.Equal(t, 2, res.Delivered)
	assert.NotEmpty(t, res.NotificationID)
	require.Len(t, payloads(tab1), 1)
	require.Len(t, payloads(tab2), 1)
	assert.Equal(t, "hi", payloads(tab1)[0].Message)
	assert.Nil(t, payloads(tab1)[0].QueuedAt)
	assert.Equal(t, 0, fx.store.Len("alice"))
}

func TestSendNotificationToUser_OfflineQueuesAndReplays(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := fx.disp.SendNotificationToUser(ctx, "alice", realtime.Notification{ID: fmt.Sprintf("n%d", i), Type: "info", Message: "m"})
		require.NoError(t, err)
		assert.True(t, res.Queued)
		assert.False(t, res.Online)
	}
	assert.Equal(t, 3, fx.store.Len("alice"))

	h := fx.connect("c1", alice, 0)
	n, err := fx.disp.SendQueuedNotifications(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := payloads(h)
	require.Len(t, got, 3)
	for i, p := range got {
		assert.Equal(t, fmt.Sprintf("n%d", i+1), p.ID)
		require.NotNil(t, p.QueuedAt)
	}
	assert.Equal(t, 0, fx.store.Len("alice"))

	// a second reconnect gets nothing
	n, err = fx.disp.SendQueuedNotifications(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendNotificationToUser_FullBuffersFallBackToQueue(t *testing.T) {
	fx := setup(t)
	h := fx.connect("c1", alice, 1)
	require.True(t, h.TryDeliver(realtime.OutboundEvent{Event: "filler"}))

	res, err := fx.disp.SendNotificationToUser(context.Background(), "alice", realtime.Notification{Message: "m"})
	require.NoError(t, err)
	assert.True(t, res.Online)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, fx.store.Len("alice"))
}

func TestSendNotificationToUser_RequiresUser(t *testing.T) {
	fx := setup(t)
	_, err := fx.disp.SendNotificationToUser(context.Background(), "", realtime.Notification{})
	assert.ErrorIs(t, err, realtime.ErrValidation)
	assert.ErrorIs(t, fx.disp.QueueNotificationForOfflineUser(context.Background(), "", realtime.Notification{}), realtime.ErrValidation)
}

func TestSendQueuedNotifications_InterruptedKeepsRemainder(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, fx.disp.QueueNotificationForOfflineUser(ctx, "alice", realtime.Notification{ID: fmt.Sprintf("n%d", i)}))
	}

	h := fx.connect("c1", alice, 0)
	h.FailAfter = 1
	n, err := fx.disp.SendQueuedNotifications(ctx, "alice", "c1")
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, fx.store.Len("alice"))

	h2 := fx.connect("c2", alice, 0)
	n, err = fx.disp.SendQueuedNotifications(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got := payloads(h2)
	assert.Equal(t, "n2", got[0].ID)
	assert.Equal(t, "n3", got[1].ID)
}

func TestSendQueuedNotifications_SlowReplayDoesNotBlockOtherUsers(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.disp.QueueNotificationForOfflineUser(ctx, "alice", realtime.Notification{Type: "info", Message: fmt.Sprint(i)}))
	}

	h := fx.connect("c1", alice, 0)
	h.Gate = make(chan struct{})
	replayed := make(chan error, 1)
	go func() {
		_, err := fx.disp.SendQueuedNotifications(ctx, "alice", "c1")
		replayed <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// More users than any fixed lock table would hold, so one of them is
	// bound to share a slot with alice if locks were striped.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_, _ = fx.disp.SendNotificationToUser(ctx, fmt.Sprintf("user-%d", i), realtime.Notification{Type: "info", Message: "hi"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("other users waited on alice's replay")
	}

	close(h.Gate)
	require.NoError(t, <-replayed)
	assert.Len(t, payloads(h), 3)
	assert.Equal(t, 1, fx.store.Len("user-7"))
}

func TestClearQueuedNotifications(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	require.NoError(t, fx.disp.QueueNotificationForOfflineUser(ctx, "alice", realtime.Notification{Type: "info", Message: "a"}))
	require.NoError(t, fx.disp.QueueNotificationForOfflineUser(ctx, "bob", realtime.Notification{Type: "info", Message: "b"}))

	require.NoError(t, fx.disp.ClearQueuedNotifications(ctx, "alice"))
	assert.Equal(t, 0, fx.store.Len("alice"))
	assert.Equal(t, 1, fx.store.Len("bob"))

	h := fx.connect("c1", alice, 0)
	n, err := fx.disp.SendQueuedNotifications(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, payloads(h))

	assert.ErrorIs(t, fx.disp.ClearQueuedNotifications(ctx, ""), realtime.ErrValidation)
}

func TestSendQueuedNotifications_UnknownConnection(t *testing.T) {
	fx := setup(t)
	_, err := fx.disp.SendQueuedNotifications(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, dispatch.ErrUnknownConnection)
}

func TestNoNotificationLostAcrossReconnect(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	const total = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_, err := fx.disp.SendNotificationToUser(ctx, "alice", realtime.Notification{ID: fmt.Sprintf("n%d", i)})
			assert.NoError(t, err)
		}
	}()

	time.Sleep(time.Millisecond)
	h := fx.connect("c1", alice, 0)
	_, err := fx.disp.SendQueuedNotifications(ctx, "alice", "c1")
	require.NoError(t, err)
	wg.Wait()

	seen := map[string]bool{}
	for _, p := range payloads(h) {
		assert.False(t, seen[p.ID], "duplicate %s", p.ID)
		seen[p.ID] = true
	}
	assert.Len(t, seen, total)
	assert.Equal(t, 0, fx.store.Len("alice"))
}

func TestBroadcastRoomEvent(t *testing.T) {
	fx := setup(t)
	sender := fx.connect("c1", alice, 0)
	bob := fx.connect("c2", realtime.Identity{UserID: "bob"}, 0)
	slow := fx.connect("c3", realtime.Identity{UserID: "carol"}, 1)
	require.True(t, slow.TryDeliver(realtime.OutboundEvent{Event: "filler"}))
	for _, c := range []string{"c1", "c2", "c3", "gone"} {
		fx.rooms.Join("room:general", c)
	}

	n := fx.disp.BroadcastRoomEvent("room:general", realtime.EventUserTyping, realtime.TypingPayload{Username: "Alice"}, "c1")

	assert.Equal(t, 1, n)
	assert.Empty(t, sender.EventsNamed(realtime.EventUserTyping))
	assert.Len(t, bob.EventsNamed(realtime.EventUserTyping), 1)
	assert.Equal(t, int64(1), fx.disp.Dropped())
}

func TestBroadcastDataUpdate(t *testing.T) {
	fx := setup(t)
	h := fx.connect("c1", alice, 0)
	other := fx.connect("c2", alice, 0)
	filters := map[string]any{"status": "open"}
	fx.rooms.Join(policy.DataRoomName("orders", filters), "c1")
	fx.rooms.Join(policy.DataRoomName("orders", nil), "c2")

	n := fx.disp.BroadcastDataUpdate("orders", map[string]any{"status": "open"}, map[string]any{"id": 7})
	assert.Equal(t, 1, n)

	events := h.EventsNamed(realtime.EventDataUpdated)
	require.Len(t, events, 1)
	payload := events[0].Data.(realtime.DataUpdatedPayload)
	assert.Equal(t, "orders", payload.Entity)
	assert.Empty(t, other.EventsNamed(realtime.EventDataUpdated))
}

func TestMarkNotificationAsRead(t *testing.T) {
	fx := setup(t)
	require.NoError(t, fx.disp.MarkNotificationAsRead(context.Background(), "alice", "n1"))
	require.NoError(t, fx.disp.MarkNotificationAsRead(context.Background(), "alice", "n1"))
	assert.True(t, fx.store.IsRead("alice", "n1"))

	q, err := queue.NewFailoverQueue(queue.NewMemoryStore(0, 0), queue.NewMemoryStore(0, 0), nil, zerolog.Nop())
	require.NoError(t, err)
	disp, err := dispatch.New(registry.New(), registry.NewRooms(), q, failingReceipts{}, nil, dispatch.Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, disp.MarkNotificationAsRead(context.Background(), "alice", "n1"), realtime.ErrTransport)
}

func TestWait(t *testing.T) {
	fx := setup(t)
	require.NoError(t, fx.disp.QueueNotificationForOfflineUser(context.Background(), "alice", realtime.Notification{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, fx.disp.Wait(ctx))
	assert.Zero(t, fx.disp.InFlight())
}
