package shutdown_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/shutdown"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// leavingHandle unregisters itself shortly after Close, like a socket whose
// reader loop exits.
type leavingHandle struct {
	*fakes.Handle
	reg  *registry.Registry
	once sync.Once
	wg   *sync.WaitGroup
}

func (h *leavingHandle) Close(code int, reason string) {
	h.Handle.Close(code, reason)
	h.once.Do(func() {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			time.Sleep(5 * time.Millisecond)
			h.reg.Unregister(h.ID())
		}()
	})
}

// countingHandle records how often it was closed and never leaves.
type countingHandle struct {
	*fakes.Handle
	mu     sync.Mutex
	closes int
}

func (h *countingHandle) Close(code int, reason string) {
	h.Handle.Close(code, reason)
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
}

func (h *countingHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

type slowInFlight struct{ delay time.Duration }

func (s slowInFlight) Wait(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestShutdown_DrainsConnections(t *testing.T) {
	reg := registry.New()
	var wg sync.WaitGroup
	var handles []*leavingHandle
	for _, id := range []string{"c1", "c2", "c3"} {
		identity := realtime.Identity{UserID: "u-" + id}
		h := &leavingHandle{Handle: fakes.NewHandle(id, identity, 0), reg: reg, wg: &wg}
		reg.Register(identity, h)
		handles = append(handles, h)
	}

	c := shutdown.New(reg, slowInFlight{delay: 5 * time.Millisecond}, time.Second, zerolog.Nop())
	assert.True(t, c.Accepting())

	require.NoError(t, c.Shutdown(context.Background()))
	wg.Wait()

	assert.Equal(t, shutdown.Closed, c.State())
	assert.False(t, c.Accepting())
	assert.Equal(t, 0, reg.Stats().ConnectedSockets)
	for _, h := range handles {
		events := h.EventsNamed(realtime.EventSystemHealth)
		require.Len(t, events, 1)
		assert.Equal(t, "shutting_down", events[0].Data.(realtime.SystemHealthPayload).Status)
		closed, code, _ := h.Closed()
		assert.True(t, closed)
		assert.Equal(t, shutdown.CloseGoingAway, code)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestShutdown_ForceClosesAfterTimeout(t *testing.T) {
	reg := registry.New()
	identity := realtime.Identity{UserID: "stuck"}
	h := &countingHandle{Handle: fakes.NewHandle("c1", identity, 0)}
	reg.Register(identity, h)

	c := shutdown.New(reg, nil, 30*time.Millisecond, zerolog.Nop())
	err := c.Shutdown(context.Background())

	assert.ErrorIs(t, err, realtime.ErrShutdownTimeout)
	assert.Equal(t, 2, h.closeCount(), "notified once, force-closed once")
	assert.Equal(t, shutdown.Closed, c.State())
}

func TestShutdown_SecondCallIsNoop(t *testing.T) {
	reg := registry.New()
	identity := realtime.Identity{UserID: "alice"}
	h := &countingHandle{Handle: fakes.NewHandle("c1", identity, 0)}
	reg.Register(identity, h)

	c := shutdown.New(reg, nil, 20*time.Millisecond, zerolog.Nop())
	_ = c.Shutdown(context.Background())
	closes := h.closeCount()

	assert.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, closes, h.closeCount())
}

func TestShutdown_NoConnections(t *testing.T) {
	c := shutdown.New(registry.New(), nil, 0, zerolog.Nop())
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, "closed", c.State().String())
}
