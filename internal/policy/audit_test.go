package policy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// blockingSink holds every write until released.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (b *blockingSink) Record(_ context.Context, _ realtime.AuditRecord) error {
	<-b.release
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func TestAsyncAuditSink_FlushesOnClose(t *testing.T) {
	next := fakes.NewAuditSink()
	sink := policy.NewAsyncAuditSink(next, 16, zerolog.Nop())

	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Record(context.Background(), realtime.AuditRecord{UserID: "alice", Room: "room:a"}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	assert.Len(t, next.Records(), 10)

	// records after close are written inline
	require.NoError(t, sink.Record(context.Background(), realtime.AuditRecord{UserID: "bob"}))
	assert.Len(t, next.Records(), 11)
	require.NoError(t, sink.Close(ctx))
}

func TestAsyncAuditSink_FullBufferWritesInline(t *testing.T) {
	next := &blockingSink{release: make(chan struct{})}
	sink := policy.NewAsyncAuditSink(next, 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// the worker takes one, the buffer holds one, the rest go inline and block
		for i := 0; i < 3; i++ {
			_ = sink.Record(context.Background(), realtime.AuditRecord{UserID: "alice"})
		}
	}()

	close(next.release)
	<-done
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	assert.Equal(t, 3, next.count())
}

func TestAsyncAuditSink_SwallowsErrors(t *testing.T) {
	next := fakes.NewAuditSink()
	next.Err = errors.New("down")
	sink := policy.NewAsyncAuditSink(next, 4, zerolog.Nop())
	assert.NoError(t, sink.Record(context.Background(), realtime.AuditRecord{}))
	require.NoError(t, sink.Close(context.Background()))
}

func TestLogAuditSink(t *testing.T) {
	sink := policy.NewLogAuditSink(zerolog.Nop())
	assert.NoError(t, sink.Record(context.Background(), realtime.AuditRecord{UserID: "alice", Authorized: false}))
}

func TestMultiAuditSink(t *testing.T) {
	failing := fakes.NewAuditSink()
	failing.Err = errors.New("stream down")
	recording := fakes.NewAuditSink()
	sink := policy.MultiAuditSink{failing, recording}

	err := sink.Record(context.Background(), realtime.AuditRecord{UserID: "alice", Room: "lobby"})

	assert.ErrorContains(t, err, "stream down")
	require.Len(t, recording.Records(), 1)
	assert.Equal(t, "lobby", recording.Records()[0].Room)
}
