package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_FIFO(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, testUser, entry(id)))
	}

	got, err := s.Range(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[2].ID)

	require.NoError(t, s.Trim(ctx, testUser, 2))
	got, _ = s.Range(ctx, testUser)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	require.NoError(t, s.Trim(ctx, testUser, 5))
	assert.Equal(t, 0, s.Len(testUser))
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	s := NewMemoryStore(2, 0)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, testUser, entry(id)))
	}
	got, _ := s.Range(ctx, testUser)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(0, time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, testUser, entry("a")))

	now = now.Add(30 * time.Second)
	require.NoError(t, s.Append(ctx, testUser, entry("b")))

	// the second append refreshed the window
	now = now.Add(45 * time.Second)
	assert.Equal(t, 2, s.Len(testUser))

	now = now.Add(time.Minute)
	assert.Equal(t, 0, s.Len(testUser))
}

func TestMemoryStore_ReadReceipts(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()
	assert.False(t, s.IsRead(testUser, "n1"))
	require.NoError(t, s.MarkRead(ctx, testUser, "n1"))
	require.NoError(t, s.MarkRead(ctx, testUser, "n1"))
	assert.True(t, s.IsRead(testUser, "n1"))
	assert.False(t, s.IsRead("bob", "n1"))
}
