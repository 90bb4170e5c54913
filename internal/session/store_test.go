package session_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/palaver-chat/palaver/internal/session"
)

func TestPutThenGet(t *testing.T) {
	store := session.NewStore()
	profile := session.Profile{ID: "alice", DisplayName: "Alice", AvatarURL: "https://example.com/a.png"}

	key := session.NewKey()
	store.Put(key, profile)

	entry, err := store.Get(key)
	require.NoError(t, err)
	require.Equal(t, key, entry.Key)
	require.Equal(t, profile, entry.Profile)
	require.False(t, entry.CreatedAt.IsZero())
}

func TestGetUnknownKey(t *testing.T) {
	store := session.NewStore()

	_, err := store.Get("never-issued")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := session.NewStore()
	key := session.NewKey()
	store.Put(key, session.Profile{ID: "alice", DisplayName: "Alice"})

	store.Delete(key)
	_, err := store.Get(key)
	require.ErrorIs(t, err, session.ErrNotFound)

	// Second delete is a no-op.
	store.Delete(key)
	require.Equal(t, 0, store.Len())
}

func TestNewKeyIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		key := session.NewKey()
		_, dup := seen[key]
		require.False(t, dup)
		seen[key] = struct{}{}
	}
}

func TestPurgeExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	store := session.NewStore(session.WithNowFunc(func() time.Time { return clock }))

	store.Put("old", session.Profile{ID: "old-user", DisplayName: "Old"})

	clock = now.Add(time.Hour)
	store.Put("fresh", session.Profile{ID: "fresh-user", DisplayName: "Fresh"})

	purged := store.PurgeExpired(now.Add(30 * time.Minute))
	require.Equal(t, 1, purged)

	_, err := store.Get("old")
	require.ErrorIs(t, err, session.ErrNotFound)

	_, err = store.Get("fresh")
	require.NoError(t, err)
}

func TestConcurrentAccess(t *testing.T) {
	store := session.NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n)
			store.Put(key, session.Profile{ID: fmt.Sprintf("user-%d", n), DisplayName: "User"})

			// Read-your-write: the entry must be observable immediately.
			entry, err := store.Get(key)
			require.NoError(t, err)
			require.Equal(t, fmt.Sprintf("user-%d", n), entry.Profile.ID)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 50, store.Len())
}
