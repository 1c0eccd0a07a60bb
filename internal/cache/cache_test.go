package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func sampleEntry(url string) *Entry {
	return &Entry{
		URL:      url,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/css"}},
		Body:     []byte("body{}"),
		StoredAt: time.Now(),
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisStore(client, "v1", time.Hour)
	ctx := context.Background()

	entry, err := store.Get(ctx, "/app.css")
	require.NoError(t, err)
	assert.Nil(t, entry, "miss must return nil entry, nil error")

	require.NoError(t, store.Set(ctx, sampleEntry("/app.css")))

	entry, err = store.Get(ctx, "/app.css")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, http.StatusOK, entry.Status)
	assert.Equal(t, "text/css", entry.Header.Get("Content-Type"))
	assert.Equal(t, []byte("body{}"), entry.Body)

	require.NoError(t, store.Delete(ctx, "/app.css"))
	entry, err = store.Get(ctx, "/app.css")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRedisStorePurgeStale(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	old := NewRedisStore(client, "v1", time.Hour)
	require.NoError(t, old.Set(ctx, sampleEntry("/app.css")))
	require.NoError(t, old.Set(ctx, sampleEntry("/app.js")))

	current := NewRedisStore(client, "v2", time.Hour)
	require.NoError(t, current.Set(ctx, sampleEntry("/app.css")))

	purged, err := current.PurgeStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	// Old generation is gone, current survives.
	entry, err := old.Get(ctx, "/app.css")
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = current.Get(ctx, "/app.css")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestMemoryStorePurgeStale(t *testing.T) {
	store := NewMemoryStore("v2")
	ctx := context.Background()

	// Seed a stale generation directly.
	store.generations["v1"] = map[string]*Entry{"/app.css": sampleEntry("/app.css")}
	require.NoError(t, store.Set(ctx, sampleEntry("/index.html")))

	purged, err := store.PurgeStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	entry, err := store.Get(ctx, "/index.html")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestFailoverStoreFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zerolog.Nop()

	primary := NewRedisStore(client, "v1", time.Hour)
	fallback := NewMemoryStore("v1")
	store := NewFailoverStore(primary, fallback, &logger)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, sampleEntry("/app.css")))

	entry, err := store.Get(ctx, "/app.css")
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Primary down: writes and reads keep working through memory.
	mr.Close()
	require.NoError(t, store.Set(ctx, sampleEntry("/offline.html")))

	entry, err = store.Get(ctx, "/offline.html")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}
