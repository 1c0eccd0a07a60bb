package cache

import (
	"context"
	"net/http"
	"time"
)

// Entry is one cached response body for a same-origin GET request. Entries
// are disposable and re-derivable from the network, so writes are
// last-writer-wins.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Store is the shared HTTP cache keyed by request URL under a named
// generation. Get returns (nil, nil) on a miss.
type Store interface {
	Get(ctx context.Context, url string) (*Entry, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, url string) error
	// PurgeStale removes every entry stored under a generation other than
	// the store's current one. Called on activation so only the current
	// generation's cache remains accessible.
	PurgeStale(ctx context.Context) (int, error)
}
