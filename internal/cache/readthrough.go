// Package cache implements the cache-aside read path: try the network,
// refresh the durable cache on success, fall back to the last known-good
// snapshot on failure. It never touches the mutation queue.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/summitlink/syncd/internal/storage"
)

// SnapshotStore is the slice of the storage layer the read path uses.
type SnapshotStore interface {
	SetDataset(key, dataJSON string) error
	GetDataset(key string) (storage.CacheEntry, error)
	SetThread(conversationID, dataJSON string) error
	GetThread(conversationID string) (storage.CacheEntry, error)
}

// FetchFn performs the live network fetch for one dataset.
type FetchFn func(ctx context.Context) (json.RawMessage, error)

// Result is what a read returns: the snapshot, whether it came from cache,
// and when it was captured (surfaced to the UI as "showing data from ...").
type Result struct {
	Data      json.RawMessage
	Stale     bool
	UpdatedAt time.Time
}

// ReadThrough serves reads with live-first, cache-fallback semantics.
// Concurrent reads of the same key are collapsed into one fetch.
type ReadThrough struct {
	store  SnapshotStore
	group  singleflight.Group
	logger *slog.Logger
}

func New(store SnapshotStore) *ReadThrough {
	return &ReadThrough{store: store, logger: slog.Default()}
}

// Read attempts the live fetch for key. On success it refreshes the cache
// and returns the live data flagged fresh. On failure it returns the cached
// snapshot flagged stale, or propagates the fetch error when nothing is
// cached (no silent empty result).
func (r *ReadThrough) Read(ctx context.Context, key string, fetch FetchFn) (Result, error) {
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.read(ctx, key, fetch,
			r.store.SetDataset, r.store.GetDataset)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// ReadThread is Read for a per-conversation message thread; same semantics,
// separate cache namespace.
func (r *ReadThrough) ReadThread(ctx context.Context, conversationID string, fetch FetchFn) (Result, error) {
	v, err, _ := r.group.Do("thread:"+conversationID, func() (any, error) {
		return r.read(ctx, conversationID, fetch,
			r.store.SetThread, r.store.GetThread)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *ReadThrough) read(
	ctx context.Context,
	key string,
	fetch FetchFn,
	set func(string, string) error,
	get func(string) (storage.CacheEntry, error),
) (Result, error) {
	data, fetchErr := fetch(ctx)
	if fetchErr == nil {
		if err := set(key, string(data)); err != nil {
			// The live read succeeded; a cache-write failure costs future
			// offline fallback, not this response.
			r.logger.Error("refreshing cache entry", "key", key, "error", err)
		}
		return Result{Data: data, Stale: false, UpdatedAt: time.Now().UTC()}, nil
	}

	entry, err := get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("fetching %s (no cached copy): %w", key, fetchErr)
	}
	if err != nil {
		return Result{}, fmt.Errorf("reading cache for %s after fetch failure (%v): %w", key, fetchErr, err)
	}

	r.logger.Warn("live fetch failed, serving cached snapshot",
		"key", key, "cached_at", entry.UpdatedAt, "error", fetchErr)
	return Result{Data: json.RawMessage(entry.DataJSON), Stale: true, UpdatedAt: entry.UpdatedAt}, nil
}

// WarmUp refreshes several dataset keys in parallel, typically at startup
// while connectivity is known-good. Failures are per-key; the first one is
// returned after every fetch has finished.
func (r *ReadThrough) WarmUp(ctx context.Context, fetches map[string]FetchFn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for key, fetch := range fetches {
		key, fetch := key, fetch
		g.Go(func() error {
			if _, err := r.Read(ctx, key, fetch); err != nil {
				return fmt.Errorf("warming %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}
