package tiered

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cloud-shuttle/switchboard/pkg/types"
)

var errOffline = errors.New("layer offline")

// fakeDurable is an in-memory Durable with switchable failure and an
// optional gate that holds writes until released.
type fakeDurable struct {
	mu      sync.Mutex
	records map[string]*Record
	history map[string][]types.CheckpointMetadata
	writes  map[string][]byte
	updated map[string]time.Time
	offline bool
	gate    chan struct{}
	saves   int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{
		records: make(map[string]*Record),
		history: make(map[string][]types.CheckpointMetadata),
		writes:  make(map[string][]byte),
		updated: make(map[string]time.Time),
	}
}

func (f *fakeDurable) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeDurable) LoadCheckpoint(ctx context.Context, threadID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	rec, ok := f.records[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeDurable) SaveCheckpoint(ctx context.Context, rec *Record) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errOffline
	}
	if cur, ok := f.records[rec.ThreadID]; ok && rec.Metadata.Version().Less(cur.Metadata.Version()) {
		return &StaleCheckpointError{ThreadID: rec.ThreadID, Current: cur.Metadata.Version(), Attempted: rec.Metadata.Version()}
	}
	cp := *rec
	f.records[rec.ThreadID] = &cp
	f.history[rec.ThreadID] = append(f.history[rec.ThreadID], rec.Metadata)
	f.updated[rec.ThreadID] = rec.Metadata.CreatedAt
	f.saves++
	return nil
}

func (f *fakeDurable) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]types.CheckpointMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	out := append([]types.CheckpointMetadata(nil), f.history[threadID]...)
	sort.Slice(out, func(i, j int) bool { return out[j].Version().Less(out[i].Version()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDurable) LoadWrites(ctx context.Context, threadID, taskID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	data, ok := f.writes[threadID+"/"+taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (f *fakeDurable) SaveWrites(ctx context.Context, threadID, taskID string, data []byte, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errOffline
	}
	f.writes[threadID+"/"+taskID] = data
	return nil
}

func (f *fakeDurable) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return 0, errOffline
	}
	var n int64
	for id, at := range f.updated {
		if at.Before(cutoff) {
			delete(f.records, id)
			delete(f.history, id)
			delete(f.updated, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeDurable) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errOffline
	}
	return nil
}

// failingCache is a Cache that always errors
type failingCache struct{}

func (failingCache) Name() string { return "failing" }
func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errOffline
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error { return errOffline }
func (failingCache) Delete(context.Context, string) error                     { return errOffline }
func (failingCache) Ping(context.Context) error                               { return errOffline }

// mapCache is a simple working Cache whose writes can be made to fail
type mapCache struct {
	mu       sync.Mutex
	data     map[string][]byte
	failSets bool
}

func (c *mapCache) setFailing(v bool) {
	c.mu.Lock()
	c.failSets = v
	c.mu.Unlock()
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Name() string { return "map" }
func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[key]
	return d, ok, nil
}
func (c *mapCache) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSets {
		return errOffline
	}
	c.data[key] = data
	return nil
}
func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
func (c *mapCache) Ping(context.Context) error { return nil }
