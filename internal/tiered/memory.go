package tiered

import (
	"sync"
	"time"

	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// Memory is the in-process layer. Entries remember when they were stored so
// reads can apply a freshness window and the sweeper can drop old entries.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data       []byte
	version    types.Version
	hasVersion bool
	storedAt   time.Time
	expiresAt  time.Time
}

// NewMemory creates an empty memory layer
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Get returns the entry for key if it was stored within maxAge and has not
// expired. A maxAge of zero disables the freshness check.
func (m *Memory) Get(key string, maxAge time.Duration) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	now := m.now()
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		return nil, false
	}
	if maxAge > 0 && now.Sub(e.storedAt) > maxAge {
		return nil, false
	}
	return e.data, true
}

// Version returns the checkpoint version recorded for key, regardless of freshness
func (m *Memory) Version(key string) (types.Version, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || !e.hasVersion {
		return types.Version{}, false
	}
	return e.version, true
}

// Set stores data under key. A zero ttl stores without expiry.
func (m *Memory) Set(key string, data []byte, ttl time.Duration) {
	m.set(key, data, types.Version{}, false, ttl)
}

// SetVersioned stores data together with its checkpoint version
func (m *Memory) SetVersioned(key string, data []byte, v types.Version, ttl time.Duration) {
	m.set(key, data, v, true, ttl)
}

// Adopt stores data with version v unless key already holds a newer version,
// and returns the data held for key afterwards
func (m *Memory) Adopt(key string, data []byte, v types.Version) []byte {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.hasVersion && v.Less(e.version) {
		return e.data
	}
	m.entries[key] = memEntry{data: data, version: v, hasVersion: true, storedAt: now}
	return data
}

func (m *Memory) set(key string, data []byte, v types.Version, hasVersion bool, ttl time.Duration) {
	now := m.now()
	e := memEntry{
		data:       data,
		version:    v,
		hasVersion: hasVersion,
		storedAt:   now,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
}

// Delete removes key
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Sweep removes entries stored more than olderThan ago, and expired entries.
// It returns the number of entries removed.
func (m *Memory) Sweep(olderThan time.Duration) int {
	now := m.now()
	cutoff := now.Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if e.storedAt.Before(cutoff) || (!e.expiresAt.IsZero() && now.After(e.expiresAt)) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries held
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
