// Package tiered implements layered conversation storage: an in-process
// memory layer, an optional shared cache and an optional durable store.
//
// Reads go memory, then cache, then durable, populating the faster layers on
// the way back. Writes land in memory and the cache before Put returns; the
// durable write is dispatched in the background. A process that crashes
// between the two loses the durable copy of its last write, and readers that
// only see the durable store observe the previous value until the write lands.
package tiered

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloud-shuttle/switchboard/pkg/telemetry"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// Defaults for Options
const (
	DefaultFreshness = 5 * time.Minute
	DefaultCacheTTL  = 7 * 24 * time.Hour
)

var (
	// ErrNotFound is returned when no layer holds the key
	ErrNotFound = errors.New("not found")

	// ErrStale is matched by errors reporting an out-of-order checkpoint write
	ErrStale = errors.New("stale checkpoint")
)

// StorageUnavailableError is returned when every configured layer failed
type StorageUnavailableError struct {
	Op   string
	Key  string
	Errs []error
}

func (e *StorageUnavailableError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("storage unavailable: %s %s: %s", e.Op, e.Key, strings.Join(msgs, "; "))
}

func (e *StorageUnavailableError) Unwrap() []error {
	return e.Errs
}

// StaleCheckpointError reports a write whose version orders before the stored one
type StaleCheckpointError struct {
	ThreadID  string
	Current   types.Version
	Attempted types.Version
}

func (e *StaleCheckpointError) Error() string {
	return fmt.Sprintf("stale checkpoint for %s: have %s, got %s", e.ThreadID, e.Current, e.Attempted)
}

func (e *StaleCheckpointError) Is(target error) bool {
	return target == ErrStale
}

// Cache is a shared low-latency layer. A miss is reported as ok == false with
// a nil error.
type Cache interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Record is a checkpoint as held by the durable layer
type Record struct {
	ThreadID string
	Data     []byte
	Metadata types.CheckpointMetadata
}

// Durable is the system of record
type Durable interface {
	// LoadCheckpoint returns the latest checkpoint or ErrNotFound
	LoadCheckpoint(ctx context.Context, threadID string) (*Record, error)
	// SaveCheckpoint upserts the latest checkpoint; an error matching
	// ErrStale is returned when a newer one is already stored
	SaveCheckpoint(ctx context.Context, rec *Record) error
	// ListCheckpoints returns checkpoint metadata, most recent first
	ListCheckpoints(ctx context.Context, threadID string, limit int) ([]types.CheckpointMetadata, error)
	// LoadWrites returns a write-intent record or ErrNotFound
	LoadWrites(ctx context.Context, threadID, taskID string) ([]byte, error)
	SaveWrites(ctx context.Context, threadID, taskID string, data []byte, expiresAt time.Time) error
	// DeleteOlderThan removes records last updated before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// VersionFunc extracts the checkpoint version from stored bytes
type VersionFunc func(data []byte) (types.Version, bool)

// Options configures a Store. Cache and Durable are optional.
type Options struct {
	Memory     *Memory
	Cache      Cache
	Durable    Durable
	Dispatcher Dispatcher
	// Freshness bounds how long a memory entry serves reads on its own
	Freshness time.Duration
	// CacheTTL is the expiry applied to checkpoints in the shared cache
	CacheTTL time.Duration
	Version  VersionFunc
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
}

// Store is the tiered store
type Store struct {
	mem        *Memory
	cache      Cache
	durable    Durable
	dispatcher Dispatcher
	freshness  time.Duration
	cacheTTL   time.Duration
	version    VersionFunc
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// New creates a store
func New(opts Options) *Store {
	s := &Store{
		mem:        opts.Memory,
		cache:      opts.Cache,
		durable:    opts.Durable,
		dispatcher: opts.Dispatcher,
		freshness:  opts.Freshness,
		cacheTTL:   opts.CacheTTL,
		version:    opts.Version,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
	if s.mem == nil {
		s.mem = NewMemory()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.freshness <= 0 {
		s.freshness = DefaultFreshness
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = DefaultCacheTTL
	}
	if s.dispatcher == nil {
		s.dispatcher = NewAsyncDispatcher(s.logger, 0, nil)
	}
	return s
}

// CheckpointKey is the cache key of a thread's latest checkpoint
func CheckpointKey(threadID string) string {
	return "checkpoint:" + threadID
}

// WritesKey is the cache key of a write-intent record
func WritesKey(threadID, taskID string) string {
	return "writes:" + threadID + ":" + taskID
}

// Get returns the latest checkpoint bytes for threadID, or ErrNotFound
func (s *Store) Get(ctx context.Context, threadID string) ([]byte, error) {
	ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanStoreGet, threadID)
	defer span.End()

	key := CheckpointKey(threadID)
	if data, ok := s.mem.Get(key, s.freshness); ok {
		s.metrics.CacheLookup(ctx, telemetry.LayerMemory, telemetry.ResultHit)
		telemetry.SetCacheResult(span, telemetry.LayerMemory, telemetry.ResultHit)
		return data, nil
	}
	s.metrics.CacheLookup(ctx, telemetry.LayerMemory, telemetry.ResultMiss)

	var failures []error
	remote := 0

	if s.cache != nil {
		remote++
		data, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			s.metrics.CacheLookup(ctx, telemetry.LayerCache, telemetry.ResultError)
			s.logger.Warn("cache read failed", "layer", s.cache.Name(), "key", key, "error", err)
			failures = append(failures, err)
		case ok:
			s.metrics.CacheLookup(ctx, telemetry.LayerCache, telemetry.ResultHit)
			telemetry.SetCacheResult(span, telemetry.LayerCache, telemetry.ResultHit)
			held := s.remember(key, data)
			if !bytes.Equal(held, data) {
				s.logger.Warn("cache holds an older checkpoint than memory", "layer", s.cache.Name(), "key", key)
				s.setCache(ctx, key, held)
			}
			return held, nil
		default:
			s.metrics.CacheLookup(ctx, telemetry.LayerCache, telemetry.ResultMiss)
		}
	}

	if s.durable != nil {
		remote++
		rec, err := s.durable.LoadCheckpoint(ctx, threadID)
		switch {
		case errors.Is(err, ErrNotFound):
			s.metrics.CacheLookup(ctx, telemetry.LayerDurable, telemetry.ResultMiss)
		case err != nil:
			s.metrics.CacheLookup(ctx, telemetry.LayerDurable, telemetry.ResultError)
			s.logger.Error("durable read failed", "thread_id", threadID, "error", err)
			failures = append(failures, err)
		default:
			s.metrics.CacheLookup(ctx, telemetry.LayerDurable, telemetry.ResultHit)
			telemetry.SetCacheResult(span, telemetry.LayerDurable, telemetry.ResultHit)
			held := s.remember(key, rec.Data)
			s.setCache(ctx, key, held)
			return held, nil
		}
	}

	// An expired memory copy written by this process still beats nothing.
	if data, ok := s.mem.Get(key, 0); ok {
		if len(failures) > 0 {
			s.logger.Warn("serving memory copy past freshness", "key", key)
		}
		return data, nil
	}

	if remote > 0 && len(failures) == remote {
		err := &StorageUnavailableError{Op: "get", Key: key, Errs: failures}
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryStorage)
		return nil, err
	}
	telemetry.SetCacheResult(span, "", telemetry.ResultMiss)
	return nil, ErrNotFound
}

// remember stores fetched data in memory along with its version. Memory is
// never moved back to an older version; the copy it holds afterwards is
// returned.
func (s *Store) remember(key string, data []byte) []byte {
	if s.version != nil {
		if v, ok := s.version(data); ok {
			return s.mem.Adopt(key, data, v)
		}
	}
	s.mem.Set(key, data, 0)
	return data
}

// setCache writes a checkpoint to the cache. On failure the key is dropped
// so the cache cannot go on serving a copy older than memory and durable.
func (s *Store) setCache(ctx context.Context, key string, data []byte) {
	if s.cache == nil {
		return
	}
	err := s.cache.Set(ctx, key, data, s.cacheTTL)
	if err == nil {
		return
	}
	s.logger.Warn("cache write failed", "layer", s.cache.Name(), "key", key, "error", err)
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.Warn("cache invalidate failed", "layer", s.cache.Name(), "key", key, "error", err)
	}
}

// currentVersion returns the version of the latest visible checkpoint
func (s *Store) currentVersion(ctx context.Context, threadID string) (types.Version, bool) {
	key := CheckpointKey(threadID)
	if v, ok := s.mem.Version(key); ok {
		return v, true
	}
	if s.version == nil {
		return types.Version{}, false
	}
	data, err := s.Get(ctx, threadID)
	if err != nil {
		return types.Version{}, false
	}
	return s.version(data)
}

// Put writes a checkpoint. Memory and cache are written before returning and
// the durable write is dispatched. A record whose version orders before the
// visible checkpoint is rejected with a StaleCheckpointError.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanStorePut, rec.ThreadID)
	defer span.End()

	key := CheckpointKey(rec.ThreadID)
	v := rec.Metadata.Version()
	if cur, ok := s.currentVersion(ctx, rec.ThreadID); ok && v.Less(cur) {
		s.metrics.StaleCheckpoint(ctx, telemetry.LayerMemory)
		err := &StaleCheckpointError{ThreadID: rec.ThreadID, Current: cur, Attempted: v}
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryStorage)
		return err
	}

	s.mem.SetVersioned(key, rec.Data, v, 0)
	s.setCache(ctx, key, rec.Data)

	if s.durable != nil {
		stored := *rec
		s.dispatcher.Dispatch("checkpoint "+rec.ThreadID, func(ctx context.Context) error {
			ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanStoreDurable, key)
			defer span.End()

			err := s.durable.SaveCheckpoint(ctx, &stored)
			if errors.Is(err, ErrStale) {
				s.metrics.StaleCheckpoint(ctx, telemetry.LayerDurable)
				s.logger.Warn("durable store holds a newer checkpoint", "thread_id", stored.ThreadID, "step", stored.Metadata.Step)
				return nil
			}
			s.metrics.DurableWrite(ctx, err)
			if err != nil {
				telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryStorage)
			}
			return err
		})
	}
	return nil
}

// GetWrites returns a write-intent record, or ErrNotFound
func (s *Store) GetWrites(ctx context.Context, threadID, taskID string) ([]byte, error) {
	key := WritesKey(threadID, taskID)
	if data, ok := s.mem.Get(key, 0); ok {
		return data, nil
	}

	var failures []error
	remote := 0
	if s.cache != nil {
		remote++
		data, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("cache read failed", "layer", s.cache.Name(), "key", key, "error", err)
			failures = append(failures, err)
		case ok:
			return data, nil
		}
	}
	if s.durable != nil {
		remote++
		data, err := s.durable.LoadWrites(ctx, threadID, taskID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			s.logger.Error("durable read failed", "key", key, "error", err)
			failures = append(failures, err)
		default:
			return data, nil
		}
	}
	if remote > 0 && len(failures) == remote {
		return nil, &StorageUnavailableError{Op: "get", Key: key, Errs: failures}
	}
	return nil, ErrNotFound
}

// PutWrites records a write-intent with a bounded lifetime
func (s *Store) PutWrites(ctx context.Context, threadID, taskID string, data []byte, ttl time.Duration) error {
	key := WritesKey(threadID, taskID)
	s.mem.Set(key, data, ttl)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, data, ttl); err != nil {
			s.logger.Warn("cache write failed", "layer", s.cache.Name(), "key", key, "error", err)
		}
	}
	if s.durable != nil {
		expires := s.now().Add(ttl)
		s.dispatcher.Dispatch("writes "+key, func(ctx context.Context) error {
			ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanStoreDurable, key)
			defer span.End()

			err := s.durable.SaveWrites(ctx, threadID, taskID, data, expires)
			s.metrics.DurableWrite(ctx, err)
			if err != nil {
				telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryStorage)
			}
			return err
		})
	}
	return nil
}

// List returns checkpoint metadata from the durable layer, most recent first
func (s *Store) List(ctx context.Context, threadID string, limit int) ([]types.CheckpointMetadata, error) {
	if s.durable == nil {
		return nil, nil
	}
	metas, err := s.durable.ListCheckpoints(ctx, threadID, limit)
	if err != nil {
		return nil, &StorageUnavailableError{Op: "list", Key: threadID, Errs: []error{err}}
	}
	return metas, nil
}

// DeleteOlderThan removes durable records last updated before cutoff
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.durable == nil {
		return 0, nil
	}
	n, err := s.durable.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old checkpoints: %w", err)
	}
	return n, nil
}

// SweepMemory drops memory entries stored more than olderThan ago
func (s *Store) SweepMemory(olderThan time.Duration) int {
	return s.mem.Sweep(olderThan)
}

// Flush waits for dispatched durable writes
func (s *Store) Flush(ctx context.Context) error {
	return s.dispatcher.Flush(ctx)
}

// LayerHealth is the result of probing one layer
type LayerHealth struct {
	Layer string
	Err   error
}

// Health probes each configured layer
func (s *Store) Health(ctx context.Context) []LayerHealth {
	out := []LayerHealth{{Layer: telemetry.LayerMemory}}
	if s.cache != nil {
		out = append(out, LayerHealth{Layer: telemetry.LayerCache, Err: s.cache.Ping(ctx)})
	}
	if s.durable != nil {
		out = append(out, LayerHealth{Layer: telemetry.LayerDurable, Err: s.durable.Ping(ctx)})
	}
	return out
}
