package tiered

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cloud-shuttle/switchboard/pkg/telemetry"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

// test payloads carry their version as a "g.s|" prefix
func payload(gen, step int, body string) []byte {
	return []byte(fmt.Sprintf("%d.%d|%s", gen, step, body))
}

func testVersion(data []byte) (types.Version, bool) {
	var v types.Version
	if _, err := fmt.Sscanf(string(data), "%d.%d|", &v.Generation, &v.Step); err != nil {
		return types.Version{}, false
	}
	return v, true
}

func record(thread string, gen, step int, body string) *Record {
	return &Record{
		ThreadID: thread,
		Data:     payload(gen, step, body),
		Metadata: types.CheckpointMetadata{
			ID:             fmt.Sprintf("%s-%d-%d", thread, gen, step),
			ConversationID: thread,
			Step:           step,
			Generation:     gen,
			CreatedAt:      time.Now().UTC(),
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(cache Cache, durable Durable, d Dispatcher) *Store {
	if d == nil {
		d = InlineDispatcher{}
	}
	opts := Options{Dispatcher: d, Version: testVersion, Logger: quietLogger()}
	if cache != nil {
		opts.Cache = cache
	}
	if durable != nil {
		opts.Durable = durable
	}
	return New(opts)
}

func TestGetMissIsNotAnError(t *testing.T) {
	s := newTestStore(newMapCache(), newFakeDurable(), nil)
	_, err := s.Get(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store error = %v, want ErrNotFound", err)
	}
}

func TestReadThroughPopulatesFasterLayers(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	durable := newFakeDurable()
	if err := durable.SaveCheckpoint(ctx, record("conv-1", 0, 4, "from durable")); err != nil {
		t.Fatalf("seeding durable: %v", err)
	}

	s := newTestStore(cache, durable, nil)
	data, err := s.Get(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "0.4|from durable" {
		t.Errorf("Get = %q", data)
	}

	if _, ok, _ := cache.Get(ctx, CheckpointKey("conv-1")); !ok {
		t.Error("cache was not populated from durable")
	}
	if v, ok := s.mem.Version(CheckpointKey("conv-1")); !ok || v.Step != 4 {
		t.Errorf("memory version = %v, %v; want step 4", v, ok)
	}

	// durable gone: the populated layers keep serving
	durable.setOffline(true)
	if _, err := s.Get(ctx, "conv-1"); err != nil {
		t.Errorf("Get after durable outage failed: %v", err)
	}
}

func TestCacheHitPopulatesMemory(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	cache.Set(ctx, CheckpointKey("conv-2"), payload(0, 2, "cached"), 0)

	s := newTestStore(cache, nil, nil)
	data, err := s.Get(ctx, "conv-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "0.2|cached" {
		t.Errorf("Get = %q", data)
	}
	if _, ok := s.mem.Get(CheckpointKey("conv-2"), 0); !ok {
		t.Error("memory was not populated from cache")
	}
}

func TestMemoryFreshnessWindow(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	s := newTestStore(cache, nil, nil)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.mem.now = func() time.Time { return now }

	if err := s.Put(ctx, record("conv-3", 0, 1, "first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// another process moved the shared cache forward
	cache.Set(ctx, CheckpointKey("conv-3"), payload(0, 2, "second"), 0)

	data, _ := s.Get(ctx, "conv-3")
	if string(data) != "0.1|first" {
		t.Errorf("within freshness window Get = %q, want memory copy", data)
	}

	now = now.Add(DefaultFreshness + time.Second)
	data, _ = s.Get(ctx, "conv-3")
	if string(data) != "0.2|second" {
		t.Errorf("past freshness window Get = %q, want cache copy", data)
	}
}

func TestFailedCacheWriteDoesNotServeOlderCopy(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	durable := newFakeDurable()
	s := newTestStore(cache, durable, nil)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.mem.now = func() time.Time { return now }

	if err := s.Put(ctx, record("conv-15", 0, 5, "five")); err != nil {
		t.Fatalf("Put step 5 failed: %v", err)
	}
	cache.setFailing(true)
	if err := s.Put(ctx, record("conv-15", 0, 7, "seven")); err != nil {
		t.Fatalf("Put step 7 failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, CheckpointKey("conv-15")); ok {
		t.Error("cache still holds step 5 after its write of step 7 failed")
	}
	cache.setFailing(false)

	now = now.Add(DefaultFreshness + time.Second)
	data, err := s.Get(ctx, "conv-15")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "0.7|seven" {
		t.Errorf("Get = %q, want step 7", data)
	}
	if v, _ := s.mem.Version(CheckpointKey("conv-15")); v.Step != 7 {
		t.Errorf("memory version = %s, want step 7", v)
	}
	if err := s.Put(ctx, record("conv-15", 0, 6, "six")); !errors.Is(err, ErrStale) {
		t.Errorf("Put step 6 after step 7 error = %v, want ErrStale", err)
	}
}

func TestOlderCacheCopyNeverLowersMemory(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	s := newTestStore(cache, nil, nil)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.mem.now = func() time.Time { return now }

	if err := s.Put(ctx, record("conv-16", 0, 7, "seven")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// a lagging writer left an older copy in the shared cache
	cache.Set(ctx, CheckpointKey("conv-16"), payload(0, 5, "five"), 0)

	now = now.Add(DefaultFreshness + time.Second)
	data, err := s.Get(ctx, "conv-16")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "0.7|seven" {
		t.Errorf("Get = %q, want memory copy at step 7", data)
	}
	if v, _ := s.mem.Version(CheckpointKey("conv-16")); v.Step != 7 {
		t.Errorf("memory version = %s, want step 7", v)
	}
	if cached, _, _ := cache.Get(ctx, CheckpointKey("conv-16")); string(cached) != "0.7|seven" {
		t.Errorf("cache = %q, want it repaired to step 7", cached)
	}
}

func TestPutWritesAllLayers(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	durable := newFakeDurable()
	s := newTestStore(cache, durable, NewAsyncDispatcher(quietLogger(), time.Second, nil))

	if err := s.Put(ctx, record("conv-4", 0, 3, "state")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, CheckpointKey("conv-4")); !ok {
		t.Error("cache not written synchronously")
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	rec, err := durable.LoadCheckpoint(ctx, "conv-4")
	if err != nil {
		t.Fatalf("durable record missing after flush: %v", err)
	}
	if rec.Metadata.Step != 3 {
		t.Errorf("durable step = %d, want 3", rec.Metadata.Step)
	}
}

func TestDurableWritesAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)

	ctx := context.Background()
	durable := newFakeDurable()
	s := newTestStore(nil, durable, nil)
	if err := s.Put(ctx, record("conv-traced", 0, 1, "state")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	durable.setOffline(true)
	if err := s.PutWrites(ctx, "conv-traced", "step-1", []byte("intent"), time.Minute); err != nil {
		t.Fatalf("PutWrites failed: %v", err)
	}

	var durableSpans []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == telemetry.SpanStoreDurable {
			durableSpans = append(durableSpans, span)
		}
	}
	if len(durableSpans) != 2 {
		t.Fatalf("Expected 2 durable write spans, got %d", len(durableSpans))
	}
	if durableSpans[0].Status().Code == codes.Error {
		t.Error("Successful checkpoint write recorded as an error")
	}
	if durableSpans[1].Status().Code != codes.Error {
		t.Error("Failed write-intent save not recorded as an error")
	}
}

func TestDurableOfflinePutStillVisibleLocally(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	durable.setOffline(true)

	var mu sync.Mutex
	var failures []string
	d := NewAsyncDispatcher(quietLogger(), time.Second, func(name string, err error) {
		mu.Lock()
		failures = append(failures, name)
		mu.Unlock()
	})
	s := newTestStore(nil, durable, d)

	if err := s.Put(ctx, record("conv-5", 0, 1, "offline write")); err != nil {
		t.Fatalf("Put with durable offline failed: %v", err)
	}
	data, err := s.Get(ctx, "conv-5")
	if err != nil {
		t.Fatalf("Get after offline Put failed: %v", err)
	}
	if string(data) != "0.1|offline write" {
		t.Errorf("Get = %q", data)
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 {
		t.Errorf("failure callback ran %d times, want 1", len(failures))
	}
}

func TestDurableOnlyReaderSeesBoundedStaleness(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	if err := durable.SaveCheckpoint(ctx, record("conv-6", 0, 1, "old")); err != nil {
		t.Fatalf("seeding durable: %v", err)
	}
	durable.gate = make(chan struct{})

	writer := newTestStore(nil, durable, NewAsyncDispatcher(quietLogger(), 5*time.Second, nil))
	// a second process with no cache of its own
	reader := newTestStore(nil, durable, nil)

	if err := writer.Put(ctx, record("conv-6", 0, 2, "new")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if data, _ := writer.Get(ctx, "conv-6"); string(data) != "0.2|new" {
		t.Errorf("writer Get = %q, want new value", data)
	}
	rec, err := durable.LoadCheckpoint(ctx, "conv-6")
	if err != nil || string(rec.Data) != "0.1|old" {
		t.Errorf("durable-only reader saw %v, %v before write landed; want old value", rec, err)
	}

	close(durable.gate)
	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	data, err := reader.Get(ctx, "conv-6")
	if err != nil {
		t.Fatalf("reader Get failed: %v", err)
	}
	if string(data) != "0.2|new" {
		t.Errorf("reader Get after write landed = %q, want new value", data)
	}
}

func TestStaleCheckpointRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(newMapCache(), newFakeDurable(), nil)

	if err := s.Put(ctx, record("conv-7", 0, 5, "five")); err != nil {
		t.Fatalf("Put step 5 failed: %v", err)
	}
	err := s.Put(ctx, record("conv-7", 0, 3, "three"))
	if !errors.Is(err, ErrStale) {
		t.Fatalf("Put step 3 error = %v, want ErrStale", err)
	}
	var se *StaleCheckpointError
	if !errors.As(err, &se) || se.Current.Step != 5 || se.Attempted.Step != 3 {
		t.Errorf("stale error = %#v", err)
	}

	data, _ := s.Get(ctx, "conv-7")
	if string(data) != "0.5|five" {
		t.Errorf("visible checkpoint = %q, want step 5", data)
	}

	// the same step may be rewritten
	if err := s.Put(ctx, record("conv-7", 0, 5, "five again")); err != nil {
		t.Errorf("Put equal step failed: %v", err)
	}
	// a new generation restarts the step count
	if err := s.Put(ctx, record("conv-7", 1, 0, "reopened")); err != nil {
		t.Errorf("Put next generation failed: %v", err)
	}
}

func TestStaleGuardAfterRestart(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	if err := durable.SaveCheckpoint(ctx, record("conv-8", 0, 6, "six")); err != nil {
		t.Fatalf("seeding durable: %v", err)
	}

	// fresh process, empty memory
	s := newTestStore(nil, durable, nil)
	err := s.Put(ctx, record("conv-8", 0, 2, "two"))
	if !errors.Is(err, ErrStale) {
		t.Fatalf("Put after restart error = %v, want ErrStale", err)
	}
}

func TestDurableStaleWriteIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	var failed bool
	s := New(Options{
		Durable:    durable,
		Dispatcher: InlineDispatcher{OnFailure: func(string, error) { failed = true }},
		Logger:     quietLogger(),
	})
	// without a version func the store cannot guard, the durable layer does
	if err := durable.SaveCheckpoint(ctx, record("conv-9", 0, 9, "nine")); err != nil {
		t.Fatalf("seeding durable: %v", err)
	}
	if err := s.Put(ctx, record("conv-9", 0, 1, "one")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if failed {
		t.Error("durable stale rejection was reported as a failure")
	}
	rec, _ := durable.LoadCheckpoint(ctx, "conv-9")
	if rec.Metadata.Step != 9 {
		t.Errorf("durable step = %d, want 9", rec.Metadata.Step)
	}
}

func TestAllLayersFailing(t *testing.T) {
	durable := newFakeDurable()
	durable.setOffline(true)
	s := newTestStore(failingCache{}, durable, nil)

	_, err := s.Get(context.Background(), "conv-10")
	var sue *StorageUnavailableError
	if !errors.As(err, &sue) {
		t.Fatalf("Get error = %v, want StorageUnavailableError", err)
	}
	if len(sue.Errs) != 2 {
		t.Errorf("StorageUnavailableError has %d causes, want 2", len(sue.Errs))
	}
	if !errors.Is(err, errOffline) {
		t.Error("StorageUnavailableError does not unwrap to the layer error")
	}
}

func TestCacheFailureAbsorbed(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	durable.SaveCheckpoint(ctx, record("conv-11", 0, 1, "durable"))
	s := newTestStore(failingCache{}, durable, nil)

	data, err := s.Get(ctx, "conv-11")
	if err != nil {
		t.Fatalf("Get with failing cache error = %v", err)
	}
	if string(data) != "0.1|durable" {
		t.Errorf("Get = %q", data)
	}
	if err := s.Put(ctx, record("conv-11", 0, 2, "newer")); err != nil {
		t.Errorf("Put with failing cache error = %v", err)
	}
}

func TestMemoryCopyServedWhenRemoteLayersFail(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	s := newTestStore(failingCache{}, durable, nil)
	now := time.Now()
	s.mem.now = func() time.Time { return now }

	if err := s.Put(ctx, record("conv-12", 0, 1, "local")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	durable.setOffline(true)
	now = now.Add(time.Hour)

	data, err := s.Get(ctx, "conv-12")
	if err != nil {
		t.Fatalf("Get error = %v, want memory copy", err)
	}
	if string(data) != "0.1|local" {
		t.Errorf("Get = %q", data)
	}
}

func TestWriteIntents(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	s := newTestStore(newMapCache(), durable, nil)

	if _, err := s.GetWrites(ctx, "conv-13", "2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetWrites before put error = %v, want ErrNotFound", err)
	}
	if err := s.PutWrites(ctx, "conv-13", "2", []byte(`{"x":1}`), time.Hour); err != nil {
		t.Fatalf("PutWrites failed: %v", err)
	}
	data, err := s.GetWrites(ctx, "conv-13", "2")
	if err != nil || string(data) != `{"x":1}` {
		t.Errorf("GetWrites = %q, %v", data, err)
	}

	// a process without the fast layers finds it durably
	other := newTestStore(nil, durable, nil)
	if _, err := other.GetWrites(ctx, "conv-13", "2"); err != nil {
		t.Errorf("durable GetWrites failed: %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	s := newTestStore(nil, durable, nil)

	for step := 1; step <= 3; step++ {
		if err := s.Put(ctx, record("conv-14", 0, step, "s")); err != nil {
			t.Fatalf("Put step %d failed: %v", step, err)
		}
	}
	metas, err := s.List(ctx, "conv-14", 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 2 || metas[0].Step != 3 || metas[1].Step != 2 {
		t.Errorf("List = %+v, want steps 3,2", metas)
	}

	n, err := s.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d threads, want 1", n)
	}
}

func TestHealth(t *testing.T) {
	durable := newFakeDurable()
	durable.setOffline(true)
	s := newTestStore(newMapCache(), durable, nil)

	health := s.Health(context.Background())
	if len(health) != 3 {
		t.Fatalf("Health returned %d layers, want 3", len(health))
	}
	for _, h := range health {
		if (h.Err != nil) != (h.Layer == "durable") {
			t.Errorf("layer %s err = %v", h.Layer, h.Err)
		}
	}
}
