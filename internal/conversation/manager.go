// Package conversation tracks the active conversations of this process: it
// creates and reactivates state from checkpoints, persists every update, and
// closes conversations explicitly or when they go idle.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/checkpoint"
	"github.com/cloud-shuttle/switchboard/internal/codec"
	"github.com/cloud-shuttle/switchboard/internal/events"
	"github.com/cloud-shuttle/switchboard/internal/tiered"
	"github.com/cloud-shuttle/switchboard/pkg/telemetry"
	"github.com/cloud-shuttle/switchboard/pkg/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultShards        = 32
	DefaultIdleTimeout   = 2 * time.Hour
	DefaultSweepInterval = time.Hour
)

var (
	// ErrConversationNotFound is returned when closing a conversation that has never existed
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationClosed is returned when updating a conversation whose
	// current cycle has been closed
	ErrConversationClosed = errors.New("conversation is closed")
)

// Checkpointer is the checkpoint storage used by the Manager
type Checkpointer interface {
	Get(ctx context.Context, conversationID string) (*types.Checkpoint, error)
	Put(ctx context.Context, cp *types.Checkpoint) error
	Flush(ctx context.Context) error
}

// Options configures a Manager
type Options struct {
	Checkpoints   Checkpointer
	Shards        int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Metrics       *telemetry.Metrics
	Events        *events.Bus
}

type entry struct {
	state *types.ConversationState
	// lastCheckpoint is the ID of the latest checkpoint written for state
	lastCheckpoint string
	// lastActivity is the activity time last stamped by the manager
	lastActivity time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Manager owns the active table. Different ids proceed in parallel. Callers
// hold Lock(id) around GetOrCreate, UpdateState and Close of the same id;
// the idle sweeper skips ids that are locked.
type Manager struct {
	shards        []*shard
	locks         *Locker
	checkpoints   Checkpointer
	idleTimeout   time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	events        *events.Bus
	now           func() time.Time
}

// NewManager creates a state manager
func NewManager(opts Options) *Manager {
	m := &Manager{
		locks:         NewLocker(),
		checkpoints:   opts.Checkpoints,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		events:        opts.Events,
		now:           time.Now,
	}
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	m.shards = make([]*shard, n)
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = DefaultIdleTimeout
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = DefaultSweepInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Lock blocks until the per-conversation lock for id is held and returns
// its release function
func (m *Manager) Lock(id string) func() {
	return m.locks.Lock(id)
}

func (m *Manager) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *Manager) lookup(id string) (*entry, bool) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	return e, ok
}

// activity returns the latest checkpoint ID and stamped activity time of an
// active conversation
func (m *Manager) activity(id string) (string, time.Time, bool) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[id]
	if !ok {
		return "", time.Time{}, false
	}
	return e.lastCheckpoint, e.lastActivity, true
}

// Get returns the state of an active conversation
func (m *Manager) Get(id string) (*types.ConversationState, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return e.state, true
}

// GetOrCreate returns the active state for id. A conversation missing from
// the active table is reactivated from its latest checkpoint; a closed or
// never seen conversation starts a new cycle. Repeated calls return the same
// state value until the conversation is closed.
func (m *Manager) GetOrCreate(ctx context.Context, id, sessionID string) (*types.ConversationState, error) {
	if e, ok := m.lookup(id); ok {
		return e.state, nil
	}

	state, source, err := m.load(ctx, id, sessionID)
	if err != nil {
		return nil, err
	}

	cp, err := m.persist(ctx, state, source, "")
	if err != nil {
		return nil, err
	}

	sh := m.shardFor(id)
	sh.mu.Lock()
	if existing, ok := sh.entries[id]; ok {
		sh.mu.Unlock()
		return existing.state, nil
	}
	sh.entries[id] = &entry{state: state, lastCheckpoint: cp.Metadata.ID, lastActivity: state.LastActivityAt}
	sh.mu.Unlock()

	m.metrics.ActiveDelta(ctx, 1)
	evType := events.EventConversationCreated
	if source == types.SourceReactivation {
		evType = events.EventConversationReactivated
		m.logger.Info("conversation reactivated", "conversation_id", id, "step", state.Step(), "generation", state.Generation)
	} else {
		m.logger.Info("conversation created", "conversation_id", id, "generation", state.Generation)
	}
	m.publish(ctx, evType, id, string(state.CurrentAgent), nil)
	return state, nil
}

// load builds the state that GetOrCreate installs and the checkpoint source
// describing how it was obtained
func (m *Manager) load(ctx context.Context, id, sessionID string) (*types.ConversationState, string, error) {
	cp, err := m.checkpoints.Get(ctx, id)
	var corrupt *codec.CorruptStateError
	switch {
	case errors.Is(err, tiered.ErrNotFound):
		return m.fresh(id, sessionID, 0), types.SourceConversationCreate, nil
	case errors.As(err, &corrupt):
		// already logged with its fingerprint by the checkpoint layer
		m.logger.Warn("replacing corrupt conversation state", "conversation_id", id, "hash", corrupt.Hash)
		return m.fresh(id, sessionID, 0), types.SourceConversationCreate, nil
	case err != nil:
		return nil, "", fmt.Errorf("loading conversation %s: %w", id, err)
	}

	if cp.State.Status == types.ConversationStatusClosed {
		return m.fresh(id, sessionID, cp.State.Generation+1), types.SourceConversationCreate, nil
	}
	return cp.State, types.SourceReactivation, nil
}

func (m *Manager) fresh(id, sessionID string, generation int) *types.ConversationState {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s := types.NewConversationState(id, sessionID, m.now())
	s.Generation = generation
	return s
}

// persist writes a checkpoint of state. A fresh state rejected as stale,
// because the stored checkpoint could not be read, moves to the generation
// after the stored one and is written again.
func (m *Manager) persist(ctx context.Context, state *types.ConversationState, source, parent string) (*types.Checkpoint, error) {
	cp := checkpoint.NewCheckpoint(state, source, parent, m.now())
	err := m.checkpoints.Put(ctx, cp)

	var stale *tiered.StaleCheckpointError
	if errors.As(err, &stale) && source == types.SourceConversationCreate && state.Step() == 0 {
		state.Generation = stale.Current.Generation + 1
		cp = checkpoint.NewCheckpoint(state, source, parent, m.now())
		err = m.checkpoints.Put(ctx, cp)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpointing conversation %s: %w", state.ConversationID, err)
	}
	return cp, nil
}

// UpdateState installs state as the current state of id and checkpoints it.
// LastActivityAt is stamped here; a value set by the caller is overwritten
// and the stamp never moves behind the previous one. A conversation that
// left the active table because its cycle was closed is not brought back;
// ErrConversationClosed is returned instead.
func (m *Manager) UpdateState(ctx context.Context, id string, state *types.ConversationState) error {
	state.ConversationID = id

	parent, last, ok := m.activity(id)
	state.LastActivityAt = state.CreatedAt
	if ok {
		state.LastActivityAt = last
	} else if err := m.checkNotClosed(ctx, id, state.Generation); err != nil {
		return err
	}
	state.Touch(m.now())

	cp, err := m.persist(ctx, state, types.SourceConversationUpdate, parent)
	if err != nil {
		return err
	}

	sh := m.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok {
		e = &entry{}
		sh.entries[id] = e
	}
	e.state = state
	e.lastCheckpoint = cp.Metadata.ID
	e.lastActivity = state.LastActivityAt
	sh.mu.Unlock()

	if !ok {
		m.metrics.ActiveDelta(ctx, 1)
	}
	return nil
}

// checkNotClosed reports ErrConversationClosed when the latest checkpoint of
// id closed the given generation or a later one
func (m *Manager) checkNotClosed(ctx context.Context, id string, generation int) error {
	cp, err := m.checkpoints.Get(ctx, id)
	if err != nil {
		return nil
	}
	if cp.State.Status == types.ConversationStatusClosed && cp.State.Generation >= generation {
		return ErrConversationClosed
	}
	return nil
}

// Close marks a conversation closed, writes its final checkpoint and removes
// it from the active table. The closed state is returned.
func (m *Manager) Close(ctx context.Context, id, reason string) (*types.ConversationState, error) {
	return m.close(ctx, id, reason, events.EventConversationClosed)
}

func (m *Manager) close(ctx context.Context, id, reason string, evType events.EventType) (*types.ConversationState, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConversationClose,
		attribute.String(telemetry.KeyConversationID, id),
	)
	defer span.End()

	var state *types.ConversationState
	parent := ""
	if e, ok := m.lookup(id); ok {
		state = e.state.Clone()
		parent = e.lastCheckpoint
	} else {
		cp, err := m.checkpoints.Get(ctx, id)
		if errors.Is(err, tiered.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("loading conversation %s: %w", id, err)
		}
		if cp.State.Status == types.ConversationStatusClosed {
			return cp.State, nil
		}
		state = cp.State
		parent = cp.Metadata.ID
	}

	state.Status = types.ConversationStatusClosed
	if state.Session == nil {
		state.Session = map[string]types.Value{}
	}
	if reason != "" {
		state.Session["close_reason"] = types.String(reason)
	}
	state.Touch(m.now())

	if _, err := m.persist(ctx, state, types.SourceConversationClose, parent); err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryStorage)
		return nil, err
	}

	sh := m.shardFor(id)
	sh.mu.Lock()
	_, removed := sh.entries[id]
	delete(sh.entries, id)
	sh.mu.Unlock()

	if removed {
		m.metrics.ActiveDelta(ctx, -1)
	}
	m.logger.Info("conversation closed", "conversation_id", id, "reason", reason, "messages", state.MessageCount())
	m.publish(ctx, evType, id, string(state.CurrentAgent), map[string]any{"reason": reason})
	return state, nil
}

// Sweep closes conversations idle for longer than the idle timeout and
// returns how many it closed. Candidates are collected shard by shard and
// closed one at a time so no shard lock is held across checkpoint writes.
// A candidate whose conversation lock is held is left for a later sweep.
func (m *Manager) Sweep(ctx context.Context) int {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanConversationSweep)
	defer span.End()

	cutoff := m.now().Add(-m.idleTimeout)
	var candidates []string
	for _, sh := range m.shards {
		sh.mu.RLock()
		for id, e := range sh.entries {
			if e.lastActivity.Before(cutoff) {
				candidates = append(candidates, id)
			}
		}
		sh.mu.RUnlock()
	}

	closed := 0
	for _, id := range candidates {
		if m.reclaim(ctx, id, cutoff) {
			closed++
		}
	}

	m.metrics.Reclaimed(ctx, closed)
	if closed > 0 {
		m.logger.Info("idle sweep", "closed", closed, "candidates", len(candidates))
	}
	return closed
}

func (m *Manager) reclaim(ctx context.Context, id string, cutoff time.Time) bool {
	unlock, ok := m.locks.TryLock(id)
	if !ok {
		m.logger.Debug("skipping idle candidate in use", "conversation_id", id)
		return false
	}
	defer unlock()

	// skip conversations that saw activity after the snapshot
	_, last, ok := m.activity(id)
	if !ok || !last.Before(cutoff) {
		return false
	}
	if _, err := m.close(ctx, id, "idle timeout", events.EventConversationReclaimed); err != nil {
		m.logger.Error("closing idle conversation failed", "conversation_id", id, "error", err)
		return false
	}
	return true
}

// Run sweeps idle conversations every sweep interval until ctx is done
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown closes every active conversation and waits for pending durable writes
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, id := range m.ActiveIDs() {
		unlock := m.locks.Lock(id)
		_, err := m.Close(ctx, id, "shutdown")
		unlock()
		if err != nil && !errors.Is(err, ErrConversationNotFound) {
			errs = append(errs, err)
		}
	}
	if err := m.checkpoints.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing checkpoints: %w", err))
	}
	return errors.Join(errs...)
}

// Active returns the number of conversations in the active table
func (m *Manager) Active() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// ActiveIDs returns the ids in the active table, sorted
func (m *Manager) ActiveIDs() []string {
	var ids []string
	for _, sh := range m.shards {
		sh.mu.RLock()
		for id := range sh.entries {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) publish(ctx context.Context, t events.EventType, id, agent string, data map[string]any) {
	if err := m.events.Publish(ctx, events.NewEvent(t, id, agent, data)); err != nil {
		m.logger.Debug("event not published", "type", t, "error", err)
	}
}
