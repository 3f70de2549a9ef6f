// Package checkpoint maps conversation checkpoints onto the tiered store
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/codec"
	"github.com/cloud-shuttle/switchboard/internal/tiered"
	"github.com/cloud-shuttle/switchboard/pkg/telemetry"
	"github.com/cloud-shuttle/switchboard/pkg/types"
	"github.com/google/uuid"
)

const (
	// DefaultWriteIntentTTL bounds how long write-intent records are kept
	DefaultWriteIntentTTL = time.Hour
	// DefaultMemorySweepAge is the age past which memory entries are reclaimed by cleanup
	DefaultMemorySweepAge = time.Hour
)

// ErrNotFound is returned when a conversation has no checkpoint
var ErrNotFound = tiered.ErrNotFound

// Options configures a Manager
type Options struct {
	Store          *tiered.Store
	Codec          *codec.Codec
	WriteIntentTTL time.Duration
	MemorySweepAge time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Manager reads and writes conversation checkpoints
type Manager struct {
	store          *tiered.Store
	codec          *codec.Codec
	intentTTL      time.Duration
	memorySweepAge time.Duration
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	now            func() time.Time
}

// New creates a manager
func New(opts Options) *Manager {
	m := &Manager{
		store:          opts.Store,
		codec:          opts.Codec,
		intentTTL:      opts.WriteIntentTTL,
		memorySweepAge: opts.MemorySweepAge,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            time.Now,
	}
	if m.codec == nil {
		m.codec = codec.MustNew(codec.Options{})
	}
	if m.intentTTL <= 0 {
		m.intentTTL = DefaultWriteIntentTTL
	}
	if m.memorySweepAge <= 0 {
		m.memorySweepAge = DefaultMemorySweepAge
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// VersionOf reads the checkpoint version from encoded bytes. It is the
// tiered.VersionFunc for stores holding checkpoints written by a Manager.
func VersionOf(data []byte) (types.Version, bool) {
	v, err := codec.PeekVersion(data)
	return v, err == nil
}

// NewCheckpoint snapshots state into a checkpoint. The state is cloned so
// later changes by the caller do not alter the checkpoint.
func NewCheckpoint(state *types.ConversationState, source, parentID string, now time.Time) *types.Checkpoint {
	return &types.Checkpoint{
		Metadata: types.CheckpointMetadata{
			ID:             uuid.NewString(),
			ConversationID: state.ConversationID,
			Source:         source,
			Step:           state.Step(),
			Generation:     state.Generation,
			ParentID:       parentID,
			CreatedAt:      now.UTC(),
		},
		State: state.Clone(),
	}
}

// Get returns the latest checkpoint for a conversation, or ErrNotFound.
// Checkpoints written before the current envelope format are read through
// the legacy decoder.
func (m *Manager) Get(ctx context.Context, conversationID string) (*types.Checkpoint, error) {
	data, err := m.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	cp, err := m.codec.DecodeCheckpoint(data)
	if err != nil {
		var ce *codec.CorruptStateError
		if errors.As(err, &ce) {
			m.metrics.CorruptState(ctx)
			m.logger.Error("corrupt checkpoint",
				"conversation_id", conversationID,
				"length", ce.Length,
				"hash", ce.Hash,
				"error", ce.Err,
			)
		}
		return nil, err
	}
	if cp.Metadata.ConversationID == "" {
		cp.Metadata.ConversationID = conversationID
	}
	if cp.State.ConversationID == "" {
		cp.State.ConversationID = conversationID
	}
	return cp, nil
}

// Put stores a checkpoint. The fast layers are written before Put returns;
// the durable write, which also appends to the listable history, runs in the
// background. A checkpoint older than the stored one fails with an error
// matching tiered.ErrStale.
func (m *Manager) Put(ctx context.Context, cp *types.Checkpoint) error {
	ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanCheckpointPut, cp.Metadata.ConversationID)
	defer span.End()

	data, err := m.codec.EncodeCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	meta := cp.Metadata
	meta.SizeBytes = len(data)

	err = m.store.Put(ctx, &tiered.Record{
		ThreadID: meta.ConversationID,
		Data:     data,
		Metadata: meta,
	})
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryStorage)
		return err
	}
	m.logger.Debug("checkpoint stored",
		"conversation_id", meta.ConversationID,
		"checkpoint_id", meta.ID,
		"source", meta.Source,
		"step", meta.Step,
		"size", meta.SizeBytes,
	)
	return nil
}

// PutWriteIntent records the side-effecting actions of one processing step
func (m *Manager) PutWriteIntent(ctx context.Context, conversationID, stepID string, intents []types.WriteIntent) error {
	rec := types.WriteIntentRecord{
		ConversationID: conversationID,
		StepID:         stepID,
		Intents:        intents,
		CreatedAt:      m.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding write intents: %w", err)
	}
	return m.store.PutWrites(ctx, conversationID, stepID, data, m.intentTTL)
}

// GetWriteIntent returns the write intents of a processing step, or ErrNotFound
func (m *Manager) GetWriteIntent(ctx context.Context, conversationID, stepID string) (*types.WriteIntentRecord, error) {
	data, err := m.store.GetWrites(ctx, conversationID, stepID)
	if err != nil {
		return nil, err
	}
	var rec types.WriteIntentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding write intents: %w", err)
	}
	return &rec, nil
}

// List returns checkpoint metadata from the durable layer, most recent first
func (m *Manager) List(ctx context.Context, conversationID string, limit int) ([]types.CheckpointMetadata, error) {
	return m.store.List(ctx, conversationID, limit)
}

// CleanupResult reports what a cleanup removed
type CleanupResult struct {
	Durable int64
	Memory  int
}

// CleanupOlderThan deletes durable records older than days and, separately,
// memory entries older than the memory sweep age
func (m *Manager) CleanupOlderThan(ctx context.Context, days int) (CleanupResult, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCheckpointCleanup)
	defer span.End()

	var res CleanupResult
	res.Memory = m.store.SweepMemory(m.memorySweepAge)

	cutoff := m.now().AddDate(0, 0, -days)
	n, err := m.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryStorage)
		return res, err
	}
	res.Durable = n

	m.logger.Info("checkpoint cleanup",
		"retention_days", days,
		"durable_removed", res.Durable,
		"memory_removed", res.Memory,
	)
	return res, nil
}

// Flush waits for background durable writes
func (m *Manager) Flush(ctx context.Context) error {
	return m.store.Flush(ctx)
}

// Health probes the storage layers
func (m *Manager) Health(ctx context.Context) []tiered.LayerHealth {
	return m.store.Health(ctx)
}
