// Package durable runs durable-layer checkpoint writes as DBOS workflows so a
// write interrupted by a crash is completed when the process restarts.
package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/tiered"
	"github.com/cloud-shuttle/switchboard/pkg/types"
	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
)

// Store decorates a durable layer. SaveCheckpoint goes through a registered
// workflow with a retried step; every other call is passed straight through.
type Store struct {
	dbosCtx dbos.DBOSContext
	inner   tiered.Durable
	logger  *slog.Logger
}

var _ tiered.Durable = (*Store)(nil)

// SaveResult is the output of the checkpoint step
type SaveResult struct {
	Stale   bool
	Current types.Version
}

// New registers the checkpoint workflow on dbosCtx. It must be called
// before dbos.Launch.
func New(dbosCtx dbos.DBOSContext, inner tiered.Durable, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{dbosCtx: dbosCtx, inner: inner, logger: logger}
	dbos.RegisterWorkflow(dbosCtx, s.SaveCheckpointWorkflow)
	return s
}

// Open creates a DBOS context against the system database at url. Register
// workflows through New before calling Launch.
func Open(appName, url string) (dbos.DBOSContext, error) {
	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     appName,
		DatabaseURL: url,
	})
	if err != nil {
		return nil, fmt.Errorf("creating DBOS context: %w", err)
	}
	return dbosCtx, nil
}

// Launch starts the DBOS runtime, recovering pending checkpoint workflows
func Launch(dbosCtx dbos.DBOSContext) error {
	if err := dbos.Launch(dbosCtx); err != nil {
		return fmt.Errorf("launching DBOS: %w", err)
	}
	return nil
}

// Shutdown stops the DBOS runtime
func Shutdown(dbosCtx dbos.DBOSContext, timeout time.Duration) {
	dbos.Shutdown(dbosCtx, timeout)
}

// SaveCheckpointWorkflow writes one checkpoint record in a retried step
func (s *Store) SaveCheckpointWorkflow(ctx dbos.DBOSContext, rec tiered.Record) (SaveResult, error) {
	return dbos.RunAsStep(ctx, func(stepCtx context.Context) (SaveResult, error) {
		err := s.inner.SaveCheckpoint(stepCtx, &rec)
		var stale *tiered.StaleCheckpointError
		if errors.As(err, &stale) {
			// a newer version is already stored; retrying cannot help
			return SaveResult{Stale: true, Current: stale.Current}, nil
		}
		return SaveResult{}, err
	}, dbos.WithStepMaxRetries(3))
}

// SaveCheckpoint runs the checkpoint workflow and waits for its result. The
// workflow ID is derived from the checkpoint ID, so a recovered workflow and
// a repeated call for the same checkpoint are one write.
func (s *Store) SaveCheckpoint(ctx context.Context, rec *tiered.Record) error {
	id := rec.Metadata.ID
	if id == "" {
		id = uuid.NewString()
	}
	workflowID := fmt.Sprintf("checkpoint:%s:%s", rec.ThreadID, id)

	handle, err := dbos.RunWorkflow(s.dbosCtx, s.SaveCheckpointWorkflow, *rec, dbos.WithWorkflowID(workflowID))
	if err != nil {
		return fmt.Errorf("starting checkpoint workflow: %w", err)
	}
	res, err := handle.GetResult()
	if err != nil {
		return fmt.Errorf("checkpoint workflow %s: %w", workflowID, err)
	}
	if res.Stale {
		return &tiered.StaleCheckpointError{
			ThreadID:  rec.ThreadID,
			Current:   res.Current,
			Attempted: rec.Metadata.Version(),
		}
	}
	s.logger.Debug("checkpoint workflow complete", "thread_id", rec.ThreadID, "workflow_id", workflowID)
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) (*tiered.Record, error) {
	return s.inner.LoadCheckpoint(ctx, threadID)
}

func (s *Store) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]types.CheckpointMetadata, error) {
	return s.inner.ListCheckpoints(ctx, threadID, limit)
}

func (s *Store) LoadWrites(ctx context.Context, threadID, taskID string) ([]byte, error) {
	return s.inner.LoadWrites(ctx, threadID, taskID)
}

func (s *Store) SaveWrites(ctx context.Context, threadID, taskID string, data []byte, expiresAt time.Time) error {
	return s.inner.SaveWrites(ctx, threadID, taskID, data, expiresAt)
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.inner.DeleteOlderThan(ctx, cutoff)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}
