package durable_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloud-shuttle/switchboard/internal/db"
	"github.com/cloud-shuttle/switchboard/internal/durable"
	"github.com/cloud-shuttle/switchboard/internal/tiered"
	"github.com/cloud-shuttle/switchboard/pkg/types"
)

func setupDurable(t *testing.T) *durable.Store {
	t.Helper()
	url := os.Getenv("DBOS_SYSTEM_DATABASE_URL")
	if url == "" {
		t.Skip("DBOS_SYSTEM_DATABASE_URL not set")
	}

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	dbosCtx, err := durable.Open(fmt.Sprintf("switchboard-test-%d", time.Now().UnixNano()), url)
	if err != nil {
		t.Fatalf("Failed to create DBOS context: %v", err)
	}
	d := durable.New(dbosCtx, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := durable.Launch(dbosCtx); err != nil {
		t.Fatalf("Failed to launch DBOS: %v", err)
	}
	t.Cleanup(func() { durable.Shutdown(dbosCtx, 5*time.Second) })
	return d
}

func rec(thread, id string, step int) *tiered.Record {
	return &tiered.Record{
		ThreadID: thread,
		Data:     []byte(fmt.Sprintf("step-%d", step)),
		Metadata: types.CheckpointMetadata{ID: id, ConversationID: thread, Step: step, CreatedAt: time.Now().UTC()},
	}
}

func TestSaveCheckpointWorkflow(t *testing.T) {
	d := setupDurable(t)
	ctx := context.Background()
	thread := fmt.Sprintf("conv-%d", time.Now().UnixNano())

	if err := d.SaveCheckpoint(ctx, rec(thread, thread+"-2", 2)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	// same checkpoint ID replays the recorded workflow result
	if err := d.SaveCheckpoint(ctx, rec(thread, thread+"-2", 2)); err != nil {
		t.Fatalf("Repeated SaveCheckpoint failed: %v", err)
	}

	err := d.SaveCheckpoint(ctx, rec(thread, thread+"-1", 1))
	if !errors.Is(err, tiered.ErrStale) {
		t.Fatalf("Expected stale error, got %v", err)
	}

	got, err := d.LoadCheckpoint(ctx, thread)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if string(got.Data) != "step-2" {
		t.Errorf("Expected step-2, got %q", got.Data)
	}
}
