package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/cloud-shuttle/switchboard/internal/agents"
	"github.com/cloud-shuttle/switchboard/internal/checkpoint"
	"github.com/cloud-shuttle/switchboard/internal/codec"
	"github.com/cloud-shuttle/switchboard/internal/config"
	"github.com/cloud-shuttle/switchboard/internal/conversation"
	"github.com/cloud-shuttle/switchboard/internal/db"
	"github.com/cloud-shuttle/switchboard/internal/durable"
	"github.com/cloud-shuttle/switchboard/internal/events"
	"github.com/cloud-shuttle/switchboard/internal/llm"
	"github.com/cloud-shuttle/switchboard/internal/service"
	"github.com/cloud-shuttle/switchboard/internal/tiered"
	"github.com/cloud-shuttle/switchboard/internal/tools"
	"github.com/cloud-shuttle/switchboard/internal/workflow"
	"github.com/cloud-shuttle/switchboard/pkg/telemetry"
)

// app holds every wired component of a running Switchboard process
type app struct {
	logger        *slog.Logger
	telemetry     *telemetry.Provider
	store         *db.Store
	redis         *tiered.RedisCache
	dbosCtx       dbos.DBOSContext
	bus           *events.Bus
	checkpoints   *checkpoint.Manager
	conversations *conversation.Manager
	service       *service.Service
	outbox        *tools.MemoryOutbox
	// closeActive closes the active conversations on shutdown instead of
	// only flushing their pending writes
	closeActive bool
}

// newLogger builds the process logger from the log settings
func newLogger(c *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if c.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("service", c.ServiceName)
}

// openStore opens the SQL layer and makes sure its schema is current
func openStore(c *config.Config) (*db.Store, error) {
	if path, ok := sqlitePath(c.DatabaseURL); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	store, err := db.Open(c.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	if err := store.MigrateSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	store.SetHistoryLimit(c.HistoryLimit)
	return store, nil
}

func sqlitePath(url string) (string, bool) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return "", false
	}
	return strings.TrimPrefix(url, "sqlite://"), true
}

// newGenerator returns the offline mock or the HTTP client
func newGenerator(c *config.Config, logger *slog.Logger) llm.Generator {
	if c.LLMMock {
		return &llm.Mock{}
	}
	return llm.NewClient(llm.Config{
		BaseURL:           c.LLMBaseURL,
		APIKey:            c.LLMAPIKey,
		Model:             c.LLMModel,
		Timeout:           c.LLMTimeout,
		MaxRetries:        2,
		RequestsPerMinute: c.LLMRateLimit,
		Logger:            logger,
	})
}

// newApp wires the storage layers, agents and orchestrator
func newApp(ctx context.Context, c *config.Config) (_ *app, err error) {
	a := &app{logger: newLogger(c)}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   c.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}
	metrics := a.telemetry.Metrics

	a.store, err = openStore(c)
	if err != nil {
		return nil, err
	}
	var durableLayer tiered.Durable = a.store

	if c.DBOSDatabaseURL != "" {
		a.dbosCtx, err = durable.Open(c.ServiceName, c.DBOSDatabaseURL)
		if err != nil {
			return nil, err
		}
		durableLayer = durable.New(a.dbosCtx, a.store, a.logger)
		if err := durable.Launch(a.dbosCtx); err != nil {
			return nil, err
		}
	}

	var cache tiered.Cache
	if c.RedisURL != "" {
		a.redis, err = tiered.OpenRedis(c.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := a.redis.Ping(ctx); err != nil {
			a.logger.Warn("redis unavailable, continuing degraded", "layer", telemetry.LayerCache, "error", err)
		}
		cache = a.redis
	}

	a.bus = events.NewBus()

	codecOpts, err := c.Codec()
	if err != nil {
		return nil, err
	}
	cdc, err := codec.New(codecOpts)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	dispatcher := tiered.NewAsyncDispatcher(a.logger, c.AsyncWriteTimeout, func(name string, err error) {
		a.bus.Publish(context.Background(), events.NewEvent(events.EventDurableWriteFailed, "", "", map[string]any{
			"task":  name,
			"error": err.Error(),
		}))
	})

	store := tiered.New(tiered.Options{
		Cache:      cache,
		Durable:    durableLayer,
		Dispatcher: dispatcher,
		Freshness:  c.MemoryFreshness,
		CacheTTL:   c.CacheTTL,
		Version:    checkpoint.VersionOf,
		Logger:     a.logger,
		Metrics:    metrics,
	})

	a.checkpoints = checkpoint.New(checkpoint.Options{
		Store:          store,
		Codec:          cdc,
		WriteIntentTTL: c.WriteIntentTTL,
		MemorySweepAge: c.MemorySweepAge,
		Logger:         a.logger,
		Metrics:        metrics,
	})

	a.conversations = conversation.NewManager(conversation.Options{
		Checkpoints:   a.checkpoints,
		Shards:        c.Shards,
		IdleTimeout:   c.IdleTimeout,
		SweepInterval: c.SweepInterval,
		Logger:        a.logger,
		Metrics:       metrics,
		Events:        a.bus,
	})

	a.outbox = &tools.MemoryOutbox{}
	deps := agents.Deps{
		Generator: newGenerator(c, a.logger),
		Directory: tools.SampleDirectory(),
		Knowledge: tools.SampleKnowledgeBase(),
		Actions:   tools.NewActions(a.checkpoints, a.outbox, a.logger),
		Logger:    a.logger,
	}

	orchestration := c.Orchestration
	orchestration.Agents = agents.NewSet(deps, agents.DefaultProfiles()...)
	orchestrator, err := workflow.New(workflow.Options{
		Config:  orchestration,
		Logger:  a.logger,
		Metrics: metrics,
		Events:  a.bus,
	})
	if err != nil {
		return nil, err
	}

	a.service = service.New(service.Options{
		Conversations: a.conversations,
		Orchestrator:  orchestrator,
		Checkpoints:   a.checkpoints,
		Logger:        a.logger,
		Events:        a.bus,
	})
	return a, nil
}

// close checkpoints active conversations, waits for pending writes and
// releases every connection
func (a *app) close(ctx context.Context) error {
	var errs []error
	switch {
	case a.conversations != nil && a.closeActive:
		if err := a.conversations.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	case a.checkpoints != nil:
		if err := a.checkpoints.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing checkpoints: %w", err))
		}
	}
	if a.dbosCtx != nil {
		durable.Shutdown(a.dbosCtx, 5*time.Second)
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// withApp runs fn against a wired app and closes it afterwards. Long-running
// commands pass closeActive so their conversations get final checkpoints.
func withApp(ctx context.Context, closeActive bool, fn func(ctx context.Context, a *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	a.closeActive = closeActive
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
