package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"parley/internal/chat"
	"parley/internal/config"
	"parley/internal/dispatch"
	"parley/internal/metrics"
	"parley/internal/providers/registry"
	"parley/internal/queue"
	"parley/internal/storage"
	"parley/internal/supervisor"
	"parley/internal/vault"
)

type appOptions struct {
	store bool
	redis bool
}

// app is the wired engine for one process.
type app struct {
	cfg       *config.Config
	file      *config.File
	registry  *registry.Registry
	vault     *vault.Vault
	metrics   *metrics.Metrics
	store     *storage.Store
	redis     *redis.Client
	events    *queue.EventStream
	dispatch  *dispatch.Service
	responder *chat.Responder
	logger    zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	file, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	keys, err := keyRing(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		file:     file,
		registry: registry.New(file.Providers, file.Schemas),
		vault:    vault.New(vault.Config{KeyRing: keys, Logger: logger.With().Str("component", "vault").Logger()}),
		metrics:  metrics.Global(),
		logger:   logger,
	}
	supObservers := supervisor.Observers{a.metrics}
	dispObservers := []dispatch.Observer{a.metrics}

	if opts.store && cfg.DB.Enabled {
		if err := a.openStore(ctx); err != nil {
			logger.Warn().Err(err).Msg("usage log unavailable")
		}
	}

	var limiter dispatch.Limiter
	if opts.redis && cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, events and rate limits disabled")
		} else {
			a.redis = rdb
			a.events = queue.NewEventStream(rdb, cfg.Redis.EventStream, cfg.Redis.EventMaxLen, logger.With().Str("component", "events").Logger())
			supObservers = append(supObservers, a.events)
			dispObservers = append(dispObservers, a.events)
			if cfg.Rate.PerHour > 0 {
				limiter = queue.NewRateLimiter(rdb, "parley", cfg.Rate.PerHour)
			}
		}
	}

	var recorder dispatch.Recorder
	if a.store != nil {
		recorder = a.store
	}
	a.dispatch = dispatch.New(dispatch.Config{
		Registry: a.registry,
		Secrets:  a.vault,
		Supervisor: supervisor.New(supervisor.Config{
			Logger:   logger.With().Str("component", "supervisor").Logger(),
			Observer: supObservers,
		}),
		CurlPath:   cfg.Dispatch.CurlPath,
		CacheDir:   cfg.Dispatch.CacheDir,
		CacheLimit: cfg.Dispatch.CacheLimit,
		MaxQueries: cfg.Dispatch.MaxQueries,
		QueryTTL:   cfg.Dispatch.QueryTTL,
		Recorder:   recorder,
		Limiter:    limiter,
		Observers:  dispObservers,
		Logger:     logger.With().Str("component", "dispatch").Logger(),
	})

	var topic *chat.Agent
	if file.TopicAgent != "" {
		t, err := file.Agent(file.TopicAgent)
		if err != nil {
			return nil, err
		}
		topic = &t
	}
	a.responder = chat.NewResponder(chat.Config{
		Dispatcher:       a.dispatch,
		Payloads:         a.registry,
		Files:            chat.NewFileResolver(cfg.WorkDir),
		Markers:          file.Markers,
		MemoryEnabled:    cfg.Memory.Enabled,
		MaxFullExchanges: cfg.Memory.MaxFullExchanges,
		TopicAgent:       topic,
		TopicPrompt:      file.TopicPrompt,
		Logger:           logger.With().Str("component", "responder").Logger(),
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DB.Driver == "sqlite" || a.cfg.DB.Driver == "sqlite3" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.DB.DSN), 0o700); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	store, err := storage.Open(ctx, a.cfg.DB.Driver, a.cfg.DB.DSN, a.cfg.DB.AutoMigrate, "")
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close usage log")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func keyRing(cfg *config.Config) (*vault.KeyRing, error) {
	if len(cfg.Crypto.Keys) == 0 {
		return nil, nil
	}
	ring, err := vault.NewKeyRing(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return nil, fmt.Errorf("initialize key ring: %w", err)
	}
	return ring, nil
}
