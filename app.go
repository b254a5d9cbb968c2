package main

import (
	"errors"
	"log/slog"
	"os"

	"SceneForge-server/apperr"
	"SceneForge-server/config"
	"SceneForge-server/identity"
	"SceneForge-server/models"
	"SceneForge-server/provider"
	"SceneForge-server/reference"
	"SceneForge-server/service"
)

// app holds everything one command needs, built from config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *models.Store
	orch     *service.Orchestrator
	exporter *service.Exporter
	queue    *service.AsynqQueue
}

func jsonLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func textLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "config.yaml" {
		path = ""
	}
	cfg, err := config.Load(path, overridePath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, err, "load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	db, err := models.OpenDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	logger.Info("database initialized", "driver", cfg.Database.Driver)
	store := models.NewStore(db)

	a := &app{cfg: cfg, logger: logger, store: store}
	deps := service.Deps{Store: store, Logger: logger}

	// Without a key only dry runs are possible; live starts report the
	// missing key.
	var uploader reference.Uploader
	if client, err := provider.NewWaveSpeed(cfg.Provider, logger); err != nil {
		logger.Warn("provider disabled", "error", err)
	} else {
		deps.Provider = client
		uploader = client
	}
	deps.References = reference.NewResolver(reference.Options{
		Root:             cfg.References.Root,
		ShortLinkDomains: cfg.References.ShortLinkDomains,
		Timeout:          cfg.References.RequestTimeout(),
		Logger:           logger,
	}, uploader)

	sources := []identity.Source{
		identity.NewEncyclopedia("", nil),
		identity.NewCommons("", nil),
	}
	if cfg.Character.SerpAPIKey != "" {
		sources = append(sources, identity.NewWeb("", cfg.Character.SerpAPIKey, nil))
	}
	deps.Auditor = identity.NewAuditor(logger, sources...)
	deps.Registry = identity.NewRegistry(store)

	if cfg.Execution.Strategy == config.StrategyQueue {
		a.queue = service.NewAsynqQueue(cfg, logger)
		deps.Enqueuer = a.queue
		logger.Info("queue initialized", "redis", cfg.Redis.Addr)
	}

	a.orch = service.New(deps, service.OptionsFromConfig(cfg))

	var objects service.ObjectStore
	if cfg.MinIO.Endpoint != "" {
		m, err := service.NewMinIOStore(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		objects = m
		logger.Info("minio initialized", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
	}
	a.exporter = service.NewExporter(a.orch, objects, logger)
	return a, nil
}

func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", "error", err)
		}
	}
	if db, err := a.store.DB().DB(); err == nil {
		_ = db.Close()
	}
}

// storyID picks the flag value, falling back to story.id from config.
func (a *app) storyID(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.Story.ID != "" {
		return a.cfg.Story.ID, nil
	}
	return "", apperr.Validation("no story id: pass --story or set story.id")
}
