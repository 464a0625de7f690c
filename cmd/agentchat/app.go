package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/agentchat/internal/handlers"
	"github.com/MegaGrindStone/agentchat/internal/services"
	"gopkg.in/yaml.v3"
)

const appDir = "agentchat"

// app is everything a command needs, wired from the configuration.
type app struct {
	cfg     config
	cfgPath string

	gateway    handlers.SessionGateway
	router     services.Router
	repository handlers.SessionRepository
	// titles is nil when the memory store is configured.
	titles handlers.TitleStore

	logger *slog.Logger
	close  func() error
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, appDir, "config.yaml"), nil
}

// loadConfig reads the config file at path. A missing file yields an empty config, so the command line flags
// alone can describe the backend.
func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfgPath, err := configPath()
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyOverrides(userFlag, urlFlag); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	if verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	level, _ := cfg.logLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	gateway, router, err := cfg.Backend.connect(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s backend: %w", cfg.Backend.kind(), err)
	}

	a := &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		gateway: gateway,
		router:  router,
		logger:  logger,
		close:   func() error { return nil },
	}

	switch cfg.Store {
	case storeMemory:
		a.repository = services.NewMemoryRepository()
	case storeFile:
		dir := filepath.Dir(cfgPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating config directory: %w", err)
		}
		boltDB, err := services.NewBoltDB(filepath.Join(dir, "store.db"))
		if err != nil {
			return nil, err
		}
		a.repository = boltDB
		a.titles = boltDB
		a.close = boltDB.Close
	}

	logger.Debug("Backend configured",
		slog.String("kind", cfg.Backend.kind().String()),
		slog.String("url", cfg.Backend.endpoint()),
		slog.String("store", cfg.Store))

	return a, nil
}

func (a *app) conversationConfig() handlers.Config {
	return handlers.Config{
		Gateway:      a.gateway,
		Router:       a.router,
		Repository:   a.repository,
		Titles:       a.titles,
		Identity:     configIdentity(a.cfg.UserID),
		PollInterval: a.cfg.PollInterval,
		PendingTTL:   a.cfg.PendingTTL,
		Sources:      a.cfg.sourcePolicy(),
	}
}
