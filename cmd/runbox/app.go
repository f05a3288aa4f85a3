package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage/redis"
)

// app holds the process-wide handles built once by the composition root.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *redis.Store
	engine    sandbox.Engine
	languages *language.Registry

	closers []func() error
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().
		Logger()
}

// newApp loads config and connects to the store and the container engine. An
// unreachable engine is not fatal: batch jobs then complete with an error
// message and interactive sessions are refused.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    newLogger(cfg.Log.Level),
		languages: language.NewRegistry(),
	}

	store, err := redis.Open(ctx, cfg.RedisOptions())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	engine, err := sandbox.NewDockerEngine(ctx, cfg.Policy(), &a.logger)
	if err != nil {
		a.logger.Warn().Err(err).Msg("container engine unavailable")
	} else {
		a.engine = engine
		a.closers = append(a.closers, engine.Close)
	}

	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("error during shutdown")
		}
	}
}
