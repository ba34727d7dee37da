// Package app wires the service together for the server binary and the
// serverless entry point.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arnavshah/ecs-timetable/pkg/auth"
	"github.com/arnavshah/ecs-timetable/pkg/config"
	"github.com/arnavshah/ecs-timetable/pkg/database"
	"github.com/arnavshah/ecs-timetable/pkg/handlers"
	"github.com/arnavshah/ecs-timetable/pkg/lock"
	"github.com/arnavshah/ecs-timetable/pkg/tasks"
)

// App holds the running service
type App struct {
	Handler *handlers.Handler
	Runner  *tasks.Runner
	redis   *redis.Client
}

// New connects the database, picks the lock backend and builds the handler
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	db, err := database.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	authenticator := auth.New(cfg)
	if err := authenticator.EnsureAdminExists(db, cfg, log); err != nil {
		return nil, fmt.Errorf("ensure admin: %w", err)
	}

	a := &App{}
	var locker lock.Locker
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedisLocker(a.redis)
		log.Info("using redis locks", zap.String("addr", cfg.RedisAddr))
	} else {
		locker = lock.NewMemoryLocker()
	}

	store := database.NewStore(db, log)
	a.Runner = tasks.NewRunner(store, locker, log, tasks.Options{
		Timeout:        cfg.OptimizeTimeout,
		LockTTL:        cfg.LockTTL,
		PopulationSize: cfg.GAPopulationSize,
		Generations:    cfg.GAGenerations,
	})
	a.Handler = &handlers.Handler{
		DB:     db,
		Store:  store,
		Runner: a.Runner,
		Auth:   authenticator,
		Config: cfg,
		Logger: log,
	}
	return a, nil
}

// Close waits for running optimizations and releases connections
func (a *App) Close(ctx context.Context) error {
	err := a.Runner.Shutdown(ctx)
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, dbErr := a.Handler.DB.DB(); dbErr == nil {
		_ = sqlDB.Close()
	}
	return err
}
