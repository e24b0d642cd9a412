package svc

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"tileboard/internal/application/port"
	"tileboard/internal/application/service"
	"tileboard/internal/domain/model"
	"tileboard/internal/infrastructure/cache"
	"tileboard/internal/infrastructure/config"
	"tileboard/internal/infrastructure/moex"
	"tileboard/internal/infrastructure/storage/postgres"
	"tileboard/internal/infrastructure/storage/sqlite"
)

// ServiceContext owns every long-lived dependency. It is the single place
// where backends are chosen and wired; request handlers receive the already
// constructed Heatmap service, never ambient globals.
type ServiceContext struct {
	Ctx     context.Context
	Config  *config.Config
	Heatmap *service.Heatmap

	closerChain []func() error
}

func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		closerChain: make([]func() error, 0),
	}

	store, err := sc.initStorage()
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}

	tileCache, err := sc.initCache(ctx)
	if err != nil {
		_ = sc.Close()
		return nil, fmt.Errorf("cache initialization failed: %w", err)
	}

	client := moex.NewClient(cfg.HTTP.BaseURL, cfg.HTTPTimeout(), cfg.HTTP.Retries)

	boards := make([]service.BoardConfig, 0, len(cfg.Boards))
	for _, b := range cfg.Boards {
		boards = append(boards, service.BoardConfig{
			Key:   model.BoardKey{Engine: b.Engine, Market: b.Market, Board: b.Board},
			Title: b.Title,
		})
	}

	sc.Heatmap = service.NewHeatmap(client, tileCache, store, cfg.CacheTTL(), boards)

	log.Info().
		Str("storage", cfg.Storage.Backend).
		Str("cache", cfg.Cache.Backend).
		Int("boards", len(boards)).
		Msg("components initialized")
	return sc, nil
}

func (sc *ServiceContext) initStorage() (port.SnapshotStore, error) {
	switch sc.Config.Storage.Backend {
	case "postgres":
		store, err := postgres.New(sc.Config.Storage.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		sc.closerChain = append(sc.closerChain, store.Close)
		log.Info().Msg("postgres snapshot store ready")
		return store, nil
	default:
		store, err := sqlite.New(sc.Config.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		sc.closerChain = append(sc.closerChain, store.Close)
		log.Info().Str("path", sc.Config.Storage.SQLite.Path).Msg("sqlite snapshot store ready")
		return store, nil
	}
}

func (sc *ServiceContext) initCache(ctx context.Context) (port.TileCache, error) {
	if sc.Config.Cache.Backend == "redis" {
		r := sc.Config.Cache.Redis
		c, err := cache.NewRedis(ctx, r.Addr, r.Password, r.DB)
		if err != nil {
			return nil, err
		}
		sc.closerChain = append(sc.closerChain, c.Close)
		log.Info().Str("addr", r.Addr).Msg("redis tile cache ready")
		return c, nil
	}
	return cache.NewMemory(), nil
}

// Close releases resources in reverse initialization order.
func (sc *ServiceContext) Close() error {
	var firstErr error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
