package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tileboard/internal/application/port"
	"tileboard/internal/domain/model"
)

// Redis stores tile sets as JSON values with a per-key TTL. Any backend
// failure is reported as a miss (reads) or dropped with a warning (writes);
// the cache must never turn into an error source for the serving path.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Get(ctx context.Context, key model.BoardKey) ([]model.Tile, bool) {
	raw, err := r.rdb.Get(ctx, key.String()).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("redis cache read failed")
		}
		return nil, false
	}
	var tiles []model.Tile
	if err := json.Unmarshal(raw, &tiles); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("redis cache entry malformed")
		return nil, false
	}
	return tiles, true
}

func (r *Redis) Put(ctx context.Context, key model.BoardKey, tiles []model.Tile, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(tiles)
	if err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("redis cache encode failed")
		return
	}
	if err := r.rdb.Set(ctx, key.String(), raw, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("redis cache write failed")
	}
}

func (r *Redis) Close() error { return r.rdb.Close() }

var _ port.TileCache = (*Redis)(nil)
