package port

import (
	"context"
	"time"

	"tileboard/internal/domain/model"
)

// TileCache is a pure accelerator in front of the quote source.
// A miss (or any backend failure, reported as a miss) is never an error;
// the caller falls back to the live fetch.
type TileCache interface {
	Get(ctx context.Context, key model.BoardKey) ([]model.Tile, bool)
	Put(ctx context.Context, key model.BoardKey, tiles []model.Tile, ttl time.Duration)
}
