package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tileboard/internal/application/port"
	"tileboard/internal/domain/model"
)

// BoardConfig is one board the service serves, with its display title.
type BoardConfig struct {
	Key   model.BoardKey
	Title string
}

// Heatmap ties the quote source, the freshness cache and the snapshot store
// together. One instance is shared by all requests.
type Heatmap struct {
	source port.QuoteSource
	cache  port.TileCache
	store  port.SnapshotStore
	ttl    time.Duration
	boards []BoardConfig
	now    func() time.Time
}

func NewHeatmap(source port.QuoteSource, cache port.TileCache, store port.SnapshotStore, ttl time.Duration, boards []BoardConfig) *Heatmap {
	return &Heatmap{
		source: source,
		cache:  cache,
		store:  store,
		ttl:    ttl,
		boards: boards,
		now:    time.Now,
	}
}

// Boards returns the configured boards in config order.
func (h *Heatmap) Boards() []BoardConfig { return h.boards }

// Tiles returns the tile set for one board. fresh=false serves from the cache
// when a live entry exists; fresh=true always fetches, repopulates the cache
// and records a snapshot as a best-effort side write.
func (h *Heatmap) Tiles(ctx context.Context, key model.BoardKey, fresh bool) ([]model.Tile, error) {
	if !fresh {
		if tiles, ok := h.cache.Get(ctx, key); ok {
			return tiles, nil
		}
	}

	rows, err := h.source.BoardData(ctx, key.Engine, key.Market, key.Board)
	if err != nil {
		return nil, err
	}
	tiles := ComputeTiles(rows)
	h.cache.Put(ctx, key, tiles, h.ttl)

	if fresh {
		h.saveSnapshot(ctx, key, tiles)
	}
	return tiles, nil
}

// saveSnapshot records tiles durably. A durability failure must never turn a
// successful live fetch into a failed response, so every error ends here.
func (h *Heatmap) saveSnapshot(ctx context.Context, key model.BoardKey, tiles []model.Tile) {
	title := ""
	for _, b := range h.boards {
		if b.Key == key {
			title = b.Title
			break
		}
	}

	err := h.store.SaveSnapshot(ctx, key, title, h.now(), StorageItems(tiles))
	switch {
	case err == nil:
	case errors.Is(err, port.ErrDuplicateSnapshot):
		// lost the race with a concurrent fresh request; their write stands
		log.Debug().Str("board", key.Board).Msg("snapshot already recorded, skipping")
	default:
		log.Error().Err(err).Str("board", key.Board).Msg("snapshot write failed")
	}
}

// RefreshAll force-refreshes every configured board concurrently.
func (h *Heatmap) RefreshAll(ctx context.Context) (map[string][]model.Tile, error) {
	results := make([]([]model.Tile), len(h.boards))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range h.boards {
		i, b := i, b
		g.Go(func() error {
			tiles, err := h.Tiles(gctx, b.Key, true)
			if err != nil {
				return err
			}
			results[i] = tiles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]model.Tile, len(h.boards))
	for i, b := range h.boards {
		out[b.Key.Board] = results[i]
	}
	return out, nil
}

// SnapshotAsOf, TilesFor and RecentSnapshots expose the store's read path;
// the cache and the live source are bypassed entirely.

func (h *Heatmap) SnapshotAsOf(ctx context.Context, boardCode string, at *time.Time) (*port.Snapshot, error) {
	return h.store.SnapshotAsOf(ctx, boardCode, at)
}

func (h *Heatmap) TilesFor(ctx context.Context, snap *port.Snapshot, limit int) ([]model.Tile, error) {
	return h.store.TilesFor(ctx, snap, limit)
}

func (h *Heatmap) RecentSnapshots(ctx context.Context, boardCode string, limit int) ([]port.SnapshotInfo, error) {
	return h.store.RecentSnapshots(ctx, boardCode, limit)
}
