// Command seed force-refreshes every configured board once, recording a
// snapshot per board, then prints the latest stored tiles. Useful for
// populating a fresh database before starting the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"tileboard/internal/infrastructure/config"
	"tileboard/internal/infrastructure/logger"
	"tileboard/internal/infrastructure/svc"
	"tileboard/presentation"
)

func main() {
	// Tiles go to stdout, diagnostics to stderr.
	logger.Setup(os.Stderr)

	configPath := flag.String("config", "config.toml", "path to config.toml")
	limit := flag.Int("limit", 10, "tiles to print per board")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	ctx := context.Background()
	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer sc.Close()

	if _, err := sc.Heatmap.RefreshAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("refresh failed")
	}

	for _, b := range sc.Heatmap.Boards() {
		snap, err := sc.Heatmap.SnapshotAsOf(ctx, b.Key.Board, nil)
		if err != nil {
			log.Error().Err(err).Str("board", b.Key.Board).Msg("snapshot lookup failed")
			continue
		}
		tiles, err := sc.Heatmap.TilesFor(ctx, snap, *limit)
		if err != nil {
			log.Error().Err(err).Str("board", b.Key.Board).Msg("tile reconstruction failed")
			continue
		}

		fmt.Printf("\n[%s] %d rows\n", b.Key.Board, len(tiles))
		presentation.RenderText(os.Stdout, tiles)
	}
}
