package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"tileboard/internal/infrastructure/config"
	"tileboard/internal/infrastructure/logger"
	"tileboard/internal/infrastructure/svc"
	"tileboard/internal/interfaces/web"
)

func main() {
	logger.Setup(os.Stdout)

	configPath := flag.String("config", "config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}
	defer sc.Close()

	log.Info().
		Str("config", *configPath).
		Str("addr", cfg.Server.Addr).
		Int("cache_ttl_sec", cfg.Cache.TTLSec).
		Int("boards", len(cfg.Boards)).
		Msg("started")

	server := web.NewServer(cfg.Server.Addr, sc.Heatmap, cfg.Server.AdminToken)
	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("http server failed")
	}
	log.Warn().Msg("exit")
}
