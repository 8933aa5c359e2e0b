package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/driftwire/chatctl/internal/admin"
	"github.com/driftwire/chatctl/internal/channel"
	"github.com/driftwire/chatctl/internal/config"
	"github.com/driftwire/chatctl/internal/observability"
	"github.com/driftwire/chatctl/internal/router"
	"github.com/driftwire/chatctl/internal/transport"
)

func main() {
	configPath := flag.String("config", "chatctl.toml", "path to daemon config")
	flag.Parse()

	observability.InitLogger("chatctl")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Info().Str("path", *configPath).Msg("loaded config")

	authData, err := os.ReadFile(cfg.Channel.AuthFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Channel.AuthFile).Msg("failed to read auth file")
	}

	tr, err := transport.NewTCP(cfg.TransportConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build transport")
	}

	svcCfg := cfg.ChannelServiceConfig(authData)
	svcCfg.OnHandlerError = func(reg router.Registration, err error) {
		log.Warn().Str("registration", string(reg)).Err(err).Msg("inbound handler failed")
	}
	svc, err := channel.New(tr, svcCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build channel service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize channel")
	}
	defer func() {
		if err := svc.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("shutdown failed")
		}
	}()

	server := admin.New(svc, cfg.Admin.Addr, cfg.Admin.CorsOrigins)
	log.Info().Str("addr", cfg.Admin.Addr).Msg("chatctl started")
	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("admin server stopped")
	}
}
