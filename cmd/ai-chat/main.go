package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Xuzeipan/ai-chat/pkg/config"
	"github.com/Xuzeipan/ai-chat/pkg/relay"
	"github.com/Xuzeipan/ai-chat/pkg/server"
	"github.com/Xuzeipan/ai-chat/pkg/store/sqlite"
)

var configPath = flag.String("config", "", "path to the TOML config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	registry := cfg.BuildRegistry(logger)
	if len(registry.Names()) == 0 {
		log.Fatal("no providers configured; set at least one API key")
	}
	logger.Info("providers ready", "names", registry.Names())

	r := relay.New(st, registry, cfg.Modes, relay.Options{
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.Address, r, st, registry, logger)
	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
