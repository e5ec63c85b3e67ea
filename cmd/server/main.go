package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/stueble-dev/stueble/internal/config"
	"github.com/stueble-dev/stueble/internal/server"
	"github.com/stueble-dev/stueble/internal/storage/sqlite"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := sqlite.NewStore(cfg.Database)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	defer store.Close()

	app, err := server.NewApp(cfg, store)
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("server shutdown: %v", err)
	}
}
