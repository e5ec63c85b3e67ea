package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stueble-dev/stueble/internal/auth"
	"github.com/stueble-dev/stueble/internal/config"
	"github.com/stueble-dev/stueble/internal/storage"
)

// App coordinates the HTTP listener, the websocket dispatcher, the
// connection registry, and the change-bus bridge. The registry and tracker
// are created at server start and torn down with it; nothing else owns
// them.
type App struct {
	cfg            config.ServerConfig
	store          storage.Store
	resolver       auth.Resolver
	signer         *auth.Signer
	registry       *Registry
	tracker        *Tracker
	fanout         *Fanout
	bridge         *Bridge
	dispatcher     *Dispatcher
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
}

// NewApp constructs a server instance using the provided dependencies.
func NewApp(cfg config.ServerConfig, store storage.Store) (*App, error) {
	signer, err := auth.NewSigner(cfg.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}

	registry := NewRegistry()
	tracker := NewTracker()
	fanout := NewFanout(registry, tracker)
	resolver := auth.NewStoreResolver(store)

	a := &App{
		cfg:            cfg,
		store:          store,
		resolver:       resolver,
		signer:         signer,
		registry:       registry,
		tracker:        tracker,
		fanout:         fanout,
		bridge:         NewBridge(cfg.Bridge, store, fanout),
		dispatcher:     NewDispatcher(cfg, store, resolver, signer, registry, tracker),
		allowedOrigins: make(map[string]bool),
	}
	for _, origin := range cfg.AllowedOrigins {
		a.allowedOrigins[origin] = true
	}
	a.upgrader = websocket.Upgrader{CheckOrigin: a.checkOrigin}
	return a, nil
}

// Run serves until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	go a.bridge.Run(ctx)

	srv := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: a.routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(a.allowedOrigins) > 0 {
		return a.allowedOrigins[origin]
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return parsed.Host == r.Host
}
