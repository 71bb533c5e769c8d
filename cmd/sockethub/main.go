package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/magestik247/sockethub/internal/config"
	"github.com/magestik247/sockethub/internal/dispatcher"
	"github.com/magestik247/sockethub/internal/protocol"
	"github.com/magestik247/sockethub/internal/queue"
	"github.com/magestik247/sockethub/internal/session"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load platform catalog")
	}

	q, err := queue.Dial(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer func() { _ = q.Close() }()

	transport := q.SubscribeTransport(context.Background(), queue.ChannelSubsystem(cfg.SockethubID))
	sessions := session.NewManager(log, q, transport, cfg.SockethubID)

	d, err := dispatcher.New(cfg, log, reg, q, sessions)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create dispatcher")
	}

	// Liveness readiness is advisory: a failure leaves the dispatcher
	// running, and requests to unresponsive platforms are rejected at
	// ingress. A shutdown signal aborts the outstanding retries.
	initCtx, stopInitSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = d.Init(initCtx)
	stopInitSignals()
	if initCtx.Err() != nil {
		log.Info().Msg("interrupted during startup")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("dispatcher may not function correctly")
	}

	server := dispatcher.NewServer(cfg.ListenAddr, log, d)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-shutdownCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}

	log.Info().Msg("server shutdown complete")
}

// loadRegistry builds the platform registry from the configured catalog file,
// or starts empty so only the built-in dispatcher platform is available.
func loadRegistry(cfg *config.Config) (*protocol.Registry, error) {
	if cfg.CatalogPath == "" {
		return protocol.NewRegistry(), nil
	}
	f, err := os.Open(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return protocol.LoadCatalog(f)
}
