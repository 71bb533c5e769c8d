// sockethub-listener runs a development platform listener against a running
// dispatcher's Redis instance. It answers liveness pings for its platform and
// echoes every queued request back as a message frame.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/magestik247/sockethub/internal/listener"
	"github.com/magestik247/sockethub/internal/queue"
	"github.com/magestik247/sockethub/internal/session"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	platform := os.Getenv("SOCKETHUB_PLATFORM")
	if platform == "" {
		log.Fatal().Msg("SOCKETHUB_PLATFORM is required")
	}
	sockethubID := os.Getenv("SOCKETHUB_ID")
	if sockethubID == "" {
		log.Fatal().Msg("SOCKETHUB_ID is required (must match the dispatcher)")
	}
	redisURL := os.Getenv("SOCKETHUB_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	q, err := queue.Dial(redisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer func() { _ = q.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := q.SubscribeTransport(ctx, queue.ChannelSubsystem(sockethubID))
	bus := session.NewSubsystem(log, transport)
	defer bus.Close()

	l := listener.New(log, platform, sockethubID, q, bus)

	go func() {
		shutdownCh := make(chan os.Signal, 1)
		signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-shutdownCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := l.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("listener error")
	}
	log.Info().Msg("listener stopped")
}
