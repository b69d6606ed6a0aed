package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/config"
	"github.com/zhouzirui/parley/internal/handler"
	"github.com/zhouzirui/parley/internal/handler/relay"
	"github.com/zhouzirui/parley/internal/logging"
	"github.com/zhouzirui/parley/internal/model/persona"
	"github.com/zhouzirui/parley/internal/service/ai"
	relationshipService "github.com/zhouzirui/parley/internal/service/relationship"
	"github.com/zhouzirui/parley/internal/service/speech"
	"github.com/zhouzirui/parley/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// run wires the relay and serves until ctx ends. Failures are logged here and
// returned so deferred cleanup runs before the process exits.
func run(ctx context.Context) error {
	envErr := godotenv.Load()

	cfg, err := config.LoadRelay()
	if err != nil {
		fallback := logging.New(logging.Config{})
		fallback.Error().Err(err).Msg("failed to load configuration")
		return err
	}

	logger := logging.New(cfg.Log)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using process environment only")
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, "parley-relay")
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	personaStore := persona.NewMemoryStore(persona.Seed())
	var repoOpts []relationshipService.Option
	if cfg.RedisURL != "" {
		repo, err := relationshipService.NewRedisRepository(ctx, cfg.RedisURL, cfg.RelationshipTTL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		defer repo.Close()
		repoOpts = append(repoOpts, relationshipService.WithRepository(repo))
		logger.Info().Dur("ttl", cfg.RelationshipTTL).Msg("relationships stored in redis")
	}
	relationships := relationshipService.NewService(personaStore, logger, repoOpts...)

	router := handler.NewRouter(handler.Dependencies{
		Personas:      personaStore,
		Relationships: relationships,
		Responder:     ai.EchoResponder{},
		Voice:         speech.EncodedVoice{},
		Relay: relay.Options{
			ResponseDelay: cfg.ResponseDelay,
			VoiceEnabled:  cfg.VoiceEnabled,
		},
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	return startServer(ctx, logger, cfg.Addr, router)
}

func startServer(ctx context.Context, logger zerolog.Logger, addr string, router http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("parley relay listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Error().Err(err).Msg("server error")
		return err
	}
	logger.Info().Msg("parley relay stopped")
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
