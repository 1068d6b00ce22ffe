package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/eventrelay/go/internal/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = config.DefaultFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("eventrelay stopped with error")
	}
	log.Info().Msg("eventrelay stopped")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Pretty || strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.Logger.With().Str("service", "eventrelay").Logger()
}

func run(ctx context.Context, cfg config.Config) error {
	services, err := setupServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	for _, w := range services.Workers {
		if err := w.Start(ctx); err != nil {
			return err
		}
	}
	defer func() {
		for _, w := range services.Workers {
			if err := w.Stop(); err != nil {
				log.Warn().Err(err).Str("worker", w.Name()).Msg("failed to stop worker")
			}
		}
	}()

	server := setupServer(cfg.Server, services.Health)

	g, gctx := errgroup.WithContext(ctx)
	if services.Listener != nil {
		g.Go(func() error { return services.Listener.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
