package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/castlink/castlink/internal/adapters/http"
	"github.com/castlink/castlink/internal/app"
	"github.com/castlink/castlink/internal/app/broker"
	"github.com/castlink/castlink/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	b := broker.New(broker.Config{
		RoomsEnabled:      cfg.RoomsEnabled,
		ExclusivePairing:  cfg.ExclusivePairing,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, time.Now)

	monitor := &app.Monitor{
		Registry: b.Registry,
		Interval: cfg.SweepInterval,
		Grace:    cfg.HeartbeatGrace,
		OnPrune:  b.OnDisconnect,
	}
	go monitor.Run(ctx)

	r := router.SetupRouter(ctx, cfg, b)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Bool("rooms", cfg.RoomsEnabled).
			Bool("exclusive", cfg.ExclusivePairing).
			Msg("Castlink signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
