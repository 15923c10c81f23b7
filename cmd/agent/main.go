// applianced is the on-device agent binary: it bridges Cloud device
// management with the local Privet API for phone-app pairing, discovery,
// and command dispatch.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/applianced/applianced/internal/config"
	"github.com/applianced/applianced/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("applianced starting")

	cfg := config.Load()

	settingsPath := os.Getenv("APPLIANCED_SETTINGS_PATH")
	if settingsPath == "" {
		settingsPath = "applianced-settings.json"
	}

	httpClient := newNetHTTPClient()
	configStore := newFileConfigStore(settingsPath)
	certFingerprint := sha256.Sum256([]byte("applianced-demo-listener"))

	srv, err := server.New(cfg, httpClient, configStore, certFingerprint[:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start controller")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.PrivetPort),
		Handler:      srv.HTTPHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.PrivetPort).Msg("privet listener ready")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
