package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"snackloader-backend/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background sweeper",
	RunE:  runServe,
}

func webPushOptions() *webpush.Options {
	return &webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// The single-device routes address this device without registering it.
	if _, err := a.coord.GetOrCreateDevice(ctx, cfg.Feeding.DefaultDeviceID); err != nil {
		return fmt.Errorf("failed to prepare default device: %w", err)
	}

	go a.coord.Run(ctx)

	var pushOptions *webpush.Options
	if cfg.Push.Enabled() {
		pushOptions = webPushOptions()
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(cfg.Server, api.Deps{
		Store:       a.store,
		Coordinator: a.coord,
		Verifier:    buildVerifier(),
		WebPush:     pushOptions,
		Gatherer:    a.registry,
		Logger:      logger,
		Responses:   a.responses,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info().Msg("shutdown signal received, stopping services")
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	logger.Info().Msg("server gracefully stopped")
	return nil
}
