package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gilchrisn/feature-sankey-service/pkg/config"
	"github.com/gilchrisn/feature-sankey-service/pkg/featurestore"
	"github.com/gilchrisn/feature-sankey-service/pkg/grouping"
	"github.com/gilchrisn/feature-sankey-service/sankey-backend/api"
	"github.com/gilchrisn/feature-sankey-service/sankey-backend/service"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	cfg := config.NewConfig()
	if path := os.Getenv("SANKEY_CONFIG"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
		}
	}
	log.Logger = cfg.CreateLogger()

	log.Info().Msg("Starting Feature Sankey Backend")

	srv := cfg.Server()
	log.Info().
		Str("address", srv.Address).
		Str("store", cfg.StorePath()).
		Int("max_sessions", cfg.MaxSessions()).
		Msg("Configuration loaded")

	store, err := featurestore.Open(cfg.StorePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open feature store")
	}
	defer store.Close()

	local := grouping.NewLocalProvider(store, cfg.HistogramBins())

	// Sessions use the remote grouping service when one is configured
	var provider grouping.Provider = local
	if g := cfg.Grouping(); g.BaseURL != "" {
		client, err := grouping.NewHTTPClient(grouping.ClientOptions{
			BaseURL:    g.BaseURL,
			Timeout:    g.Timeout,
			MaxRetries: g.MaxRetries,
			RateLimit:  g.RateLimit,
			Burst:      g.Burst,
			Logger:     log.Logger,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create grouping client")
		}
		provider = client
		log.Info().Str("base_url", g.BaseURL).Msg("Using remote grouping service")
	}

	sessionService := service.NewSessionService(provider, cfg.DefaultPercentiles(), cfg.MaxSessions(), log.Logger)
	defer sessionService.Close()

	log.Info().Msg("Services initialized")

	handlers := api.NewHandlers(sessionService, local, api.DragSettings{
		Epsilon:       cfg.DragEpsilon(),
		FrameInterval: cfg.FrameInterval(),
	})

	router := mux.NewRouter()
	api.SetupRoutes(router, handlers)

	router.Use(api.LoggingMiddleware)
	router.Use(api.RecoveryMiddleware)

	server := &http.Server{
		Addr:         srv.Address,
		Handler:      api.CORSHandler(router, srv.AllowedOrigins),
		ReadTimeout:  srv.ReadTimeout,
		WriteTimeout: srv.WriteTimeout,
	}

	go func() {
		log.Info().
			Str("address", srv.Address).
			Msg("HTTP server starting")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), srv.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server shutdown complete")
}
