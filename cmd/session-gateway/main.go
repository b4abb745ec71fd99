package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirrus7/ready-or-not-sub005/internal/broadcast"
	"github.com/sirrus7/ready-or-not-sub005/internal/catalog"
	"github.com/sirrus7/ready-or-not-sub005/internal/dbconfig"
	"github.com/sirrus7/ready-or-not-sub005/internal/decision/outbox"
	"github.com/sirrus7/ready-or-not-sub005/internal/decision/repository"
	"github.com/sirrus7/ready-or-not-sub005/internal/gateway"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	port := getEnv("GATEWAY_PORT", "8090")
	natsURL := getEnv("NATS_URL", "")
	catalogPath := getEnv("CATALOG_PATH", "catalog.yaml")

	dbCfg := dbconfig.NewConfigFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Game content catalog
	content, err := catalog.Load(catalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", catalogPath).Msg("failed to load game catalog")
	}
	log.Info().
		Int("slides", content.SlideCount()).
		Int("phases", content.PhaseCount()).
		Msg("game catalog loaded")

	// Decision store on pgx
	pool, err := pgxpool.New(ctx, dbCfg.PoolDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	decisionRepo := repository.NewRepository(pool)

	// Outbox relay: lib/pq for LISTEN/NOTIFY, NATS (or the log) as the sink
	var publisher outbox.Publisher
	if natsURL != "" {
		natsPublisher, err := outbox.NewNATSPublisher(natsURL, getEnv("NATS_SUBJECT_PREFIX", "readyornot.decisions"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
	} else {
		log.Warn().Msg("NATS_URL not set, decision events will only be logged")
		publisher = outbox.LogPublisher{}
	}

	outboxDB, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open outbox database connection")
	}
	defer outboxDB.Close()

	listenerCfg := outbox.DefaultListenerConfig()
	listenerCfg.DatabaseURL = dbCfg.DSN()
	relay, err := outbox.NewListener(outboxDB, publisher, listenerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create outbox relay")
	}
	go func() {
		if err := relay.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("outbox relay stopped")
		}
	}()

	// Session broadcast bus and websocket attach surface
	bus := broadcast.NewBus()
	manager := gateway.NewManager(bus, clockwork.NewRealClock(), gateway.DefaultConfig())

	mux := http.NewServeMux()
	manager.RegisterRoutes(mux)
	gateway.NewDecisionAPI(decisionRepo).RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"session-gateway","version":"1.0.0","slides":%d}`,
			content.SlideCount())
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("session gateway starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	manager.Shutdown(shutdownCtx)
	cancel()

	log.Info().Msg("session gateway shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
