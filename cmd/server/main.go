package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/attendly/orchestrator-server-go/internal/config"
	"github.com/attendly/orchestrator-server-go/internal/database"
	"github.com/attendly/orchestrator-server-go/internal/handler"
	"github.com/attendly/orchestrator-server-go/internal/jobs"
	"github.com/attendly/orchestrator-server-go/internal/keylock"
	"github.com/attendly/orchestrator-server-go/internal/middleware"
	"github.com/attendly/orchestrator-server-go/internal/notify"
	"github.com/attendly/orchestrator-server-go/internal/orchestrator"
	"github.com/attendly/orchestrator-server-go/internal/redis"
	"github.com/attendly/orchestrator-server-go/internal/repository"
	"github.com/attendly/orchestrator-server-go/internal/service"
	"github.com/attendly/orchestrator-server-go/internal/token"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	keyring, err := token.NewKeyring(cfg.TokenKeyID, []byte(cfg.TokenSigningSecret))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load signing key")
	}
	issuer := token.NewIssuer(keyring)

	facade := selectBackend(cfg)
	log.Info().Str("backend", cfg.Backend).Msg("worker execution backend selected")

	sessionRepo := repository.NewSessionRepository(db.DB)
	locks := keylock.New()

	broker := notify.NewBroker(redisClient)
	defer broker.Close()

	ingestService := service.NewIngestService(db, sessionRepo, locks, issuer, facade)
	dispatchService := service.NewDispatchService(facade, sessionRepo, broker)
	dispatchService.SetIngestor(ingestService)
	ingestService.SetDeliverer(dispatchService)
	defer dispatchService.Close()

	sessionService := service.NewSessionService(
		sessionRepo, issuer, ingestService, dispatchService, cfg.TokenTTL(), cfg.CallbackBaseURL,
	)

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIKey)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(redisClient.Client, cfg.CallbackRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	sessionHandler := handler.NewSessionHandler(sessionService)
	callbackHandler := handler.NewCallbackHandler(ingestService)
	eventsHandler := handler.NewEventsHandler(broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Mount("/", sessionHandler.Routes())
	})

	r.Route("/v1/callbacks", func(r chi.Router) {
		r.Use(rateLimitMiddleware.Handler)
		r.Mount("/", callbackHandler.Routes())
	})

	r.Route("/v1/events", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Get("/", eventsHandler.ServeHTTP)
	})

	watchdog := jobs.NewWatchdogJob(
		sessionRepo, ingestService, facade,
		cfg.WatchdogInterval(), cfg.RequestedTimeout(), cfg.JoiningTimeout(), cfg.AdmissionTimeout(),
	)
	watchdog.Start()
	defer watchdog.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func selectBackend(cfg *config.Config) orchestrator.Facade {
	switch cfg.Backend {
	case "remote":
		return orchestrator.NewRemoteBackend(cfg.SchedulerURL, config.WorkerStartTimeout)
	default:
		return orchestrator.NewProcessBackend(cfg.WorkerCommand, nil, cfg.MaxWorkers)
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
