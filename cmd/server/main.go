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

	"github.com/waverider/broker-server-go/internal/config"
	"github.com/waverider/broker-server-go/internal/database"
	"github.com/waverider/broker-server-go/internal/driver"
	"github.com/waverider/broker-server-go/internal/handler"
	"github.com/waverider/broker-server-go/internal/jobs"
	"github.com/waverider/broker-server-go/internal/middleware"
	"github.com/waverider/broker-server-go/internal/model"
	"github.com/waverider/broker-server-go/internal/redis"
	"github.com/waverider/broker-server-go/internal/registry"
	"github.com/waverider/broker-server-go/internal/repository"
	"github.com/waverider/broker-server-go/internal/service"
	"github.com/waverider/broker-server-go/internal/util"
	"github.com/waverider/broker-server-go/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

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

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)

	reg := registry.New()
	locks := service.NewLocks()
	scripts := service.NewScriptService(sessionRepo, log.Logger)
	relay := service.NewRelay(db, sessionRepo, reg, scripts, locks, log.Logger)
	lifecycle := service.NewLifecycle(
		sessionRepo, reg, relay, scripts, locks,
		config.DriverGracePeriod, cfg.SavedSessionsPath, log.Logger,
	)
	defer lifecycle.Shutdown()

	wsHandler := ws.NewHandler(lifecycle, relay, log.Logger)
	sessionHandler := handler.NewSessionHandler(relay)
	automatedHandler := handler.NewAutomatedHandler(lifecycle, relay, reg, cfg.AutomatedDriverNames)

	rateLimiter := middleware.NewIPRateLimiter(redisClient, cfg.ConnectRateLimitPerMin)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/ws", func(r chi.Router) {
		r.Use(rateLimiter.Handler)
		r.Get("/", wsHandler.ServeHTTP)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Mount("/", sessionHandler.Routes())
	})

	r.Route("/start-automated-driver", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(rateLimiter.Handler)
		r.Mount("/", automatedHandler.Routes())
	})

	startPlaylistDriver(cfg, lifecycle, relay, reg)

	cleanupJob := jobs.NewCleanupJob(
		lifecycle, config.CleanupJobInterval,
		cfg.SavedSessionsPath, cfg.SavedSessionsMaxAge(),
	)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		// websocket connections are long-lived; no write timeout
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

// startPlaylistDriver boots the scripted session when a playlist
// directory is configured.
func startPlaylistDriver(cfg *config.Config, lifecycle *service.Lifecycle, relay *service.Relay, reg *registry.Registry) {
	if cfg.PlaylistDirectory == "" {
		return
	}

	info, err := os.Stat(cfg.PlaylistDirectory)
	if err != nil || !info.IsDir() {
		log.Error().Str("dir", cfg.PlaylistDirectory).Msg("playlist directory not usable, skipping playlist driver")
		return
	}

	sessID := util.GenerateSessionID()
	gen := driver.NewPlaylist(sessID, driver.PlaylistConfig{
		Directory:    cfg.PlaylistDirectory,
		TickInterval: config.PlaylistTickInterval,
	}, relay, reg, log.Logger)

	ctx := context.Background()
	if err := lifecycle.AttachGenerator(ctx, sessID, gen); err != nil {
		log.Error().Err(err).Msg("failed to start playlist driver")
		return
	}

	flags := model.Flags{
		"driverName":      cfg.PlaylistDriverName,
		"publicSession":   cfg.PlaylistPublic,
		"blindfoldRiders": false,
		"proMode":         true,
		"driverComments":  cfg.PlaylistComments,
		"camUrl":          cfg.PlaylistCamURL,
	}
	if err := relay.ApplyGeneratorFlags(ctx, sessID, flags); err != nil {
		log.Error().Err(err).Str("sess_id", sessID).Msg("failed to set playlist session flags")
	}

	gen.Start()
	log.Info().Str("sess_id", sessID).Str("dir", cfg.PlaylistDirectory).Msg("playlist driver started")
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
