package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fablink/messaging/internal/channel"
	"github.com/fablink/messaging/internal/config"
	"github.com/fablink/messaging/internal/db"
	"github.com/fablink/messaging/internal/identity"
	"github.com/fablink/messaging/internal/logging"
	"github.com/fablink/messaging/internal/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("loading configuration")
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.Logger()

	database, err := db.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to postgres")
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("migrating schema")
	}
	log.Info().Msg("postgres ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connecting to redis")
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis ready")
	}

	store := messaging.NewPostgresStore(database.Conn)
	cache := newUnreadCache(redisClient, cfg)
	manager := channel.NewManager(store, redisClient, log)
	router := messaging.NewRouter(store, manager, redisClient, cache, log)
	tracker := messaging.NewTracker(store, manager, cache, log)

	restHandler := messaging.NewHandler(store, router, tracker, log)
	wsHandler := channel.NewHandler(manager, cfg.Channel, log)
	authMiddleware := identity.NewMiddleware(identity.NewVerifier(cfg.Auth.JWTSecret))
	sendLimiter := messaging.NewSendLimiter(cfg.Server.SendRatePerSec, cfg.Server.SendBurst)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.RequestLogger(log))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", wsHandler.ServeWS)
		r.Route("/api", func(r chi.Router) {
			restHandler.Routes(r, sendLimiter)
		})
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		err := manager.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		manager.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func newUnreadCache(redisClient *redis.Client, cfg *config.Config) *messaging.UnreadCache {
	if redisClient == nil {
		return nil
	}
	return messaging.NewUnreadCache(redisClient, cfg.Redis.UnreadCacheTTL)
}
