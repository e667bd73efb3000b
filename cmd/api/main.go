package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"corkboard/api/internal/app"
	"corkboard/api/internal/authpw"
	"corkboard/api/internal/config"
	"corkboard/api/internal/realtime"
	"corkboard/api/internal/session"
	"corkboard/api/internal/store"
)

func main() {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("configuration invalid")
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		logger.WithError(err).Fatal("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	passwords := authpw.NewService(dataStore)
	registry := realtime.NewRegistry()
	broadcaster := realtime.NewBroadcaster(registry, logger)

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("redis url invalid")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
	}

	var sessions app.RefreshStore = dataStore
	if redisClient != nil {
		logger.Info("using redis for refresh sessions")
		sessions = session.NewRedisStoreWithClient(redisClient)
	} else {
		logger.Info("using postgres for refresh sessions")
	}

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if cfg.EventRelay {
		if redisClient == nil {
			logger.Fatal("event relay requires REDIS_URL")
		}
		relay := realtime.NewRelay(redisClient, logger)
		broadcaster.WithRelay(relay)
		go relay.Run(relayCtx, broadcaster.Dispatch)
		logger.Info("event relay enabled")
	}

	service := app.New(cfg, dataStore, sessions, passwords, registry, broadcaster, logger)
	httpServer := app.NewHTTPServer(service, cfg, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("corkboard api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}
