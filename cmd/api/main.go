package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dm-relay/internal/config"
	apihttp "dm-relay/internal/http"
	"dm-relay/internal/metrics"
	"dm-relay/internal/realtime"
	"dm-relay/internal/repository"
	"dm-relay/internal/service"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	store, err := repository.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer store.Close()

	processed := service.NewMemoryProcessedSet(cfg.ProcessedTTL, cfg.ProcessedMax)
	limiter := service.NewSendRateLimiter(cfg.SendRateRPS, cfg.SendRateBurst)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		} else {
			processed = service.NewRedisProcessedSet(redisClient, cfg.ProcessedTTL)
			limiter = service.NewRedisSendRateLimiter(redisClient, time.Second, int(cfg.SendRateRPS)+cfg.SendRateBurst)
		}
		cancel()
	}

	registry := realtime.NewRegistry(logger)
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics, err := metrics.NewRelay(promRegistry, func() float64 { return float64(registry.Online()) })
	if err != nil {
		logger.Fatal("metrics init", zap.Error(err))
	}

	jwtSvc := service.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, 0)
	messageSvc := service.NewMessageService(logger, store.Messages, cfg.DedupWindow, cfg.StoreTimeout)
	relaySvc := service.NewRelayService(logger, messageSvc, processed, registry, relayMetrics)

	router := apihttp.NewRouter(apihttp.RouterDeps{
		Logger:      logger,
		JWT:         jwtSvc,
		Messages:    apihttp.NewMessageHandler(logger, relaySvc, limiter),
		WS:          apihttp.NewWSHandler(logger, relaySvc, registry, limiter, cfg.CORSOrigins, cfg.WSSendBuffer),
		Health:      apihttp.NewHealthHandler(logger, store.Ping, registry.Online),
		Gatherer:    promRegistry,
		CORSOrigins: cfg.CORSOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}
