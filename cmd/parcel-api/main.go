package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ParcelPilot/ParcelDesk/config"
	"github.com/ParcelPilot/ParcelDesk/internal/api/packages_api"
	"github.com/ParcelPilot/ParcelDesk/internal/broker/kafka"
	"github.com/ParcelPilot/ParcelDesk/internal/cache/rediscache"
	"github.com/ParcelPilot/ParcelDesk/internal/idgen"
	"github.com/ParcelPilot/ParcelDesk/internal/services/packages"
	"github.com/ParcelPilot/ParcelDesk/internal/storage/pgdelivery"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}

	httpAddr := cfg.ParcelDesk.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.PackageUpdatedTopicName
	if topic == "" {
		topic = "package.updated"
	}
	cacheTTL := time.Duration(cfg.ParcelDesk.PackageCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	claimPerMinute := int64(cfg.ParcelDesk.ClaimRateLimitPerMinute)
	if claimPerMinute <= 0 {
		claimPerMinute = 10
	}

	st := mustOpenPostgresWithRetry(cfg.Database.DSN(), 60*time.Second)
	defer st.Close()

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	ids := idgen.New(st.TrackingNumberExists)

	svc := packages.New(st, ids).
		WithCache(rc, cacheTTL).
		WithProducer(producer, topic)

	api := packages_api.New(svc, cfg.ParcelDesk.APIKey).
		WithClaimRateLimit(rl, claimPerMinute)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runParcelAPI(ctx, parcelAPIOpts{
		httpAddr:    httpAddr,
		swaggerPath: os.Getenv("swaggerPath"),
	}, api); err != nil && err != context.Canceled {
		panic(err)
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdelivery.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdelivery.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}
