/*
Copyright 2026 FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command flakeguard-server is FlakeGuard's composition root: it wires the
// webhook intake, the job pipeline, the retention sweep, and the HTTP
// surface (spec §6) into one running process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/fetcher"
	"github.com/flakeguard/flakeguard/internal/ingestion"
	"github.com/flakeguard/flakeguard/internal/logging"
	"github.com/flakeguard/flakeguard/internal/pipeline"
	"github.com/flakeguard/flakeguard/internal/platformclient"
	"github.com/flakeguard/flakeguard/internal/policy"
	"github.com/flakeguard/flakeguard/internal/publisher"
	"github.com/flakeguard/flakeguard/internal/retention"
	"github.com/flakeguard/flakeguard/internal/server"
	"github.com/flakeguard/flakeguard/internal/webhook"
)

// Exit codes per spec §6.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitDependencyDown = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the FlakeGuard configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flakeguard-server: config error: %v\n", err)
		return exitConfigError
	}

	log, err := logging.New(cfg.Logging.Dev, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flakeguard-server: logger error: %v\n", err)
		return exitConfigError
	}
	defer log.Sync()

	privateKey, err := loadPrivateKey(cfg.GitHub)
	if err != nil {
		log.Error("failed to load github app private key", zap.Error(err))
		return exitConfigError
	}

	appID, err := strconv.ParseInt(cfg.GitHub.AppID, 10, 64)
	if err != nil {
		log.Error("github app_id is not a valid integer", zap.Error(err))
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlDB, err := sql.Open("pgx", cfg.Datastore.DatabaseURL)
	if err != nil {
		log.Error("failed to open database connection", zap.Error(err))
		return exitDependencyDown
	}
	defer sqlDB.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := sqlDB.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Error("database unreachable at startup", zap.Error(err))
		return exitDependencyDown
	}
	pingCancel()

	if err := ingestion.Migrate(sqlDB); err != nil {
		log.Error("database migration failed", zap.Error(err))
		return exitDependencyDown
	}

	db := sqlx.NewDb(sqlDB, "pgx")
	repo := ingestion.NewRepository(db, log)

	redisOpts, err := redis.ParseURL(cfg.Datastore.BrokerURL)
	if err != nil {
		log.Error("invalid broker_url", zap.Error(err))
		return exitConfigError
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		redisPingCancel()
		log.Error("broker unreachable at startup", zap.Error(err))
		return exitDependencyDown
	}
	redisPingCancel()

	redisBroker := broker.NewRedisBroker(redisClient)

	platformClient := platformclient.NewClient(platformclient.Config{
		BaseURL: "https://api.github.com",
		Creds: platformclient.AppCredentials{
			AppID:      appID,
			PrivateKey: privateKey,
		},
		Retry: platformclient.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.CapDelay,
			Jitter:      cfg.Retry.JitterFactor,
		},
		RateLimit: platformclient.RateLimiterSettings{
			ReservedFloorPct:     cfg.RateLimit.ReservedFloorPct,
			ThrottleThresholdPct: cfg.RateLimit.ThrottleThresholdPct,
			MaxThrottleDelay:     cfg.RateLimit.MaxThrottleDelay,
		},
		Breaker: gobreaker.Settings{
			MaxRequests: cfg.Breaker.HalfOpenProbes,
			Interval:    cfg.Breaker.Window,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Breaker.FailureThreshold
			},
		},
		BreakerSuccessRatio: cfg.Breaker.SuccessRatioToClose,
	}, log)

	artifactFetcher := fetcher.New(platformClient, 0, log)

	policyLoader := policy.NewLoader(&policy.PlatformConfigFile{Client: platformClient}, log)

	checkRunPublisher := publisher.New(platformClient, repo, log)

	webhookHandler := webhook.NewHandler(cfg.GitHub.WebhookSecret, redisBroker, log)

	runPipeline := pipeline.New(redisBroker, artifactFetcher, repo, policyLoader, checkRunPublisher, cfg.Workers, log)

	retentionJob := retention.New(repo, cfg.Retention.RetainDays, cfg.Retention.Interval, log)

	httpServer := server.New(server.Config{
		WebhookHandler: webhookHandler,
		DB:             repo,
		Broker:         redisBroker,
		PlatformClient: platformClient,
		PolicyLoader:   policyLoader,
		Planner:        repo,
		Log:            log,
		WebhookPort:    cfg.Server.WebhookPort,
		MetricsPort:    cfg.Server.MetricsPort,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := runPipeline.Run(ctx); err != nil {
			errCh <- fmt.Errorf("pipeline: %w", err)
		}
	}()
	go retentionJob.Run(ctx)

	log.Info("flakeguard-server started",
		zap.String("webhook_port", cfg.Server.WebhookPort),
		zap.String("metrics_port", cfg.Server.MetricsPort))

	go func() {
		if err := httpServer.Run(ctx); err != nil {
			errCh <- fmt.Errorf("server: %w", err)
		}
		cancel()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("fatal component error, shutting down", zap.Error(err))
		cancel()
		return exitDependencyDown
	}

	<-time.After(300 * time.Millisecond)
	log.Info("flakeguard-server stopped")
	return exitOK
}

// loadPrivateKey resolves the GitHub App's PEM-encoded private key from
// either the inline configuration value or the file it points to.
func loadPrivateKey(cfg config.GitHubAppConfig) ([]byte, error) {
	if cfg.PrivateKeyPEM != "" {
		return []byte(cfg.PrivateKeyPEM), nil
	}
	return os.ReadFile(cfg.PrivateKeyPath)
}
