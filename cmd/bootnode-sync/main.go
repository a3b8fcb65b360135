/*
Copyright 2024 The Bootnode Authors.

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

// bootnode-sync runs the hourly usage sync worker as its own deployment so
// API replicas can scale without multiplying Commerce reports.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanzoai/bootnode/pkg/billing/commerce"
	"github.com/hanzoai/bootnode/pkg/billing/subscriptions"
)

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func main() {
	var (
		internalListenAddress string
		redisURL              string
		databaseURL           string
		commerceURL           string
		commerceKey           string
		syncInterval          time.Duration
		debug                 bool
	)

	flag.StringVar(&internalListenAddress, "internal-listen-address", ":8085", "The address on which metrics and health probes are exposed")
	flag.StringVar(&redisURL, "redis-url", envOrDefault("REDIS_URL", "redis://localhost:6379"), "Redis connection URL")
	flag.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	flag.StringVar(&commerceURL, "commerce-url", envOrDefault("COMMERCE_API_URL", "https://commerce.hanzo.ai"), "Commerce API base URL")
	flag.StringVar(&commerceKey, "commerce-key", os.Getenv("COMMERCE_API_KEY"), "Commerce API key")
	flag.DurationVar(&syncInterval, "sync-interval", time.Hour, "Interval between usage sync runs")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	logCfg := zap.NewProductionConfig()
	if debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	rawLog, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	defer rawLog.Sync()
	log := rawLog.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalw("Invalid redis URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		log.Fatalw("Failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	subStore := subscriptions.NewStore(log, db, rdb)
	client := commerce.NewClient(log, commerceURL, commerceKey)
	worker := commerce.NewSyncWorker(log, rdb, subStore, client)
	worker.SetInterval(syncInterval)

	health := healthcheck.NewHandler()
	health.AddReadinessCheck("postgres", healthcheck.DatabasePingCheck(db.DB, time.Second))
	health.AddReadinessCheck("redis", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return rdb.Ping(checkCtx).Err()
	})

	internalMux := http.NewServeMux()
	internalMux.Handle("/metrics", promhttp.Handler())
	internalMux.HandleFunc("/live", health.LiveEndpoint)
	internalMux.HandleFunc("/ready", health.ReadyEndpoint)
	internalServer := &http.Server{
		Addr:              internalListenAddress,
		Handler:           internalMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		log.Infow("Internal server listening", "addr", internalListenAddress)
		errCh := make(chan error, 1)
		go func() { errCh <- internalServer.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return internalServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalw("Sync worker terminated", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
