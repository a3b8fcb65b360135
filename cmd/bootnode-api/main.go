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

	"github.com/hanzoai/bootnode/pkg/api"
	"github.com/hanzoai/bootnode/pkg/billing/commerce"
	"github.com/hanzoai/bootnode/pkg/billing/subscriptions"
	"github.com/hanzoai/bootnode/pkg/billing/tracker"
	"github.com/hanzoai/bootnode/pkg/datastore"
	"github.com/hanzoai/bootnode/pkg/fleet"
	"github.com/hanzoai/bootnode/pkg/helm"
	"github.com/hanzoai/bootnode/pkg/kubeconfig"
	"github.com/hanzoai/bootnode/pkg/launcher"
)

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func main() {
	var (
		listenAddress         string
		internalListenAddress string
		chartPath             string
		doToken               string
		redisURL              string
		databaseURL           string
		clickhouseAddr        string
		clickhouseDatabase    string
		commerceURL           string
		commerceKey           string
		webhookSecret         string
		enableSync            bool
		debug                 bool
	)

	flag.StringVar(&listenAddress, "listen-address", ":8080", "The address on which the API listens")
	flag.StringVar(&internalListenAddress, "internal-listen-address", ":8085", "The address on which metrics and health probes are exposed")
	flag.StringVar(&chartPath, "chart-path", envOrDefault("HELM_CHART_PATH", fleet.DefaultChartPath), "Path to the luxd Helm chart")
	flag.StringVar(&doToken, "do-token", os.Getenv("DO_TOKEN"), "DigitalOcean API token used to fetch cluster kubeconfigs")
	flag.StringVar(&redisURL, "redis-url", envOrDefault("REDIS_URL", "redis://localhost:6379"), "Redis connection URL")
	flag.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	flag.StringVar(&clickhouseAddr, "clickhouse-addr", os.Getenv("CLICKHOUSE_URL"), "ClickHouse address; empty disables usage analytics")
	flag.StringVar(&clickhouseDatabase, "clickhouse-database", envOrDefault("CLICKHOUSE_DATABASE", "bootnode"), "ClickHouse database name")
	flag.StringVar(&commerceURL, "commerce-url", envOrDefault("COMMERCE_API_URL", "https://commerce.hanzo.ai"), "Commerce API base URL")
	flag.StringVar(&commerceKey, "commerce-key", os.Getenv("COMMERCE_API_KEY"), "Commerce API key")
	flag.StringVar(&webhookSecret, "commerce-webhook-secret", os.Getenv("COMMERCE_WEBHOOK_SECRET"), "Shared secret for Commerce webhook signatures")
	flag.BoolVar(&enableSync, "enable-sync", false, "Run the usage sync worker in-process instead of as bootnode-sync")
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

	var sink tracker.UsageSink
	var ds *datastore.Client
	if clickhouseAddr != "" {
		ds, err = datastore.New(ctx, log, datastore.Options{
			Addr:     clickhouseAddr,
			Database: clickhouseDatabase,
			Username: envOrDefault("CLICKHOUSE_USERNAME", "default"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		})
		if err != nil {
			log.Fatalw("Failed to connect to clickhouse", zap.Error(err))
		}
		defer ds.Close()
		if err := ds.Migrate(ctx); err != nil {
			log.Fatalw("Failed to migrate clickhouse schema", zap.Error(err))
		}
		sink = ds
	} else {
		log.Info("ClickHouse not configured, usage analytics disabled")
	}

	subStore := subscriptions.NewStore(log, db, rdb)
	if err := subStore.Migrate(ctx); err != nil {
		log.Fatalw("Failed to migrate subscriptions schema", zap.Error(err))
	}

	netStore := launcher.NewStore(db)
	if err := netStore.Migrate(ctx); err != nil {
		log.Fatalw("Failed to migrate networks schema", zap.Error(err))
	}

	usage := tracker.New(log, rdb, sink)
	webhooks := commerce.NewWebhookHandler(log, webhookSecret, subStore)

	kubeProvider := kubeconfig.NewProvider(log, doToken)
	fleets := fleet.NewManager(log, kubeProvider, chartPath)

	// The launcher deploys into the cluster this process runs in, so the
	// deployer uses the ambient kubectl context.
	localKube := helm.New(log, chartPath, "", "")
	defer localKube.Cleanup()
	networks := launcher.New(log, netStore, localKube)

	server := api.New(log, fleets, networks, usage, subStore, webhooks)

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
		return server.Serve(gctx, listenAddress)
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

	// Small deployments can skip the dedicated bootnode-sync deployment;
	// the redis lock keeps this safe next to external sync replicas.
	if enableSync {
		worker := commerce.NewSyncWorker(log, rdb, subStore, commerce.NewClient(log, commerceURL, commerceKey))
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}

	// Periodic buffer flush so low-traffic projects still land in analytics.
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				usage.FlushAll(gctx)
			}
		}
	})

	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	usage.FlushAll(flushCtx)

	if err != nil && err != context.Canceled {
		log.Fatalw("Server terminated", zap.Error(err))
	}
	log.Info("Shutdown complete")
}
