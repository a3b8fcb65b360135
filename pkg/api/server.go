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

// Package api exposes the HTTP surface: fleet orchestration, network
// launching, usage stats, and the Commerce webhook endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hanzoai/bootnode/pkg/billing/commerce"
	"github.com/hanzoai/bootnode/pkg/billing/subscriptions"
	"github.com/hanzoai/bootnode/pkg/billing/tracker"
	"github.com/hanzoai/bootnode/pkg/fleet"
	"github.com/hanzoai/bootnode/pkg/launcher"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "bootnode_http_request_duration_seconds",
	Help:    "HTTP request latency by route and status.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})

func init() {
	prometheus.MustRegister(requestDuration)
}

// SubscriptionReader resolves a project's subscription row. Satisfied by
// *subscriptions.Store.
type SubscriptionReader interface {
	Get(ctx context.Context, projectID uuid.UUID) (*subscriptions.Subscription, error)
}

// Server wires the HTTP handlers to the domain services.
type Server struct {
	fleets   *fleet.Manager
	launcher *launcher.Launcher
	tracker  *tracker.Tracker
	subs     SubscriptionReader
	webhooks *commerce.WebhookHandler
	log      *zap.SugaredLogger

	router chi.Router
}

// New builds the server and its routes. Any service may be nil; its routes
// then respond 503.
func New(log *zap.SugaredLogger, fleets *fleet.Manager, netLauncher *launcher.Launcher,
	usage *tracker.Tracker, subs SubscriptionReader, webhooks *commerce.WebhookHandler) *Server {
	s := &Server{
		fleets:   fleets,
		launcher: netLauncher,
		tracker:  usage,
		subs:     subs,
		webhooks: webhooks,
		log:      log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           600,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/fleets", func(r chi.Router) {
			r.Use(s.requireService(s.fleets != nil))
			r.Post("/", s.createFleet)
			r.Get("/", s.listFleets)
			r.Get("/stats", s.fleetStats)
			r.Route("/{fleetID}", func(r chi.Router) {
				r.Get("/", s.getFleet)
				r.Patch("/", s.updateFleet)
				r.Delete("/", s.deleteFleet)
				r.Post("/scale", s.scaleFleet)
				r.Post("/restart", s.restartFleet)
				r.Get("/logs", s.fleetLogs)
				r.Get("/health", s.fleetNodeHealth)
			})
		})

		r.Route("/networks", func(r chi.Router) {
			r.Use(s.requireService(s.launcher != nil))
			r.Post("/", s.launchNetwork)
			r.Get("/", s.listNetworks)
			r.Route("/{networkID}", func(r chi.Router) {
				r.Get("/", s.getNetwork)
				r.Delete("/", s.deleteNetwork)
				r.Post("/scale", s.scaleNetwork)
			})
		})

		r.Route("/billing", func(r chi.Router) {
			r.Use(s.requireService(s.tracker != nil && s.subs != nil))
			r.Get("/usage/{projectID}", s.usageStats)
		})

		r.With(s.requireService(s.webhooks != nil)).
			Post("/webhooks/commerce", s.commerceWebhook)
	})

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP server until the context is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("API server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// requireService guards a route group whose backing service was not
// configured at startup.
func (s *Server) requireService(available bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !available {
				s.writeError(w, http.StatusServiceUnavailable, "service not configured")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		requestDuration.WithLabelValues(
			r.Method, route, strconv.Itoa(ww.Status()),
		).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
