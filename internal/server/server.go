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

// Package server exposes FlakeGuard's HTTP surface (spec §6): webhook
// intake, Prometheus scraping, layered health checks, and the quarantine
// plan/policy dry-run API. It wires together handlers built by every
// other package; it owns no business logic of its own.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/domain"
	"github.com/flakeguard/flakeguard/internal/ingestion"
	"github.com/flakeguard/flakeguard/internal/platformclient"
	"github.com/flakeguard/flakeguard/internal/policy"
)

// Planner is the subset of internal/ingestion.Repository the quarantine
// plan endpoint needs to resolve a repository and its scoring history.
type Planner interface {
	GetRepositoryForPlan(ctx context.Context, repoID string) (*ingestion.RepositoryPlanInfo, error)
	ListTestCases(ctx context.Context, repoID string) ([]domain.TestCase, error)
	RecentOccurrences(ctx context.Context, testCaseID string, window int, since time.Time) ([]domain.Occurrence, error)
}

// HealthChecker is the subset of the resilience stack health.go polls.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server bundles the dependencies FlakeGuard's HTTP surface is built from.
type Server struct {
	webhook       http.Handler
	db            HealthChecker
	broker        HealthChecker
	breakers      *platformclient.Client
	policyLoader  *policy.Loader
	planner       Planner
	log           *zap.Logger
	webhookPort   string
	metricsPort   string
	readyDeadline time.Duration
}

// Config bundles Server's construction-time dependencies.
type Config struct {
	WebhookHandler http.Handler
	DB             HealthChecker
	Broker         HealthChecker
	PlatformClient *platformclient.Client
	PolicyLoader   *policy.Loader
	Planner        Planner
	Log            *zap.Logger
	WebhookPort    string
	MetricsPort    string
}

// New builds a Server from cfg, defaulting unset ports the way
// internal/config.Default does for the rest of the service.
func New(cfg Config) *Server {
	webhookPort := cfg.WebhookPort
	if webhookPort == "" {
		webhookPort = "8080"
	}
	metricsPort := cfg.MetricsPort
	if metricsPort == "" {
		metricsPort = "9090"
	}
	return &Server{
		webhook:       cfg.WebhookHandler,
		db:            cfg.DB,
		broker:        cfg.Broker,
		breakers:      cfg.PlatformClient,
		policyLoader:  cfg.PolicyLoader,
		planner:       cfg.Planner,
		log:           cfg.Log,
		webhookPort:   webhookPort,
		metricsPort:   metricsPort,
		readyDeadline: 2 * time.Second,
	}
}

// PublicRouter builds the router serving webhook intake, health, and the
// quarantine plan API — the surface a GitHub App delivery and an operator
// both reach over the same port.
func (s *Server) PublicRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapRequestLogger(s.log))
	r.Use(httprate.LimitByIP(100, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Hub-Signature-256", "X-GitHub-Event", "X-GitHub-Delivery"},
		MaxAge:         300,
	}))

	r.Post("/github/webhook", s.webhook.ServeHTTP)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Get("/health/ready", s.handleHealthReady)

	r.Route("/v1/quarantine", func(r chi.Router) {
		r.Post("/plan", s.handlePlan)
		r.Get("/policy", s.handlePolicy)
	})

	return r
}

// MetricsRouter builds the router serving Prometheus scraping, kept on
// its own port so a scraper never shares rate limits with webhook intake.
func (s *Server) MetricsRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run starts both listeners and blocks until ctx is cancelled, then
// drains in-flight requests before returning.
func (s *Server) Run(ctx context.Context) error {
	public := &http.Server{
		Addr:         ":" + s.webhookPort,
		Handler:      s.PublicRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:         ":" + s.metricsPort,
		Handler:      s.MetricsRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- public.ListenAndServe() }()
	go func() { errCh <- metricsSrv.ListenAndServe() }()

	s.log.Info("server started", zap.String("webhook_addr", public.Addr), zap.String("metrics_addr", metricsSrv.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = public.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func zapRequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
