// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the gateway HTTP API: completions, provider
// inspection, policy administration, live telemetry, and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"modelgate/platform/gateway/analysis"
	"modelgate/platform/gateway/audit"
	"modelgate/platform/gateway/config"
	"modelgate/platform/gateway/cost"
	"modelgate/platform/gateway/dispatch"
	"modelgate/platform/gateway/ledger"
	"modelgate/platform/gateway/policy"
	"modelgate/platform/gateway/registry"
	"modelgate/platform/gateway/telemetry"
	"modelgate/platform/shared/logger"
)

// Deps carries the assembled gateway components.
type Deps struct {
	Config     *config.Config
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Policies   *policy.Engine
	Pipeline   *analysis.Pipeline
	Hub        *telemetry.Hub
	Spend      ledger.Ledger
	Limiter    ledger.RateLimiter
	Usage      *audit.Store
	Pricing    *cost.PricingConfig
	Logger     *logger.Logger
}

// Server is the gateway HTTP front end.
type Server struct {
	deps Deps
	log  *logger.Logger
	http *http.Server
}

// New builds the server and its route table.
func New(deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.New("server")
	}

	s := &Server{deps: deps, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/completions", s.handleCompletion).Methods("POST")
	api.HandleFunc("/providers", s.handleProviders).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/policies", s.handleReplacePolicies).Methods("POST")
	api.HandleFunc("/telemetry/stream", s.handleTelemetryStream).Methods("GET")

	origins := deps.Config.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", deps.Config.Server.Port),
		Handler: corsHandler.Handler(r),
		// No global write timeout: the telemetry stream is long-lived.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("", "", fmt.Sprintf("Gateway listening on %s", s.http.Addr), nil)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
