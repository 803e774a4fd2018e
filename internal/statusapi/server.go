// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
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

// Package statusapi is a small read-only HTTP surface exposing the health
// of every core subsystem as JSON: the rate limiter's per-shard status, the
// breaker's rolling stats and transition timeline, the cache coordinator's
// hit/miss report, and the connection pool's size and per-connection health.
// It answers the same question the doctor CLI subcommand does, over HTTP
// instead of a terminal table.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"flashpipe/internal/breaker"
	"flashpipe/internal/cache"
	"flashpipe/internal/db"
	"flashpipe/internal/ratelimit"
)

// Server serves /healthz and per-subsystem status endpoints.
type Server struct {
	Limiter *ratelimit.Limiter
	Breaker *breaker.Breaker
	Cache   *cache.Coordinator
	Pool    *db.Pool
}

// RegisterRoutes wires this server's handlers onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status/limiter", s.handleLimiter)
	mux.HandleFunc("/status/breaker", s.handleBreaker)
	mux.HandleFunc("/status/cache", s.handleCache)
	mux.HandleFunc("/status/pool", s.handlePool)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLimiter(w http.ResponseWriter, r *http.Request) {
	if s.Limiter == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "limiter not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.Limiter.Status())
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	if s.Breaker == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "breaker not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.Breaker.Snapshot())
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if s.Cache == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "cache not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.Cache.Stats())
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "pool not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  s.Pool.Stats(),
		"health": s.Pool.HealthReport(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the status server on addr with the same timeout
// posture as the rest of this module's HTTP surfaces.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}
