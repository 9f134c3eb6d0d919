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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status string         `json:"status"`
	Checks map[string]any `json:"checks,omitempty"`
}

func writeHealthJSON(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth is the cheap liveness probe: the process is up and able to
// answer HTTP at all, independent of its dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeHealthJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleHealthDetailed reports every dependency's status plus the
// circuit breaker snapshot, for operator dashboards rather than load
// balancer polling.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readyDeadline)
	defer cancel()

	checks := map[string]any{
		"database": checkResult(s.db.Ping(ctx)),
		"broker":   checkResult(s.broker.Ping(ctx)),
		"memory":   memoryCheck(),
	}
	if s.breakers != nil {
		breakers := make(map[string]string)
		for name, state := range s.breakers.Breakers().Snapshot() {
			breakers[name] = state.String()
		}
		checks["circuit_breakers"] = breakers
	}

	status := "ok"
	if cr, ok := checks["database"].(map[string]any); ok && cr["status"] == "error" {
		status = "degraded"
	}
	if cr, ok := checks["broker"].(map[string]any); ok && cr["status"] == "error" {
		status = "degraded"
	}

	writeHealthJSON(w, http.StatusOK, healthResponse{Status: status, Checks: checks})
}

// handleHealthReady reports whether the service can currently accept and
// process work: both the database and the broker must answer within the
// deadline, or a load balancer should stop routing traffic here.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readyDeadline)
	defer cancel()

	dbErr := s.db.Ping(ctx)
	brokerErr := s.broker.Ping(ctx)

	checks := map[string]any{
		"database": checkResult(dbErr),
		"broker":   checkResult(brokerErr),
	}

	if dbErr != nil || brokerErr != nil {
		writeHealthJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready", Checks: checks})
		return
	}
	writeHealthJSON(w, http.StatusOK, healthResponse{Status: "ready", Checks: checks})
}

func checkResult(err error) map[string]any {
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error()}
	}
	return map[string]any{"status": "ok"}
}

func memoryCheck() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"status":      "ok",
		"alloc_bytes": m.Alloc,
		"num_gc":      m.NumGC,
		"goroutines":  runtime.NumGoroutine(),
		"reported_at": time.Now().UTC().Format(time.RFC3339),
	}
}
