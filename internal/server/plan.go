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
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/domain"
	"github.com/flakeguard/flakeguard/internal/policy"
	"github.com/flakeguard/flakeguard/internal/scoring"
)

// planRequest is POST /v1/quarantine/plan's body (spec §6).
type planRequest struct {
	RepositoryID        string          `json:"repositoryId"`
	Policy              *policy.Document `json:"policy,omitempty"`
	LookbackDays        int             `json:"lookbackDays,omitempty"`
	IncludeAnnotations  bool            `json:"includeAnnotations,omitempty"`
}

type planDecision struct {
	TestCaseID  string         `json:"testCaseId"`
	FullName    string         `json:"fullName"`
	SuiteName   string         `json:"suiteName"`
	Action      string         `json:"action"`
	Priority    string         `json:"priority"`
	Reason      string         `json:"reason"`
	Score       float64        `json:"score"`
	Confidence  float64        `json:"confidence"`
	Annotations map[string]any `json:"annotations,omitempty"`
}

type planResponse struct {
	RepositoryID string         `json:"repositoryId"`
	Policy       *policy.Document `json:"policy"`
	Decisions    []planDecision `json:"decisions"`
}

type errorResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string, details []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Success: false, Error: message, Details: details})
}

// handlePlan runs a dry-run pass of the scorer and policy engine over a
// repository's already-ingested test history, without requiring a live
// webhook delivery (spec §6 `POST /v1/quarantine/plan`).
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", nil)
		return
	}
	if req.RepositoryID == "" {
		writeError(w, http.StatusBadRequest, "repositoryId is required", nil)
		return
	}
	if req.LookbackDays != 0 && (req.LookbackDays < 1 || req.LookbackDays > 90) {
		writeError(w, http.StatusBadRequest, "lookbackDays must be between 1 and 90", nil)
		return
	}

	ctx := r.Context()
	info, err := s.planner.GetRepositoryForPlan(ctx, req.RepositoryID)
	if err != nil {
		s.log.Error("lookup repository for plan", zap.Error(err), zap.String("repository_id", req.RepositoryID))
		writeError(w, http.StatusInternalServerError, "failed to look up repository", nil)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "unknown repository", nil)
		return
	}

	doc := req.Policy
	if doc == nil {
		owner, repo := splitFullName(info.FullName)
		doc = s.policyLoader.Load(ctx, info.PlatformInstallationID, owner, repo)
	} else if errs := policy.Validate(doc); len(errs) > 0 {
		details := make([]string, len(errs))
		for i, e := range errs {
			details[i] = e.Error()
		}
		writeError(w, http.StatusBadRequest, "policy document failed validation", details)
		return
	}
	if req.LookbackDays > 0 {
		doc.LookbackDays = req.LookbackDays
	}

	cases, err := s.planner.ListTestCases(ctx, info.RepoID)
	if err != nil {
		s.log.Error("list test cases for plan", zap.Error(err), zap.String("repository_id", req.RepositoryID))
		writeError(w, http.StatusInternalServerError, "failed to load test history", nil)
		return
	}

	now := time.Now()
	lookback := time.Duration(doc.LookbackDays) * 24 * time.Hour
	owner, repo := splitFullName(info.FullName)

	decisions := make([]planDecision, 0, len(cases))
	for _, tc := range cases {
		history, err := s.planner.RecentOccurrences(ctx, tc.ID, doc.RollingWindowSize, now.Add(-lookback))
		if err != nil {
			s.log.Error("load occurrence history for plan", zap.Error(err), zap.String("test_case_id", tc.ID))
			writeError(w, http.StatusInternalServerError, "failed to load occurrence history", nil)
			return
		}

		result := scoring.Score(history, scoring.Options{
			Now:            now,
			Window:         doc.RollingWindowSize,
			Lookback:       lookback,
			MinOccurrences: doc.MinOccurrences,
			Weights:        doc.ScoringWeights.ToWeights(),
		})

		recentFailures := 0
		for _, occ := range history {
			if occ.Status.IsFailureLike() {
				recentFailures++
			}
		}

		flakeScore := domain.FlakeScore{
			TestCaseID: tc.ID,
			Score:      result.Score,
			Confidence: result.Confidence,
			Features:   result.Features,
		}

		decision := policy.Evaluate(policy.Candidate{
			TestCase:       tc,
			Score:          flakeScore,
			TotalRuns:      len(history),
			RecentFailures: recentFailures,
		}, policy.EvalContext{Owner: owner, Repo: repo}, doc)

		pd := planDecision{
			TestCaseID: tc.ID,
			FullName:   tc.FullName,
			SuiteName:  tc.SuiteName,
			Action:     string(decision.Action),
			Priority:   string(decision.Priority),
			Reason:     decision.Reason,
			Score:      result.Score,
			Confidence: result.Confidence,
		}
		if req.IncludeAnnotations {
			pd.Annotations = decision.Metadata
		}
		decisions = append(decisions, pd)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(planResponse{RepositoryID: req.RepositoryID, Policy: doc, Decisions: decisions})
}

// handlePolicy returns the effective, fully-defaulted policy document
// (spec §6 `GET /v1/quarantine/policy`), the same defaults a repository
// with no `.flakeguard.yml` would be evaluated against.
func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(policy.DefaultDocument())
}

func splitFullName(fullName string) (owner, repo string) {
	owner, repo, found := strings.Cut(fullName, "/")
	if !found {
		return fullName, ""
	}
	return owner, repo
}

