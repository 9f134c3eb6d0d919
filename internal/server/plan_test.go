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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/domain"
	"github.com/flakeguard/flakeguard/internal/ingestion"
	"github.com/flakeguard/flakeguard/internal/policy"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakePlanner is an in-memory stand-in for internal/ingestion.Repository,
// enough to exercise the plan endpoint without a live database.
type fakePlanner struct {
	repo      *ingestion.RepositoryPlanInfo
	repoErr   error
	cases     []domain.TestCase
	casesErr  error
	histories map[string][]domain.Occurrence
}

func (f *fakePlanner) GetRepositoryForPlan(ctx context.Context, repoID string) (*ingestion.RepositoryPlanInfo, error) {
	return f.repo, f.repoErr
}

func (f *fakePlanner) ListTestCases(ctx context.Context, repoID string) ([]domain.TestCase, error) {
	return f.cases, f.casesErr
}

func (f *fakePlanner) RecentOccurrences(ctx context.Context, testCaseID string, window int, since time.Time) ([]domain.Occurrence, error) {
	return f.histories[testCaseID], nil
}

// fakeConfigFile always reports no repository-side policy file, so a
// Loader built over it deterministically falls back to the defaults.
type fakeConfigFile struct{}

func (fakeConfigFile) FetchFlakeguardYAML(ctx context.Context, installationID int64, owner, repo, ifNoneMatch string) ([]byte, string, bool, bool, error) {
	return nil, "", false, true, nil
}

func newTestServer(p *fakePlanner) *Server {
	return New(Config{
		DB:           &fakeHealthChecker{},
		Broker:       &fakeHealthChecker{},
		Planner:      p,
		PolicyLoader: policy.NewLoader(fakeConfigFile{}, zap.NewNop()),
		Log:          zap.NewNop(),
	})
}

func doPlan(srv *Server, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/quarantine/plan", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.handlePlan(rec, req)
	return rec
}

var _ = Describe("POST /v1/quarantine/plan", func() {
	It("returns 400 when repositoryId is missing", func() {
		srv := newTestServer(&fakePlanner{})
		rec := doPlan(srv, map[string]any{})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 400 when lookbackDays is out of range", func() {
		srv := newTestServer(&fakePlanner{})
		rec := doPlan(srv, map[string]any{"repositoryId": "r1", "lookbackDays": 200})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for an unknown repository", func() {
		srv := newTestServer(&fakePlanner{repo: nil})
		rec := doPlan(srv, map[string]any{"repositoryId": "r1"})
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("returns 400 when an inline policy override fails validation", func() {
		srv := newTestServer(&fakePlanner{repo: &ingestion.RepositoryPlanInfo{RepoID: "r1", FullName: "acme/widgets", PlatformInstallationID: 1}})
		rec := doPlan(srv, map[string]any{
			"repositoryId": "r1",
			"policy":       map[string]any{"flaky_threshold": 0.2, "warn_threshold": 0.9},
		})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("evaluates every known test case and returns a decision per case", func() {
		now := time.Now()
		history := []domain.Occurrence{
			{TestCaseID: "tc1", Status: domain.StatusFailed, CreatedAt: now.Add(-time.Hour)},
			{TestCaseID: "tc1", Status: domain.StatusPassed, CreatedAt: now.Add(-2 * time.Hour)},
			{TestCaseID: "tc1", Status: domain.StatusFailed, CreatedAt: now.Add(-3 * time.Hour)},
			{TestCaseID: "tc1", Status: domain.StatusPassed, CreatedAt: now.Add(-4 * time.Hour)},
			{TestCaseID: "tc1", Status: domain.StatusFailed, CreatedAt: now.Add(-5 * time.Hour)},
		}
		p := &fakePlanner{
			repo:  &ingestion.RepositoryPlanInfo{RepoID: "r1", FullName: "acme/widgets", PlatformInstallationID: 1},
			cases: []domain.TestCase{{ID: "tc1", RepoID: "r1", FullName: "pkg.TestFlaky", SuiteName: "suite"}},
			histories: map[string][]domain.Occurrence{
				"tc1": history,
			},
		}
		srv := newTestServer(p)

		rec := doPlan(srv, map[string]any{"repositoryId": "r1", "includeAnnotations": true})
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body planResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Decisions).To(HaveLen(1))
		Expect(body.Decisions[0].TestCaseID).To(Equal("tc1"))
		Expect(body.Decisions[0].Annotations).NotTo(BeEmpty())
	})

	It("applies a lookbackDays override to the effective policy", func() {
		p := &fakePlanner{
			repo:  &ingestion.RepositoryPlanInfo{RepoID: "r1", FullName: "acme/widgets", PlatformInstallationID: 1},
			cases: nil,
		}
		srv := newTestServer(p)

		rec := doPlan(srv, map[string]any{"repositoryId": "r1", "lookbackDays": 30})
		Expect(rec.Code).To(Equal(http.StatusOK))

		var body planResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Policy.LookbackDays).To(Equal(30))
	})
})

var _ = Describe("GET /v1/quarantine/policy", func() {
	It("returns the fully-defaulted policy document", func() {
		srv := newTestServer(&fakePlanner{})
		req := httptest.NewRequest(http.MethodGet, "/v1/quarantine/policy", nil)
		rec := httptest.NewRecorder()

		srv.handlePolicy(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		var doc policy.Document
		Expect(json.Unmarshal(rec.Body.Bytes(), &doc)).To(Succeed())
		Expect(doc.FlakyThreshold).To(Equal(0.6))
	})
})
