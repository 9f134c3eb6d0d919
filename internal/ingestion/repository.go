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

package ingestion

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/flakeguard/flakeguard/internal/domain"
	"github.com/flakeguard/flakeguard/internal/parser"
)

const (
	suiteBatchSize      = 100
	caseBatchSize       = 500
	occurrenceBatchSize = 500
)

// ParsedSuite, ParsedTestCase, and ParsedOccurrence are the parser's
// output shapes; ingestion upserts them as-is rather than redefining its
// own copies.
type (
	ParsedSuite      = parser.Suite
	ParsedTestCase   = parser.TestCase
	ParsedOccurrence = parser.Occurrence
)

// IngestSummary reports what a call to IngestRun persisted, so the
// pipeline can log and the publisher can size its summary table without
// a second read.
type IngestSummary struct {
	Suites      int
	Cases       int
	Occurrences int
}

// Repository is the Postgres-backed datastore boundary: idempotent
// upserts keyed so redelivery never double-counts an occurrence, plus
// the read paths the scorer and policy engine need.
type Repository struct {
	db  *sqlx.DB
	log *zap.Logger
}

// NewRepository builds a Repository over db.
func NewRepository(db *sqlx.DB, log *zap.Logger) *Repository {
	return &Repository{db: db, log: log}
}

// UpsertRepository idempotently records repo, keyed on its platform ID.
func (r *Repository) UpsertRepository(ctx context.Context, repo *domain.Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO repositories (id, platform_repo_id, full_name, installation_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform_repo_id) DO UPDATE SET full_name = excluded.full_name
		RETURNING id`,
		repo.ID, repo.PlatformRepoID, repo.FullName, repo.InstallationID)
	if err := row.Scan(&repo.ID); err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

// UpsertInstallation idempotently records inst, keyed on its platform ID.
// A blank AccountLogin never overwrites a previously recorded one, so a
// job that only knows the installation's numeric ID (e.g. a workflow_run
// handler creating the row on first sight) can't clobber the login an
// earlier `installation` event already captured.
func (r *Repository) UpsertInstallation(ctx context.Context, inst *domain.Installation) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO installations (id, platform_installation_id, account_login, suspended_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform_installation_id) DO UPDATE SET
			account_login = COALESCE(NULLIF(excluded.account_login, ''), installations.account_login),
			suspended_at = excluded.suspended_at
		RETURNING id`,
		inst.ID, inst.PlatformInstallationID, inst.AccountLogin, inst.SuspendedAt)
	if err := row.Scan(&inst.ID); err != nil {
		return fmt.Errorf("upsert installation: %w", err)
	}
	return nil
}

// UpsertWorkflowRun idempotently records run, keyed on its platform run ID.
func (r *Repository) UpsertWorkflowRun(ctx context.Context, run *domain.WorkflowRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (platform_run_id, repo_id, head_sha, head_branch, status, conclusion, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform_run_id) DO UPDATE SET
			status = excluded.status,
			conclusion = excluded.conclusion,
			received_at = excluded.received_at`,
		run.PlatformRunID, run.RepoID, run.HeadSHA, run.HeadBranch, run.Status, run.Conclusion, run.ReceivedAt)
	if err != nil {
		return fmt.Errorf("upsert workflow run: %w", err)
	}
	return nil
}

// GetRepositoryID resolves the internal ID for a repository already
// recorded by platform repo ID, for callers (like a check_run callback)
// that only know the Platform's own numeric ID.
func (r *Repository) GetRepositoryID(ctx context.Context, platformRepoID int64) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `SELECT id FROM repositories WHERE platform_repo_id = $1`, platformRepoID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("repository with platform ID %d not found", platformRepoID)
		}
		return "", fmt.Errorf("lookup repository by platform ID %d: %w", platformRepoID, err)
	}
	return id, nil
}

// RepositoryPlanInfo is the join of a repository and its owning
// installation needed to run a dry-run quarantine plan without a live
// webhook delivery (spec §6 `POST /v1/quarantine/plan`).
type RepositoryPlanInfo struct {
	RepoID                 string `db:"id"`
	FullName               string `db:"full_name"`
	PlatformInstallationID int64  `db:"platform_installation_id"`
}

// GetRepositoryForPlan resolves the owner/repo/installation a quarantine
// plan needs, by the internal repository ID. It returns nil, nil if no
// such repository has ever been recorded.
func (r *Repository) GetRepositoryForPlan(ctx context.Context, repoID string) (*RepositoryPlanInfo, error) {
	var info RepositoryPlanInfo
	err := r.db.GetContext(ctx, &info, `
		SELECT repositories.id, repositories.full_name, installations.platform_installation_id
		FROM repositories
		JOIN installations ON installations.id = repositories.installation_id
		WHERE repositories.id = $1`, repoID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup repository %s for plan: %w", repoID, err)
	}
	return &info, nil
}

// Ping verifies the database connection is reachable, for health checks.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// LookupTestCaseID resolves the persisted ID for a test case already
// upserted by IngestRun, keyed the same way as the upsert itself. The
// scorer and policy engine work in terms of this ID, not the parser's
// transient suite/case structures.
func (r *Repository) LookupTestCaseID(ctx context.Context, repoID, fullName, file, suiteName string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, `
		SELECT id FROM test_cases
		WHERE repo_id = $1 AND full_name = $2 AND file = $3 AND suite_name = $4`,
		repoID, fullName, file, suiteName)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("test case %q not found in suite %q", fullName, suiteName)
		}
		return "", fmt.Errorf("lookup test case %q: %w", fullName, err)
	}
	return id, nil
}

// ListTestCases returns every test case ever ingested for repoID, for the
// quarantine plan dry-run endpoint (spec §6 `POST /v1/quarantine/plan`),
// which evaluates the current policy against every known test rather than
// just the ones touched by a single run.
func (r *Repository) ListTestCases(ctx context.Context, repoID string) ([]domain.TestCase, error) {
	var cases []domain.TestCase
	err := r.db.SelectContext(ctx, &cases, `
		SELECT id, repo_id, suite_name, class_name, name, full_name, file
		FROM test_cases
		WHERE repo_id = $1
		ORDER BY full_name`, repoID)
	if err != nil {
		return nil, fmt.Errorf("list test cases for repo %s: %w", repoID, err)
	}
	return cases, nil
}

// GetLatestWorkflowRun returns the most recently received workflow run for
// (repoID, headSHA), or nil if none has been ingested yet. The rerun_failed
// check-run callback uses this to recover the platform's own run ID, which
// the callback payload itself does not carry.
func (r *Repository) GetLatestWorkflowRun(ctx context.Context, repoID, headSHA string) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := r.db.GetContext(ctx, &run, `
		SELECT platform_run_id, repo_id, head_sha, head_branch, status, conclusion, received_at
		FROM workflow_runs
		WHERE repo_id = $1 AND head_sha = $2
		ORDER BY received_at DESC
		LIMIT 1`,
		repoID, headSHA)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest workflow run for %s@%s: %w", repoID, headSHA, err)
	}
	return &run, nil
}

// IngestRun persists every suite, case, and occurrence parsed from one
// workflow run's artifacts, committing one transaction per batch of up
// to 100 suites; inside that transaction the batch's cases and
// occurrences are written in chunks of 500 rows, so one oversized
// artifact cannot hold a single transaction open indefinitely.
func (r *Repository) IngestRun(ctx context.Context, repoID, runID string, suites []ParsedSuite) (IngestSummary, error) {
	var summary IngestSummary
	for _, batch := range chunk(suites, suiteBatchSize) {
		n, err := r.ingestSuiteBatch(ctx, repoID, runID, batch)
		if err != nil {
			return summary, err
		}
		summary.Suites += len(batch)
		summary.Cases += n.Cases
		summary.Occurrences += n.Occurrences
	}
	return summary, nil
}

func (r *Repository) ingestSuiteBatch(ctx context.Context, repoID, runID string, suites []ParsedSuite) (IngestSummary, error) {
	var summary IngestSummary
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("begin suite batch: %w", err)
	}
	defer tx.Rollback()

	for _, suite := range suites {
		suiteID, err := upsertSuite(ctx, tx, repoID, runID, suite)
		if err != nil {
			return summary, err
		}

		for _, caseBatch := range chunk(suite.Cases, caseBatchSize) {
			nCases, nOccurrences, err := ingestCaseBatch(ctx, tx, repoID, runID, suiteID, suite.Name, caseBatch)
			if err != nil {
				return summary, err
			}
			summary.Cases += nCases
			summary.Occurrences += nOccurrences
		}
	}

	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("commit suite batch: %w", err)
	}
	return summary, nil
}

func upsertSuite(ctx context.Context, tx *sqlx.Tx, repoID, runID string, suite ParsedSuite) (string, error) {
	totals := domain.SuiteTotals{}
	for _, c := range suite.Cases {
		for _, occ := range c.Occurrences {
			totals.Add(occ.Status)
		}
	}

	var timestamp *time.Time
	if suite.Timestamp != nil {
		t := time.Unix(*suite.Timestamp, 0).UTC()
		timestamp = &t
	}

	id := uuid.NewString()
	row := tx.QueryRowxContext(ctx, `
		INSERT INTO test_suites (id, repo_id, name, run_id, package, tests, failures, errors, skipped, time_seconds, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (repo_id, name, run_id) DO UPDATE SET
			package = excluded.package,
			tests = excluded.tests,
			failures = excluded.failures,
			errors = excluded.errors,
			skipped = excluded.skipped,
			time_seconds = excluded.time_seconds,
			timestamp = excluded.timestamp
		RETURNING id`,
		id, repoID, suite.Name, runID, suite.Package,
		totals.Tests, totals.Failures, totals.Errors, totals.Skipped,
		suite.Time, timestamp)

	var suiteID string
	if err := row.Scan(&suiteID); err != nil {
		return "", fmt.Errorf("upsert suite %q: %w", suite.Name, err)
	}
	return suiteID, nil
}

func ingestCaseBatch(ctx context.Context, tx *sqlx.Tx, repoID, runID, suiteID, suiteName string, cases []ParsedTestCase) (int, int, error) {
	var nCases, nOccurrences int
	for _, c := range cases {
		caseID, err := upsertCase(ctx, tx, repoID, suiteName, c)
		if err != nil {
			return nCases, nOccurrences, err
		}
		nCases++

		for _, occBatch := range chunk(c.Occurrences, occurrenceBatchSize) {
			n, err := insertOccurrences(ctx, tx, caseID, runID, occBatch)
			if err != nil {
				return nCases, nOccurrences, err
			}
			nOccurrences += n
		}
	}
	return nCases, nOccurrences, nil
}

func upsertCase(ctx context.Context, tx *sqlx.Tx, repoID, suiteName string, c ParsedTestCase) (string, error) {
	tc := domain.TestCase{ClassName: c.ClassName, Name: c.Name, FullName: c.FullName, File: c.File}
	file := tc.SourcePath()

	id := uuid.NewString()
	row := tx.QueryRowxContext(ctx, `
		INSERT INTO test_cases (id, repo_id, suite_name, class_name, name, full_name, file)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (repo_id, full_name, file, suite_name) DO UPDATE SET
			class_name = excluded.class_name
		RETURNING id`,
		id, repoID, suiteName, c.ClassName, c.Name, c.FullName, file)

	var caseID string
	if err := row.Scan(&caseID); err != nil {
		return "", fmt.Errorf("upsert test case %q: %w", c.FullName, err)
	}
	return caseID, nil
}

func insertOccurrences(ctx context.Context, tx *sqlx.Tx, caseID, runID string, occurrences []ParsedOccurrence) (int, error) {
	var n int
	for _, occ := range occurrences {
		attempt := occ.Attempt
		if attempt == 0 {
			attempt = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO occurrences (id, test_case_id, run_id, status, duration_ms, failure_msg_signature, stack_trace, attempt, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			ON CONFLICT (test_case_id, run_id, attempt) DO UPDATE SET
				status = excluded.status,
				duration_ms = excluded.duration_ms,
				failure_msg_signature = excluded.failure_msg_signature,
				stack_trace = excluded.stack_trace`,
			uuid.NewString(), caseID, runID, occ.Status, occ.DurationMs, occ.FailureMsgSignature, occ.StackTrace, attempt)
		if err != nil {
			return n, fmt.Errorf("insert occurrence for test case %s: %w", caseID, err)
		}
		n++
	}
	return n, nil
}

// RecentOccurrences returns up to window occurrences for testCaseID no
// older than since, most recent first — the rolling window the scorer
// consumes (spec §4.7).
func (r *Repository) RecentOccurrences(ctx context.Context, testCaseID string, window int, since time.Time) ([]domain.Occurrence, error) {
	var rows []domain.Occurrence
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, test_case_id, run_id, status, duration_ms, failure_msg_signature, stack_trace, attempt, created_at
		FROM occurrences
		WHERE test_case_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`,
		testCaseID, since, window)
	if err != nil {
		return nil, fmt.Errorf("select recent occurrences for %s: %w", testCaseID, err)
	}
	return rows, nil
}

// UpsertFlakeScore persists score as the current assessment for its test case.
func (r *Repository) UpsertFlakeScore(ctx context.Context, score domain.FlakeScore) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO flake_scores (test_case_id, score, confidence, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (test_case_id) DO UPDATE SET
			score = excluded.score,
			confidence = excluded.confidence,
			last_updated = excluded.last_updated`,
		score.TestCaseID, score.Score, score.Confidence, score.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert flake score for %s: %w", score.TestCaseID, err)
	}
	return nil
}

// GetCheckRun returns the check run previously published for (repoID,
// headSHA), or nil if none exists — the publisher uses this to decide
// between creating and updating (spec invariant 4).
func (r *Repository) GetCheckRun(ctx context.Context, repoID, headSHA string) (*domain.CheckRun, error) {
	var cr domain.CheckRun
	err := r.db.GetContext(ctx, &cr, `
		SELECT platform_check_run_id, repo_id, head_sha, status, conclusion
		FROM check_runs WHERE repo_id = $1 AND head_sha = $2`,
		repoID, headSHA)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get check run for %s@%s: %w", repoID, headSHA, err)
	}
	return &cr, nil
}

// UpsertCheckRun records the platform's check-run ID for (repoID, headSHA)
// after a create or update call.
func (r *Repository) UpsertCheckRun(ctx context.Context, cr domain.CheckRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO check_runs (platform_check_run_id, repo_id, head_sha, status, conclusion)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, head_sha) DO UPDATE SET
			platform_check_run_id = excluded.platform_check_run_id,
			status = excluded.status,
			conclusion = excluded.conclusion`,
		cr.PlatformCheckRunID, cr.RepoID, cr.HeadSHA, cr.Status, cr.Conclusion)
	if err != nil {
		return fmt.Errorf("upsert check run for %s@%s: %w", cr.RepoID, cr.HeadSHA, err)
	}
	return nil
}

// PruneOccurrences deletes occurrences older than before, returning the
// number of rows removed (spec §4.5's default 90-day retention).
func (r *Repository) PruneOccurrences(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM occurrences WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune occurrences before %s: %w", before, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned occurrences: %w", err)
	}
	if r.log != nil && n > 0 {
		r.log.Info("pruned occurrences past retention window", zap.Int64("count", n), zap.Time("before", before))
	}
	return n, nil
}

func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	var batches [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}
	return batches
}
