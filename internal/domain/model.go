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

// Package domain holds the entity types described in spec §3. These are
// plain value types shared across every package in the ingestion-to-decision
// pipeline; none of them own persistence or network behavior.
package domain

import (
	"path"
	"strings"
	"time"
)

// Repository is a monitored code repository (spec §3).
type Repository struct {
	ID              string `db:"id"`
	PlatformRepoID  int64  `db:"platform_repo_id"`
	FullName        string `db:"full_name"`
	InstallationID  string `db:"installation_id"`
}

// Installation is a per-account authorization grant to the app (spec §3).
type Installation struct {
	ID                     string     `db:"id"`
	PlatformInstallationID int64      `db:"platform_installation_id"`
	AccountLogin           string     `db:"account_login"`
	SuspendedAt            *time.Time `db:"suspended_at"`
}

// WorkflowRunStatus mirrors the Platform's workflow_run.status values.
type WorkflowRunStatus string

const (
	WorkflowRunQueued     WorkflowRunStatus = "queued"
	WorkflowRunInProgress WorkflowRunStatus = "in_progress"
	WorkflowRunCompleted  WorkflowRunStatus = "completed"
)

// WorkflowRun is upserted on every workflow_run event (spec §3).
type WorkflowRun struct {
	PlatformRunID int64     `db:"platform_run_id"`
	RepoID        string    `db:"repo_id"`
	HeadSHA       string    `db:"head_sha"`
	HeadBranch    string    `db:"head_branch"`
	Status        WorkflowRunStatus `db:"status"`
	Conclusion    *string   `db:"conclusion"`
	ReceivedAt    time.Time `db:"received_at"`
}

// SuiteTotals is the per-status tally attached to a TestSuite (invariant 1:
// totals must equal the sum of the suite's cases' statuses).
type SuiteTotals struct {
	Tests    int `db:"tests" json:"tests"`
	Failures int `db:"failures" json:"failures"`
	Errors   int `db:"errors" json:"errors"`
	Skipped  int `db:"skipped" json:"skipped"`
}

// Add accumulates the counts of a single occurrence status into the totals.
func (t *SuiteTotals) Add(status OccurrenceStatus) {
	t.Tests++
	switch status {
	case StatusFailed:
		t.Failures++
	case StatusError:
		t.Errors++
	case StatusSkipped:
		t.Skipped++
	}
}

// TestSuite is unique by (RepoID, Name, RunID-or-empty) per spec §3.
type TestSuite struct {
	ID        string       `db:"id"`
	RepoID    string       `db:"repo_id"`
	Name      string       `db:"name"`
	RunID     string       `db:"run_id"`
	Package   string       `db:"package"`
	Totals    SuiteTotals  `db:"-"`
	Time      *float64     `db:"time_seconds"`
	Timestamp *time.Time   `db:"timestamp"`
}

// TestCase is unique by (RepoID, FullName, File-or-empty, SuiteName) per
// spec §3; insertion order is irrelevant, string identity is stable.
type TestCase struct {
	ID        string `db:"id"`
	RepoID    string `db:"repo_id"`
	SuiteName string `db:"suite_name"`
	ClassName string `db:"class_name"`
	Name      string `db:"name"`
	FullName  string `db:"full_name"` // suite.class.name
	File      string `db:"file"`
}

// SourcePath returns the test case's best-known repository-relative file
// path: the parser-reported File when present, otherwise a heuristic
// derived from a dotted class name (spec §4.5/§4.8), e.g.
// "com.acme.widgets.FooTest" becomes "com/acme/widgets/FooTest.java".
// Ingestion backfills File with this value when the parser left it
// blank; policy exclusion matching relies on the same heuristic for
// reports where no file was backfilled.
func (tc TestCase) SourcePath() string {
	if tc.File != "" {
		return path.Clean(strings.ReplaceAll(tc.File, `\`, "/"))
	}
	if tc.ClassName == "" {
		return ""
	}
	if strings.Contains(tc.ClassName, ".") {
		return strings.ReplaceAll(tc.ClassName, ".", "/") + ".java"
	}
	return tc.ClassName
}

// OccurrenceStatus is the outcome of one observed test execution.
//
// The parser only ever emits passed|failed|error|skipped (spec §9 open
// question: "flaky" is a derived scorer concept, never a parsed status);
// StatusFlaky exists here only because FlakeScore/PolicyDecision consumers
// need a named constant for "this test is currently considered flaky" in
// places outside of parsing, e.g. check-run rendering.
type OccurrenceStatus string

const (
	StatusPassed  OccurrenceStatus = "passed"
	StatusFailed  OccurrenceStatus = "failed"
	StatusError   OccurrenceStatus = "error"
	StatusSkipped OccurrenceStatus = "skipped"
	StatusFlaky   OccurrenceStatus = "flaky"
)

// IsFailureLike reports whether a status counts toward failure statistics.
// Per invariant 2, skipped never contributes to failure counts.
func (s OccurrenceStatus) IsFailureLike() bool {
	return s == StatusFailed || s == StatusError
}

// Occurrence is one observed execution of a test case in a run (spec §3).
// Unique by (TestCaseID, RunID, Attempt) — invariant 3.
type Occurrence struct {
	ID                  string           `db:"id"`
	TestCaseID          string           `db:"test_case_id"`
	RunID               string           `db:"run_id"`
	Status              OccurrenceStatus `db:"status"`
	DurationMs          *int64           `db:"duration_ms"`
	FailureMsgSignature string           `db:"failure_msg_signature"`
	StackTrace          string           `db:"stack_trace"`
	Attempt             int              `db:"attempt"`
	CreatedAt           time.Time        `db:"created_at"`
}

// Features are the scorer's per-test feature vector (spec §4.7), each in [0,1].
type Features struct {
	FailSuccessRatio    float64 `json:"failSuccessRatio"`
	RerunPassRate       float64 `json:"rerunPassRate"`
	RerunPassRateKnown  bool    `json:"rerunPassRateKnown"`
	Intermittency       float64 `json:"intermittency"`
	ConsecutiveFailures float64 `json:"consecutiveFailures"`
	MessageVariance     float64 `json:"messageVariance"`
	Clustering          float64 `json:"clustering"`
}

// FlakeScore is the derived, cached per-test stability assessment (spec §3).
type FlakeScore struct {
	TestCaseID  string    `db:"test_case_id"`
	Score       float64   `db:"score"`
	Confidence  float64   `db:"confidence"`
	Features    Features  `db:"-"`
	LastUpdated time.Time `db:"last_updated"`
}

// Action is the policy engine's decision verdict (spec §3/§4.8).
type Action string

const (
	ActionNone       Action = "none"
	ActionWarn       Action = "warn"
	ActionQuarantine Action = "quarantine"
)

// Priority is the urgency attached to a PolicyDecision (spec §3/§4.8).
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PolicyDecision is the policy engine's ephemeral output for one test case
// (spec §3).
type PolicyDecision struct {
	TestCaseID string         `json:"testCaseId"`
	Action     Action         `json:"action"`
	Priority   Priority       `json:"priority"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CheckRunConclusion mirrors the Platform's check-run conclusion enum (spec §6).
type CheckRunConclusion string

const (
	ConclusionSuccess        CheckRunConclusion = "success"
	ConclusionFailure        CheckRunConclusion = "failure"
	ConclusionNeutral        CheckRunConclusion = "neutral"
	ConclusionCancelled      CheckRunConclusion = "cancelled"
	ConclusionSkipped        CheckRunConclusion = "skipped"
	ConclusionTimedOut       CheckRunConclusion = "timed_out"
	ConclusionActionRequired CheckRunConclusion = "action_required"
	ConclusionStale          CheckRunConclusion = "stale"
)

// CheckRunAction is one of the up-to-three user-invokable buttons on a
// check run (spec §4.9).
type CheckRunAction struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Identifier  string `json:"identifier"`
}

// MaxCheckRunActions enforces invariant/testable-property "actions in [0,3]".
const MaxCheckRunActions = 3

// CheckRunOutput is the rendered body of a check run (spec §6).
type CheckRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Text    string `json:"text,omitempty"`
}

// CheckRun mirrors the Platform's check-run object, keyed by (RepoID, HeadSHA)
// per invariant 4 (stable name, republish updates rather than duplicates).
type CheckRun struct {
	PlatformCheckRunID int64              `db:"platform_check_run_id"`
	RepoID              string             `db:"repo_id"`
	HeadSHA             string             `db:"head_sha"`
	Status              string             `db:"status"`
	Conclusion          CheckRunConclusion `db:"conclusion"`
	Output              CheckRunOutput     `db:"-"`
	Actions             []CheckRunAction   `db:"-"`
}
