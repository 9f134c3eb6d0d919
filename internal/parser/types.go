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

// Package parser turns a streamed archive of CI test reports into
// normalized suites, tolerating malformed individual files (spec §4.4).
package parser

import "github.com/flakeguard/flakeguard/internal/domain"

// Occurrence is one observed execution of a test case, as read off a report.
type Occurrence struct {
	Status              domain.OccurrenceStatus
	DurationMs          *int64
	FailureMsgSignature string
	StackTrace          string
	Attempt             int
}

// TestCase is one test case and its observed executions within a suite.
type TestCase struct {
	ClassName   string
	Name        string
	FullName    string
	File        string
	Occurrences []Occurrence
}

// Suite is one parsed test suite.
type Suite struct {
	Name      string
	Package   string
	Time      *float64
	Timestamp *int64 // unix seconds; nil when the report carries no timestamp
	Format    Format
	Cases     []TestCase
}

// Totals sums the case occurrences' statuses, the output invariant spec
// §4.4 requires ("totals equal sum over cases by status").
func (s Suite) Totals() domain.SuiteTotals {
	var t domain.SuiteTotals
	for _, c := range s.Cases {
		for _, occ := range c.Occurrences {
			t.Add(occ.Status)
		}
	}
	return t
}

// Report is the normalized result of parsing one artifact, plus any
// per-file warnings accumulated along the way (spec §4.4 "tolerate
// malformed suites").
type Report struct {
	Suites   []Suite
	Warnings []FileWarning
}

// FileWarning records that one entry inside the archive failed to parse,
// without aborting the rest of the job.
type FileWarning struct {
	Path string
	Err  error
}

// Totals sums every suite's totals, the output invariant spec §4.4
// requires ("totals in the emitted TestSuites equal the sum over its suites").
func (r Report) Totals() domain.SuiteTotals {
	var t domain.SuiteTotals
	for _, s := range r.Suites {
		st := s.Totals()
		t.Tests += st.Tests
		t.Failures += st.Failures
		t.Errors += st.Errors
		t.Skipped += st.Skipped
	}
	return t
}
