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

// Package policy loads and evaluates the per-repository `.flakeguard.yml`
// document (spec §4.8): it turns a flakiness score plus a repository's
// configured thresholds, path/name filters, and team overrides into a
// none/warn/quarantine decision.
package policy

import (
	"github.com/go-playground/validator/v10"

	"github.com/flakeguard/flakeguard/internal/scoring"
)

// ScoringWeights mirrors scoring.Weights with YAML tags so the document
// can be unmarshaled directly; ToWeights converts it for the scorer.
type ScoringWeights struct {
	FailSuccessRatio    float64 `yaml:"fail_success_ratio"`
	RerunPassRate       float64 `yaml:"rerun_pass_rate"`
	Intermittency       float64 `yaml:"intermittency"`
	ConsecutiveFailures float64 `yaml:"consecutive_failures"`
	MessageVariance     float64 `yaml:"message_variance"`
	Clustering          float64 `yaml:"clustering"`
}

// ToWeights converts to the scorer's weight type, falling back to
// scoring.DefaultWeights() when the document left the block empty.
func (w ScoringWeights) ToWeights() scoring.Weights {
	if w == (ScoringWeights{}) {
		return scoring.DefaultWeights()
	}
	return scoring.Weights{
		FailSuccessRatio:    w.FailSuccessRatio,
		RerunPassRate:       w.RerunPassRate,
		Intermittency:       w.Intermittency,
		ConsecutiveFailures: w.ConsecutiveFailures,
		MessageVariance:     w.MessageVariance,
		Clustering:          w.Clustering,
	}
}

// TeamOverride is a partial policy applied by field-level shallow merge
// over the repository defaults (spec §4.8 rule 6). Pointer/nil-slice
// fields distinguish "not set" from "set to the zero value".
type TeamOverride struct {
	FlakyThreshold        *float64 `yaml:"flaky_threshold,omitempty"`
	WarnThreshold         *float64 `yaml:"warn_threshold,omitempty"`
	MinOccurrences        *int     `yaml:"min_occurrences,omitempty"`
	MinRecentFailures     *int     `yaml:"min_recent_failures,omitempty"`
	ConfidenceThreshold   *float64 `yaml:"confidence_threshold,omitempty"`
	AutoQuarantineEnabled *bool    `yaml:"auto_quarantine_enabled,omitempty"`
	LabelsRequired        []string `yaml:"labels_required,omitempty"`
}

// Document is the parsed, defaulted, and validated `.flakeguard.yml`
// (spec §4.8). Source records where it came from, for the quarantine
// policy API and for surfacing load warnings without crashing the job.
type Document struct {
	FlakyThreshold         float64                 `yaml:"flaky_threshold" json:"flaky_threshold,omitempty" validate:"gte=0,lte=1"`
	WarnThreshold          float64                 `yaml:"warn_threshold" json:"warn_threshold,omitempty" validate:"gte=0,lte=1,ltfield=FlakyThreshold"`
	MinOccurrences         int                     `yaml:"min_occurrences" json:"min_occurrences,omitempty" validate:"gte=1"`
	// MinRecentFailures is a pointer, like TeamOverride's fields, so an
	// explicit 0 is distinguishable from "unset" and applyDefaults can
	// tell them apart.
	MinRecentFailures      *int                    `yaml:"min_recent_failures" json:"min_recent_failures,omitempty" validate:"omitempty,gte=0"`
	LookbackDays           int                     `yaml:"lookback_days" json:"lookback_days,omitempty" validate:"gte=1,lte=365"`
	RollingWindowSize      int                     `yaml:"rolling_window_size" json:"rolling_window_size,omitempty" validate:"gte=10"`
	ConfidenceThreshold    float64                 `yaml:"confidence_threshold" json:"confidence_threshold,omitempty" validate:"gte=0,lte=1"`
	ExcludePaths           []string                `yaml:"exclude_paths" json:"exclude_paths,omitempty"`
	ExemptedTests          []string                `yaml:"exempted_tests" json:"exempted_tests,omitempty"`
	LabelsRequired         []string                `yaml:"labels_required" json:"labels_required,omitempty"`
	AutoQuarantineEnabled  bool                    `yaml:"auto_quarantine_enabled" json:"auto_quarantine_enabled,omitempty"`
	ScoringWeights         ScoringWeights          `yaml:"scoring_weights" json:"scoring_weights,omitempty"`
	TeamOverrides          map[string]TeamOverride `yaml:"team_overrides" json:"team_overrides,omitempty"`
	QuarantineDurationDays int                     `yaml:"quarantine_duration_days" json:"quarantine_duration_days,omitempty" validate:"gte=0"`
	TeamNotifications      map[string]any          `yaml:"team_notifications" json:"team_notifications,omitempty"`

	Source string `yaml:"-" json:"source,omitempty"` // "repository" or "default"
}

func intPtr(v int) *int { return &v }

// DefaultExcludePaths mirrors spec §4.8's description of the exclude_paths
// default: test fixture directories, vendored code, documentation.
func DefaultExcludePaths() []string {
	return []string{
		"**/testdata/**",
		"**/fixtures/**",
		"**/vendor/**",
		"**/node_modules/**",
		"**/*.md",
		"docs/**",
	}
}

// DefaultDocument returns the fully-defaulted policy (spec §4.8 "parenthesized defaults").
func DefaultDocument() *Document {
	return &Document{
		FlakyThreshold:         0.6,
		WarnThreshold:          0.3,
		MinOccurrences:         5,
		MinRecentFailures:      intPtr(2),
		LookbackDays:           14,
		RollingWindowSize:      100,
		ConfidenceThreshold:    0.7,
		ExcludePaths:           DefaultExcludePaths(),
		ExemptedTests:          nil,
		LabelsRequired:         nil,
		AutoQuarantineEnabled:  false,
		ScoringWeights:         ScoringWeights{},
		TeamOverrides:          nil,
		QuarantineDurationDays: 30,
		TeamNotifications:      nil,
		Source:                 "default",
	}
}

// minRecentFailures returns the effective threshold, treating an unset
// pointer as "no minimum" — Evaluate is always called on an
// already-defaulted Document in practice, but must not panic on one
// that isn't.
func (d Document) minRecentFailures() int {
	if d.MinRecentFailures == nil {
		return 0
	}
	return *d.MinRecentFailures
}

var validate = validator.New()

// applyDefaults fills in zero-valued fields left unset by a parsed YAML
// document before validation, the way internal/config.applyDefaults
// completes a partially-specified file.
func applyDefaults(doc *Document) {
	defaults := DefaultDocument()
	if doc.FlakyThreshold == 0 {
		doc.FlakyThreshold = defaults.FlakyThreshold
	}
	if doc.WarnThreshold == 0 {
		doc.WarnThreshold = defaults.WarnThreshold
	}
	if doc.MinOccurrences == 0 {
		doc.MinOccurrences = defaults.MinOccurrences
	}
	if doc.MinRecentFailures == nil {
		doc.MinRecentFailures = defaults.MinRecentFailures
	}
	if doc.LookbackDays == 0 {
		doc.LookbackDays = defaults.LookbackDays
	}
	if doc.RollingWindowSize == 0 {
		doc.RollingWindowSize = defaults.RollingWindowSize
	}
	if doc.ConfidenceThreshold == 0 {
		doc.ConfidenceThreshold = defaults.ConfidenceThreshold
	}
	if doc.ExcludePaths == nil {
		doc.ExcludePaths = defaults.ExcludePaths
	}
	if doc.QuarantineDurationDays == 0 {
		doc.QuarantineDurationDays = defaults.QuarantineDurationDays
	}
}

// Validate defaults and validates doc, returning every accumulated
// validator error rather than stopping at the first (spec §8: "either
// succeeds and returns a fully defaulted config, or fails with a
// non-empty list of errors; never both").
func Validate(doc *Document) []error {
	applyDefaults(doc)

	if err := validate.Struct(doc); err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return []error{err}
		}
		errs := make([]error, 0, len(validationErrs))
		for _, fe := range validationErrs {
			errs = append(errs, fe)
		}
		return errs
	}
	return nil
}

// merge applies a team override's non-nil fields onto a copy of doc,
// per spec §4.8 rule 6 ("field-level shallow merge over defaults").
func (d Document) merge(override TeamOverride) Document {
	merged := d
	if override.FlakyThreshold != nil {
		merged.FlakyThreshold = *override.FlakyThreshold
	}
	if override.WarnThreshold != nil {
		merged.WarnThreshold = *override.WarnThreshold
	}
	if override.MinOccurrences != nil {
		merged.MinOccurrences = *override.MinOccurrences
	}
	if override.MinRecentFailures != nil {
		merged.MinRecentFailures = override.MinRecentFailures
	}
	if override.ConfidenceThreshold != nil {
		merged.ConfidenceThreshold = *override.ConfidenceThreshold
	}
	if override.AutoQuarantineEnabled != nil {
		merged.AutoQuarantineEnabled = *override.AutoQuarantineEnabled
	}
	if override.LabelsRequired != nil {
		merged.LabelsRequired = override.LabelsRequired
	}
	return merged
}
