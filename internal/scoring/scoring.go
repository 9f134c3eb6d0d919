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

// Package scoring implements the flakiness scorer (spec §4.7): a pure
// function from a bounded per-test occurrence history to a score,
// confidence, and feature vector. Nothing in this package performs I/O
// or reads wall-clock time internally — callers supply "now", and Score
// applies the lookback and window limits to the history itself, which is
// what makes Score's output bit-identical for identical input.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/flakeguard/flakeguard/internal/domain"
)

// Defaults from spec §4.7/§4.8.
const (
	DefaultWindowSize      = 100
	DefaultLookbackDays    = 14
	DefaultMinOccurrences  = 5
	DefaultFlakyThreshold  = 0.6
	DefaultWarnThreshold   = 0.3
	ConfidenceSaturatesAtN = 30
)

// Weights assigns the linear-combination weight to each feature; the
// caller (policy engine) supplies repository-configured weights or
// DefaultWeights(). Clustering enters the sum as (1 - clustering) rather
// than as-is because a *low* clustering feature (frequent alternation) is the flaky signal
// (spec §4.7: "clustering... inverted; low=flaky").
type Weights struct {
	FailSuccessRatio    float64
	RerunPassRate       float64
	Intermittency       float64
	ConsecutiveFailures float64
	MessageVariance     float64
	Clustering          float64
}

// DefaultWeights sums to 1.0, per spec §4.7.
func DefaultWeights() Weights {
	return Weights{
		FailSuccessRatio:    0.25,
		RerunPassRate:       0.20,
		Intermittency:       0.20,
		ConsecutiveFailures: 0.15,
		MessageVariance:     0.10,
		Clustering:          0.10,
	}
}

// Options parameterizes one Score call; zero values fall back to the
// spec's literal defaults.
type Options struct {
	Now             time.Time
	Window          int           // W
	Lookback        time.Duration // D
	MinOccurrences  int
	Weights         Weights
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindowSize
	}
	if o.Lookback <= 0 {
		o.Lookback = DefaultLookbackDays * 24 * time.Hour
	}
	if o.MinOccurrences <= 0 {
		o.MinOccurrences = DefaultMinOccurrences
	}
	if o.Weights == (Weights{}) {
		o.Weights = DefaultWeights()
	}
	return o
}

// Result is the scorer's full output (spec §4.7).
type Result struct {
	Score          float64
	Confidence     float64
	Features       domain.Features
	Recommendation domain.Action
}

// Score computes a flakiness assessment for one test from its full
// occurrence history. history need not be pre-sorted or pre-windowed;
// Score applies the lookback window and caps at Window occurrences
// itself, always operating on a copy so it never mutates the caller's
// slice.
func Score(history []domain.Occurrence, opts Options) Result {
	opts = opts.withDefaults()

	windowed := windowHistory(history, opts.Now, opts.Lookback, opts.Window)
	n := len(windowed)

	if n < opts.MinOccurrences {
		return Result{Confidence: 0, Recommendation: domain.ActionNone}
	}

	features := computeFeatures(windowed, opts.Window)
	score := clamp01(
		opts.Weights.FailSuccessRatio*features.FailSuccessRatio +
			opts.Weights.RerunPassRate*features.RerunPassRate +
			opts.Weights.Intermittency*features.Intermittency +
			opts.Weights.ConsecutiveFailures*features.ConsecutiveFailures +
			opts.Weights.MessageVariance*features.MessageVariance +
			opts.Weights.Clustering*(1-features.Clustering),
	)

	confidence := computeConfidence(windowed, n)

	recommendation := domain.ActionNone
	switch {
	case score >= DefaultFlakyThreshold:
		recommendation = domain.ActionQuarantine
	case score >= DefaultWarnThreshold:
		recommendation = domain.ActionWarn
	}

	return Result{Score: score, Confidence: confidence, Features: features, Recommendation: recommendation}
}

// windowHistory sorts by CreatedAt ascending, drops anything older than
// now-lookback, and keeps at most the most recent window occurrences.
func windowHistory(history []domain.Occurrence, now time.Time, lookback time.Duration, window int) []domain.Occurrence {
	cutoff := now.Add(-lookback)
	kept := make([]domain.Occurrence, 0, len(history))
	for _, occ := range history {
		if now.IsZero() || !occ.CreatedAt.Before(cutoff) {
			kept = append(kept, occ)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })

	if len(kept) > window {
		kept = kept[len(kept)-window:]
	}
	return kept
}

func computeFeatures(history []domain.Occurrence, window int) domain.Features {
	n := len(history)

	var failures, successes int
	for _, occ := range history {
		switch {
		case occ.Status.IsFailureLike():
			failures++
		case occ.Status == domain.StatusPassed:
			successes++
		}
	}

	var failSuccessRatio float64
	if failures+successes > 0 {
		failSuccessRatio = float64(failures) / float64(failures+successes)
	}

	rerunPassRate, rerunPassRateKnown := computeRerunPassRate(history)

	var transitions int
	for i := 1; i < n; i++ {
		if history[i].Status != history[i-1].Status {
			transitions++
		}
	}
	var intermittency float64
	if n > 1 {
		intermittency = float64(transitions) / float64(n-1)
	}

	var trailingFailures int
	for i := n - 1; i >= 0; i-- {
		if !history[i].Status.IsFailureLike() {
			break
		}
		trailingFailures++
	}
	consecutiveFailures := float64(trailingFailures) / float64(window)
	if consecutiveFailures > 1 {
		consecutiveFailures = 1
	}

	messageVariance := computeMessageVariance(history, failures)

	clustering := computeClustering(history)

	return domain.Features{
		FailSuccessRatio:    failSuccessRatio,
		RerunPassRate:       rerunPassRate,
		RerunPassRateKnown:  rerunPassRateKnown,
		Intermittency:       intermittency,
		ConsecutiveFailures: consecutiveFailures,
		MessageVariance:     messageVariance,
		Clustering:          clustering,
	}
}

// computeRerunPassRate implements spec §9's open-question resolution:
// when no reruns are recorded at all, return 0 with Known=false rather
// than inventing a value. A "rerun" is a later attempt within the same
// runId following a failing attempt.
func computeRerunPassRate(history []domain.Occurrence) (float64, bool) {
	byRun := make(map[string][]domain.Occurrence)
	for _, occ := range history {
		byRun[occ.RunID] = append(byRun[occ.RunID], occ)
	}

	var failuresWithRerun, passesAfterFailure int
	for _, attempts := range byRun {
		if len(attempts) < 2 {
			continue
		}
		sort.Slice(attempts, func(i, j int) bool { return attempts[i].Attempt < attempts[j].Attempt })
		sawFailure := false
		for _, a := range attempts {
			if sawFailure {
				failuresWithRerun++
				if a.Status == domain.StatusPassed {
					passesAfterFailure++
				}
				sawFailure = false
			}
			if a.Status.IsFailureLike() {
				sawFailure = true
			}
		}
	}

	if failuresWithRerun == 0 {
		return 0, false
	}
	return float64(passesAfterFailure) / float64(failuresWithRerun), true
}

func computeMessageVariance(history []domain.Occurrence, failures int) float64 {
	if failures == 0 {
		return 0
	}
	seen := make(map[string]struct{}, failures)
	for _, occ := range history {
		if occ.Status.IsFailureLike() {
			seen[occ.FailureMsgSignature] = struct{}{}
		}
	}
	return clamp01(float64(len(seen)) / float64(failures))
}

func computeClustering(history []domain.Occurrence) float64 {
	n := len(history)
	if n == 0 {
		return 0
	}
	maxRun, currentRun := 1, 1
	for i := 1; i < n; i++ {
		if history[i].Status == history[i-1].Status {
			currentRun++
		} else {
			currentRun = 1
		}
		if currentRun > maxRun {
			maxRun = currentRun
		}
	}
	return float64(maxRun) / float64(n)
}

// computeConfidence grows with sample size (saturating at
// ConfidenceSaturatesAtN) and shrinks with the variance of the
// failure-rate across contiguous sub-windows of history, approximating
// "monotonic in n and 1/variance of recent scores" without requiring
// cross-call state.
func computeConfidence(history []domain.Occurrence, n int) float64 {
	sizeFactor := math.Min(1, float64(n)/float64(ConfidenceSaturatesAtN))

	chunks := chunkCount(n)
	if chunks < 2 {
		return clamp01(sizeFactor)
	}

	chunkSize := n / chunks
	rates := make([]float64, 0, chunks)
	for c := 0; c < chunks; c++ {
		start := c * chunkSize
		end := start + chunkSize
		if c == chunks-1 {
			end = n
		}
		rates = append(rates, failureRate(history[start:end]))
	}

	variance := populationVariance(rates)
	stabilityFactor := 1 / (1 + variance*4)

	return clamp01(sizeFactor * stabilityFactor)
}

func chunkCount(n int) int {
	switch {
	case n >= 30:
		return 5
	case n >= 10:
		return 3
	default:
		return 1
	}
}

func failureRate(occurrences []domain.Occurrence) float64 {
	if len(occurrences) == 0 {
		return 0
	}
	var failures int
	for _, occ := range occurrences {
		if occ.Status.IsFailureLike() {
			failures++
		}
	}
	return float64(failures) / float64(len(occurrences))
}

func populationVariance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sumSquares float64
	for _, v := range values {
		d := v - mean
		sumSquares += d * d
	}
	return sumSquares / float64(len(values))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
