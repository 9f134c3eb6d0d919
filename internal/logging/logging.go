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

// Package logging builds the process-wide zap logger and provides the
// credential-redaction helper used by the platform client's audit log
// (spec §4.6i).
package logging

import (
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger. dev selects a human-readable console encoder;
// otherwise JSON is emitted to stdout, suitable for ingestion by a log
// aggregator.
func New(dev bool, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
		cfg.OutputPaths = []string{"stdout"}
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// redactPatterns matches key=value-ish credential fields so they never
// reach a log line, mirroring §4.6i ("redact credentials and tokens from
// all logs").
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[A-Za-z0-9._\-]+`),
	regexp.MustCompile(`(?i)((?:access_)?token["'=:\s]+)[A-Za-z0-9._\-]+`),
	regexp.MustCompile(`(?i)((?:webhook_)?secret["'=:\s]+)[^\s"']+`),
	regexp.MustCompile(`(?i)(sha256=)[0-9a-f]+`),
}

// Redact scrubs any substring in s that looks like a credential, token, or
// signature, replacing the sensitive portion with "[REDACTED]". It is
// intentionally conservative: it is meant for request/response audit
// logging of arbitrary upstream text, not for structured fields (those
// should simply be omitted by the caller).
func Redact(s string) string {
	out := s
	for _, pattern := range redactPatterns {
		out = pattern.ReplaceAllString(out, "$1[REDACTED]")
	}
	return out
}
