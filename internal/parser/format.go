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

package parser

import "strings"

// Format identifies which tool produced a test report. Every recognized
// format is carried as a normalized JUnit-XML dialect by decode.go; Format
// exists for provenance (warnings, metrics) rather than to switch parsing
// logic, since the dialects agree on the suite/case/failure shape.
type Format string

const (
	FormatSurefire Format = "surefire"
	FormatGradle   Format = "gradle"
	FormatJest     Format = "jest"
	FormatPytest   Format = "pytest"
	FormatPHPUnit  Format = "phpunit"
	FormatGeneric  Format = "generic"
)

// sniffWindow bounds how much of a file DetectFormat inspects, per
// spec §4.4 ("content sniffing over the first ≤2 KiB").
const sniffWindow = 2048

// DetectFormat classifies a report by filename and a content sniff,
// returning the format and a confidence in [0,1]. A confident content
// match wins over the filename signal (spec §4.4).
func DetectFormat(filename string, sniff []byte) (Format, float64) {
	if len(sniff) > sniffWindow {
		sniff = sniff[:sniffWindow]
	}
	content := strings.ToLower(string(sniff))

	if format, ok := sniffContent(content); ok {
		return format, 0.9
	}

	if format, ok := sniffFilename(strings.ToLower(filename)); ok {
		return format, 0.6
	}

	return FormatGeneric, 0.3
}

func sniffContent(content string) (Format, bool) {
	switch {
	case strings.Contains(content, "surefire"):
		return FormatSurefire, true
	case strings.Contains(content, "pytest"):
		return FormatPytest, true
	case strings.Contains(content, "jest"):
		return FormatJest, true
	case strings.Contains(content, "phpunit"):
		return FormatPHPUnit, true
	case strings.Contains(content, "gradle"):
		return FormatGradle, true
	default:
		return "", false
	}
}

func sniffFilename(filename string) (Format, bool) {
	switch {
	case strings.Contains(filename, "surefire"):
		return FormatSurefire, true
	case strings.Contains(filename, "pytest"):
		return FormatPytest, true
	case strings.Contains(filename, "jest"):
		return FormatJest, true
	case strings.Contains(filename, "phpunit"):
		return FormatPHPUnit, true
	case strings.Contains(filename, "gradle"):
		return FormatGradle, true
	default:
		return "", false
	}
}
