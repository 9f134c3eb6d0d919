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

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/flakeguard/flakeguard/internal/domain"
)

// decodeJUnit stream-parses a JUnit-family XML report (the dialect every
// recognized format in spec §4.4 shares) event-by-event, never building
// the whole document tree, and emits a Suite per </testsuite> and a
// TestCase per </testcase>.
func decodeJUnit(r io.Reader) ([]Suite, error) {
	dec := xml.NewDecoder(r)

	var suites []Suite
	var suite *Suite
	var current *caseBuilder
	var capturing string
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return suites, err
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "testsuite":
				suite = newSuite(el.Attr)
			case "testcase":
				current = newCaseBuilder(el.Attr)
			case "failure", "error", "skipped":
				if current != nil {
					current.outcome = mapStatus(el.Name.Local)
					current.message = attr(el.Attr, "message")
				}
				capturing = el.Name.Local
				text.Reset()
			case "system-out", "system-err":
				capturing = el.Name.Local
				text.Reset()
			}

		case xml.CharData:
			if capturing != "" {
				text.Write(el)
			}

		case xml.EndElement:
			switch el.Name.Local {
			case "failure", "error":
				if current != nil {
					current.stackTrace = text.String()
				}
				capturing = ""
			case "skipped", "system-out", "system-err":
				capturing = ""
			case "testcase":
				if current != nil && suite != nil {
					suite.Cases = append(suite.Cases, current.build())
				}
				current = nil
			case "testsuite":
				if suite != nil {
					suites = append(suites, *suite)
					suite = nil
				}
			}
		}
	}

	return suites, nil
}

func newSuite(attrs []xml.Attr) *Suite {
	s := &Suite{Name: attr(attrs, "name"), Package: attr(attrs, "package")}
	if v := attr(attrs, "time"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Time = &f
		}
	}
	if v := attr(attrs, "timestamp"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			unix := t.Unix()
			s.Timestamp = &unix
		}
	}
	return s
}

// caseBuilder accumulates one <testcase>'s attributes and nested
// failure/error/skipped outcome until the element closes.
type caseBuilder struct {
	className   string
	name        string
	file        string
	durationSec *float64
	outcome     domain.OccurrenceStatus
	message     string
	stackTrace  string
}

func newCaseBuilder(attrs []xml.Attr) *caseBuilder {
	c := &caseBuilder{
		className: attr(attrs, "classname"),
		name:      attr(attrs, "name"),
		file:      attr(attrs, "file"),
		outcome:   domain.StatusPassed,
	}
	if v := attr(attrs, "time"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.durationSec = &f
		}
	}
	return c
}

func (c *caseBuilder) build() TestCase {
	fullName := c.name
	if c.className != "" {
		fullName = c.className + "." + c.name
	}

	var durationMs *int64
	if c.durationSec != nil {
		ms := int64(*c.durationSec * 1000)
		durationMs = &ms
	}

	occ := Occurrence{
		Status:              c.outcome,
		DurationMs:          durationMs,
		FailureMsgSignature: signature(c.message),
		StackTrace:          c.stackTrace,
		Attempt:             1,
	}

	return TestCase{
		ClassName:   c.className,
		Name:        c.name,
		FullName:    fullName,
		File:        c.file,
		Occurrences: []Occurrence{occ},
	}
}

// mapStatus implements spec §4.4's status table for element names.
func mapStatus(elementName string) domain.OccurrenceStatus {
	switch elementName {
	case "failure":
		return domain.StatusFailed
	case "error":
		return domain.StatusError
	case "skipped", "skip", "ignored":
		return domain.StatusSkipped
	default:
		return domain.OccurrenceStatus(strings.ToLower(elementName))
	}
}

// signature reduces a failure message to a stable, bounded identity for
// message-variance scoring (spec §4.7's messageVariance feature), without
// retaining the full (possibly huge, possibly PII-bearing) message text.
func signature(message string) string {
	if message == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:8])
}

func attr(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
