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

package webhook

import (
	"encoding/json"

	"github.com/flakeguard/flakeguard/internal/broker"
)

// eventEnvelope extracts just enough of the inbound JSON body to decide
// whether an event is interesting, per spec §4.1's recognized-kinds table.
// Unknown fields are ignored.
type eventEnvelope struct {
	Action string `json:"action"`
}

// jobKindFor maps a Platform event kind + action to FlakeGuard's internal
// job kind, or ("", false) if the event is not one worth enqueueing.
func jobKindFor(eventKind string, body []byte) (jobKind string, interesting bool) {
	var env eventEnvelope
	_ = json.Unmarshal(body, &env) // best-effort; absent/invalid action just means no action-gated match

	switch eventKind {
	case "workflow_run":
		if env.Action == "completed" {
			return "workflow_run", true
		}
	case "check_run":
		if env.Action == "rerequested" || env.Action == "requested_action" {
			return "check_run", true
		}
	case "workflow_job":
		if env.Action == "completed" {
			return "workflow_job", true
		}
	case "check_suite":
		return "check_suite", true
	case "pull_request":
		return "pull_request", true
	case "installation":
		return "installation", true
	}
	return "", false
}

// priorityFor derives the broker priority from a job kind, per spec §4.1
// ("priority derived from event kind; user-initiated action = high,
// workflow completion = normal").
func priorityFor(jobKind string) broker.Priority {
	switch jobKind {
	case "check_run":
		return broker.PriorityHigh
	case "installation":
		return broker.PriorityHigh
	default:
		return broker.PriorityNormal
	}
}
