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

package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/flakeguard/flakeguard/internal/apperrors"
)

// workflowRunPayload is the subset of a `workflow_run` webhook body the
// executor needs. Field names mirror the Platform's own JSON.
type workflowRunPayload struct {
	Action      string `json:"action"`
	WorkflowRun struct {
		ID         int64   `json:"id"`
		HeadSHA    string  `json:"head_sha"`
		HeadBranch string  `json:"head_branch"`
		Status     string  `json:"status"`
		Conclusion *string `json:"conclusion"`
	} `json:"workflow_run"`
	Repository struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (p workflowRunPayload) owner() string {
	owner, _, _ := strings.Cut(p.Repository.FullName, "/")
	return owner
}

func (p workflowRunPayload) repoName() string {
	_, repo, _ := strings.Cut(p.Repository.FullName, "/")
	return repo
}

// parseWorkflowRunPayload decodes body and validates the repository and
// installation identifiers the rest of the pipeline requires (spec §4.3
// scenario D: both absent is fatal, not retryable).
func parseWorkflowRunPayload(body []byte) (workflowRunPayload, error) {
	var p workflowRunPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, apperrors.Wrap(err, apperrors.KindValidation, "malformed workflow_run payload")
	}
	if p.Repository.FullName == "" && p.Installation.ID == 0 {
		return p, apperrors.New(apperrors.KindValidation, "Missing required repository or installation information")
	}
	if !strings.Contains(p.Repository.FullName, "/") {
		return p, apperrors.New(apperrors.KindValidation, "repository full name must be in owner/repo form")
	}
	return p, nil
}

// checkRunPayload is the subset of a `check_run` webhook body the executor
// needs to dispatch an action-button callback.
type checkRunPayload struct {
	Action   string `json:"action"`
	CheckRun struct {
		ID      int64  `json:"id"`
		HeadSHA string `json:"head_sha"`
	} `json:"check_run"`
	RequestedAction *struct {
		Identifier string `json:"identifier"`
	} `json:"requested_action"`
	Repository struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (p checkRunPayload) owner() string {
	owner, _, _ := strings.Cut(p.Repository.FullName, "/")
	return owner
}

func (p checkRunPayload) repoName() string {
	_, repo, _ := strings.Cut(p.Repository.FullName, "/")
	return repo
}

func parseCheckRunPayload(body []byte) (checkRunPayload, error) {
	var p checkRunPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return p, apperrors.Wrap(err, apperrors.KindValidation, "malformed check_run payload")
	}
	if p.Repository.FullName == "" && p.Installation.ID == 0 {
		return p, apperrors.New(apperrors.KindValidation, "Missing required repository or installation information")
	}
	return p, nil
}
