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

// Package fetcher resolves a workflow run's artifacts, filters them down
// to test-report candidates, and streams each one to a consumer without
// ever buffering a whole archive in memory (spec §4.3).
package fetcher

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flakeguard/flakeguard/internal/broker"
	"github.com/flakeguard/flakeguard/internal/platformclient"
)

// DefaultMaxArtifactSize is the default per-artifact size ceiling (spec §4.3).
const DefaultMaxArtifactSize = 100 << 20

// namePatterns matches against an artifact's declared Name, which is a
// logical label chosen by the workflow author ("test-results",
// "junit-reports") and routinely carries no file extension at all — only
// the downloaded blob behind ArchiveDownloadURL is a zip.
var namePatterns = []string{
	"test-results*", "junit*", "surefire-reports*", "test-reports*", "test-output", "coverage*",
}

// Artifact is the subset of the platform's artifact metadata this package needs.
type Artifact struct {
	ID                 int64
	Name               string
	SizeInBytes        int64
	ArchiveDownloadURL string
	Expired            bool
}

// platformCaller is the slice of *platformclient.Client this package
// depends on, narrowed to an interface so tests can substitute a fake.
type platformCaller interface {
	Do(ctx context.Context, req platformclient.Request, out any) error
	DownloadArtifact(ctx context.Context, installationID int64, downloadURL string, w io.Writer) (int64, error)
}

// Fetcher lists and streams a workflow run's artifacts.
type Fetcher struct {
	client  platformCaller
	maxSize int64
	log     *zap.Logger
}

// New builds a Fetcher. maxSize of 0 selects DefaultMaxArtifactSize.
func New(client *platformclient.Client, maxSize int64, log *zap.Logger) *Fetcher {
	if maxSize == 0 {
		maxSize = DefaultMaxArtifactSize
	}
	return &Fetcher{client: client, maxSize: maxSize, log: log}
}

type artifactsResponse struct {
	TotalCount int        `json:"total_count"`
	Artifacts  []artifact `json:"artifacts"`
}

type artifact struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	SizeInBytes        int64  `json:"size_in_bytes"`
	ArchiveDownloadURL string `json:"archive_download_url"`
	Expired            bool   `json:"expired"`
}

// ListCandidates lists the artifacts attached to runID and returns only
// those matching the name/size/expiry rules from spec §4.3. Names are
// not filtered by file extension (see namePatterns).
func (f *Fetcher) ListCandidates(ctx context.Context, installationID int64, owner, repo string, runID int64) ([]Artifact, error) {
	reqPath := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts", owner, repo, runID)

	var resp artifactsResponse
	if err := f.client.Do(ctx, platformclient.Request{
		Method:         "GET",
		Path:           reqPath,
		InstallationID: installationID,
		Priority:       broker.PriorityNormal,
		Endpoint:       "artifacts",
	}, &resp); err != nil {
		return nil, fmt.Errorf("list artifacts for run %d: %w", runID, err)
	}

	candidates := make([]Artifact, 0, len(resp.Artifacts))
	for _, a := range resp.Artifacts {
		if !f.matches(a) {
			continue
		}
		candidates = append(candidates, Artifact{
			ID:                 a.ID,
			Name:               a.Name,
			SizeInBytes:        a.SizeInBytes,
			ArchiveDownloadURL: a.ArchiveDownloadURL,
			Expired:            a.Expired,
		})
	}
	return candidates, nil
}

func (f *Fetcher) matches(a artifact) bool {
	if a.Expired {
		return false
	}
	if a.SizeInBytes > f.maxSize {
		if f.log != nil {
			f.log.Warn("skipping oversized artifact", zap.String("name", a.Name), zap.Int64("size", a.SizeInBytes))
		}
		return false
	}
	return matchesAnyNamePattern(a.Name)
}

func matchesAnyNamePattern(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range namePatterns {
		if ok, err := path.Match(p, lower); err == nil && ok {
			return true
		}
	}
	return false
}

// Stream downloads artifact and feeds it to consume as it arrives,
// holding at most one pipe buffer's worth of the archive in memory at a
// time (spec §4.3 "never buffer the whole archive").
func (f *Fetcher) Stream(ctx context.Context, installationID int64, a Artifact, consume func(io.Reader) error) error {
	pr, pw := io.Pipe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := f.client.DownloadArtifact(gctx, installationID, a.ArchiveDownloadURL, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		defer pr.Close()
		return consume(pr)
	})

	return g.Wait()
}
