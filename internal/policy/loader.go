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

package policy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flakeguard/flakeguard/internal/platformclient"
)

// ConfigFile fetches the raw repository-relative file content for
// `.flakeguard.yml`, reusing the caller's choice of conditional-request
// semantics (spec §4.8: "conditional request using ETag").
type ConfigFile interface {
	// FetchFlakeguardYAML returns the file body and its ETag. notModified
	// is true when ifNoneMatch matched the server's current ETag (body is
	// then empty and must not be parsed); notFound is true on a 404.
	FetchFlakeguardYAML(ctx context.Context, installationID int64, owner, repo, ifNoneMatch string) (body []byte, etag string, notModified, notFound bool, err error)
}

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	mu        sync.Mutex
	doc       *Document
	etag      string
	fetchedAt time.Time
}

// Loader caches one parsed Document per (owner, repo), refetching when
// the TTL has elapsed (which still round-trips through ETag, so an
// unchanged file costs a 304 rather than a full reparse) (spec §4.8).
type Loader struct {
	fetcher ConfigFile
	log     *zap.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewLoader builds a Loader backed by fetcher.
func NewLoader(fetcher ConfigFile, log *zap.Logger) *Loader {
	return &Loader{fetcher: fetcher, log: log, entries: make(map[string]*cacheEntry)}
}

func cacheKey(owner, repo string) string { return owner + "/" + repo }

// Load returns the effective Document for (owner, repo), falling back
// to DefaultDocument() on a parse or validation failure, and on a fetch
// failure to the last cached document if there is one (DefaultDocument()
// otherwise) — loading a broken policy file must never fail the job
// (spec §4.8).
func (l *Loader) Load(ctx context.Context, installationID int64, owner, repo string) *Document {
	l.mu.Lock()
	entry, ok := l.entries[cacheKey(owner, repo)]
	if !ok {
		entry = &cacheEntry{}
		l.entries[cacheKey(owner, repo)] = entry
	}
	l.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.doc != nil && time.Since(entry.fetchedAt) < cacheTTL {
		return entry.doc
	}

	body, etag, notModified, notFound, err := l.fetcher.FetchFlakeguardYAML(ctx, installationID, owner, repo, entry.etag)
	switch {
	case err != nil:
		l.warn(owner, repo, "fetch failed, using default policy", err)
		return l.fallback(entry)
	case notFound:
		entry.doc = defaultWithWarning("no .flakeguard.yml in repository")
		entry.etag = ""
		entry.fetchedAt = time.Now()
		return entry.doc
	case notModified:
		entry.fetchedAt = time.Now()
		return entry.doc
	}

	doc := &Document{}
	if err := yaml.Unmarshal(body, doc); err != nil {
		l.warn(owner, repo, "parse failed, using default policy", err)
		entry.doc = defaultWithWarning(fmt.Sprintf("parse error: %v", err))
		entry.etag = etag
		entry.fetchedAt = time.Now()
		return entry.doc
	}

	if errs := Validate(doc); len(errs) > 0 {
		l.warn(owner, repo, "validation failed, using default policy", errs[0])
		entry.doc = defaultWithWarning(fmt.Sprintf("validation error: %v", errs[0]))
		entry.etag = etag
		entry.fetchedAt = time.Now()
		return entry.doc
	}

	doc.Source = "repository"
	entry.doc = doc
	entry.etag = etag
	entry.fetchedAt = time.Now()
	return doc
}

func (l *Loader) fallback(entry *cacheEntry) *Document {
	if entry.doc != nil {
		return entry.doc
	}
	return DefaultDocument()
}

func (l *Loader) warn(owner, repo, msg string, err error) {
	if l.log == nil {
		return
	}
	l.log.Warn("policy load fell back to default",
		zap.String("owner", owner), zap.String("repo", repo), zap.String("reason", msg), zap.Error(err))
}

func defaultWithWarning(warning string) *Document {
	doc := DefaultDocument()
	doc.Source = "default"
	doc.TeamNotifications = map[string]any{"_warning": warning}
	return doc
}

// contentsResponse mirrors the subset of the Platform's "get repository
// content" response this loader needs; the file is base64-encoded
// inline for files under 1MB, which .flakeguard.yml always is.
type contentsResponse struct {
	Content string `json:"content"`
}

// PlatformConfigFile implements ConfigFile on top of the resilient
// Platform client, fetching `.flakeguard.yml` from each repository's
// default branch via the contents API (spec §4.8).
type PlatformConfigFile struct {
	Client *platformclient.Client
}

// FetchFlakeguardYAML implements ConfigFile.
func (p *PlatformConfigFile) FetchFlakeguardYAML(ctx context.Context, installationID int64, owner, repo, ifNoneMatch string) ([]byte, string, bool, bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/contents/.flakeguard.yml", owner, repo)

	headers := map[string]string{}
	if ifNoneMatch != "" {
		headers["If-None-Match"] = ifNoneMatch
	}

	raw, err := p.Client.DoRaw(ctx, platformclient.Request{
		Method:         "GET",
		Path:           path,
		InstallationID: installationID,
		Headers:        headers,
		Endpoint:       "contents",
	})
	if err != nil {
		return nil, "", false, false, err
	}

	switch raw.StatusCode {
	case 304:
		return nil, raw.Header.Get("ETag"), true, false, nil
	case 404:
		return nil, "", false, true, nil
	case 200:
		var decoded contentsResponse
		if err := json.Unmarshal(raw.Body, &decoded); err != nil {
			return nil, "", false, false, wrapDecodeErr(err)
		}
		content, err := base64.StdEncoding.DecodeString(stripWhitespace(decoded.Content))
		if err != nil {
			return nil, "", false, false, wrapDecodeErr(err)
		}
		return content, raw.Header.Get("ETag"), false, false, nil
	default:
		return nil, "", false, false, fmt.Errorf("unexpected status %d fetching .flakeguard.yml", raw.StatusCode)
	}
}

func wrapDecodeErr(err error) error { return fmt.Errorf("decode contents response: %w", err) }

func stripWhitespace(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' || s[i] == ' ' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
