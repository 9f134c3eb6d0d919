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
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// maxEntryDepth and excludedDirs bound which archive entries are
// considered at all (spec §4.4).
const maxEntryDepth = 10

var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	"coverage":     true,
}

// Parse dispatches filename's archive to the matching reader and returns
// every suite it could recover, plus a warning for every entry that
// failed to parse — a malformed file never aborts the rest (spec §4.4).
func Parse(filename string, r io.Reader) (*Report, error) {
	lower := strings.ToLower(filename)
	report := &Report{}

	switch {
	case strings.HasSuffix(lower, ".xml"):
		parseEntry(report, filename, r)
	case strings.HasSuffix(lower, ".zip"):
		if err := parseZip(report, r); err != nil {
			return report, err
		}
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		if err := parseTarGz(report, r); err != nil {
			return report, err
		}
	default:
		return report, fmt.Errorf("unsupported artifact extension: %s", filename)
	}

	return report, nil
}

// parseZip buffers the archive to a temp file so archive/zip's
// random-access reader can seek to the central directory; the incoming
// network stream is still never held in memory, only on local disk.
func parseZip(report *Report, r io.Reader) error {
	tmp, err := os.CreateTemp("", "flakeguard-artifact-*.zip")
	if err != nil {
		return fmt.Errorf("create temp file for zip artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("buffer zip artifact to disk: %w", err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return fmt.Errorf("open zip artifact: %w", err)
	}

	for _, f := range zr.File {
		if !eligible(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			report.Warnings = append(report.Warnings, FileWarning{Path: f.Name, Err: err})
			continue
		}
		parseEntry(report, f.Name, rc)
		rc.Close()
	}
	return nil
}

func parseTarGz(report *Report, r io.Reader) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !eligible(hdr.Name) {
			continue
		}
		parseEntry(report, hdr.Name, tr)
	}
}

// parseEntry sniffs, decodes, and appends one archive entry's suites to
// report, recording a warning instead of failing the whole artifact when
// the entry itself is malformed.
func parseEntry(report *Report, entryPath string, r io.Reader) {
	sniffBuf := make([]byte, sniffWindow)
	n, err := io.ReadFull(r, sniffBuf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		report.Warnings = append(report.Warnings, FileWarning{Path: entryPath, Err: err})
		return
	}
	sniffBuf = sniffBuf[:n]

	format, _ := DetectFormat(entryPath, sniffBuf)
	full := io.MultiReader(bytes.NewReader(sniffBuf), r)

	suites, err := decodeJUnit(full)
	if err != nil {
		report.Warnings = append(report.Warnings, FileWarning{Path: entryPath, Err: err})
	}
	for i := range suites {
		suites[i].Format = format
	}
	report.Suites = append(report.Suites, suites...)
}

// eligible reports whether an archive entry should be considered at all:
// within the allowed depth, outside an excluded directory, and an XML file.
func eligible(entryPath string) bool {
	clean := path.Clean(strings.ReplaceAll(entryPath, `\`, "/"))
	if !strings.HasSuffix(strings.ToLower(clean), ".xml") {
		return false
	}
	segments := strings.Split(clean, "/")
	if len(segments) > maxEntryDepth {
		return false
	}
	for _, seg := range segments[:len(segments)-1] {
		if excludedDirs[seg] {
			return false
		}
	}
	return true
}

// CombineWarnings folds a report's per-file warnings into a single error
// for logging, using the same aggregation style as the rest of the
// pipeline's multi-cause failures.
func CombineWarnings(warnings []FileWarning) error {
	if len(warnings) == 0 {
		return nil
	}
	var combined *multierror.Error
	for _, w := range warnings {
		combined = multierror.Append(combined, fmt.Errorf("%s: %w", w.Path, w.Err))
	}
	return combined
}
