package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flakeguard/flakeguard/internal/platformclient"
)

type fakeCaller struct {
	listResponse artifactsResponse
	listErr      error
	downloadData []byte
	downloadErr  error
}

func (f *fakeCaller) Do(_ context.Context, _ platformclient.Request, out any) error {
	if f.listErr != nil {
		return f.listErr
	}
	encoded, _ := json.Marshal(f.listResponse)
	return json.Unmarshal(encoded, out)
}

func (f *fakeCaller) DownloadArtifact(_ context.Context, _ int64, _ string, w io.Writer) (int64, error) {
	if f.downloadErr != nil {
		return 0, f.downloadErr
	}
	n, err := w.Write(f.downloadData)
	return int64(n), err
}

var _ = Describe("Fetcher.ListCandidates", func() {
	It("keeps only artifacts matching the name patterns, size, and expiry rules", func() {
		caller := &fakeCaller{listResponse: artifactsResponse{Artifacts: []artifact{
			{ID: 1, Name: "junit-results.xml", SizeInBytes: 1024, ArchiveDownloadURL: "https://x/1"},
			{ID: 2, Name: "build-logs.zip", SizeInBytes: 1024, ArchiveDownloadURL: "https://x/2"},
			{ID: 3, Name: "test-reports.zip", SizeInBytes: 1024, Expired: true, ArchiveDownloadURL: "https://x/3"},
			{ID: 4, Name: "coverage-html.zip", SizeInBytes: 1 << 40, ArchiveDownloadURL: "https://x/4"},
			{ID: 5, Name: "surefire-reports.tar.gz", SizeInBytes: 2048, ArchiveDownloadURL: "https://x/5"},
		}}}
		f := New(&dummyClient{}, 0, nil)
		f.client = caller

		candidates, err := f.ListCandidates(context.Background(), 1, "acme", "widgets", 99)
		Expect(err).NotTo(HaveOccurred())

		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Name
		}
		Expect(names).To(ConsistOf("junit-results.xml", "surefire-reports.tar.gz"))
	})

	It("keeps an extension-less artifact name, since only the downloaded blob is ever a zip", func() {
		caller := &fakeCaller{listResponse: artifactsResponse{Artifacts: []artifact{
			{ID: 1, Name: "test-results", SizeInBytes: 1024, ArchiveDownloadURL: "https://x/1"},
		}}}
		f := New(&dummyClient{}, 0, nil)
		f.client = caller

		candidates, err := f.ListCandidates(context.Background(), 1, "acme", "widgets", 99)
		Expect(err).NotTo(HaveOccurred())
		Expect(candidates).To(HaveLen(1))
		Expect(candidates[0].Name).To(Equal("test-results"))
	})

	It("propagates list errors", func() {
		caller := &fakeCaller{listErr: errors.New("platform unavailable")}
		f := New(&dummyClient{}, 0, nil)
		f.client = caller

		_, err := f.ListCandidates(context.Background(), 1, "acme", "widgets", 99)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Fetcher.Stream", func() {
	It("streams the downloaded bytes to the consumer without buffering the whole payload first", func() {
		payload := bytes.Repeat([]byte("a"), 1<<20)
		caller := &fakeCaller{downloadData: payload}
		f := New(&dummyClient{}, 0, nil)
		f.client = caller

		var received []byte
		err := f.Stream(context.Background(), 1, Artifact{ArchiveDownloadURL: "https://x/1"}, func(r io.Reader) error {
			var readErr error
			received, readErr = io.ReadAll(r)
			return readErr
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(received).To(Equal(payload))
	})

	It("surfaces a download error to the caller", func() {
		caller := &fakeCaller{downloadErr: errors.New("connection reset")}
		f := New(&dummyClient{}, 0, nil)
		f.client = caller

		err := f.Stream(context.Background(), 1, Artifact{ArchiveDownloadURL: "https://x/1"}, func(r io.Reader) error {
			_, readErr := io.ReadAll(r)
			return readErr
		})

		Expect(err).To(HaveOccurred())
	})
})

// dummyClient satisfies New's *platformclient.Client parameter signature
// without needing a real client; tests replace f.client with fakeCaller
// immediately after construction.
type dummyClient = platformclient.Client
