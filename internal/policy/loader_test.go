package policy

import (
	"context"
	"errors"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeConfigFile is a ConfigFile test double whose behavior is fully
// scripted by the test, with a call counter to assert caching behavior.
type fakeConfigFile struct {
	calls int32

	body       []byte
	etag       string
	notModified bool
	notFound   bool
	err        error
}

func (f *fakeConfigFile) FetchFlakeguardYAML(_ context.Context, _ int64, _, _, ifNoneMatch string) ([]byte, string, bool, bool, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.notModified && ifNoneMatch != "" {
		return nil, f.etag, true, false, nil
	}
	return f.body, f.etag, false, f.notFound, f.err
}

const validYAML = `
flaky_threshold: 0.8
warn_threshold: 0.2
min_occurrences: 3
lookback_days: 7
rolling_window_size: 50
confidence_threshold: 0.6
`

var _ = Describe("Loader", func() {
	It("parses and validates a fetched document", func() {
		fetcher := &fakeConfigFile{body: []byte(validYAML), etag: "v1"}
		loader := NewLoader(fetcher, nil)

		doc := loader.Load(context.Background(), 1, "acme", "widgets")

		Expect(doc.FlakyThreshold).To(Equal(0.8))
		Expect(doc.Source).To(Equal("repository"))
		Expect(fetcher.calls).To(Equal(int32(1)))
	})

	It("reuses the cached document within the TTL without refetching", func() {
		fetcher := &fakeConfigFile{body: []byte(validYAML), etag: "v1"}
		loader := NewLoader(fetcher, nil)

		loader.Load(context.Background(), 1, "acme", "widgets")
		loader.Load(context.Background(), 1, "acme", "widgets")

		Expect(fetcher.calls).To(Equal(int32(1)))
	})

	It("falls back to the default policy when the repository has no file", func() {
		fetcher := &fakeConfigFile{notFound: true}
		loader := NewLoader(fetcher, nil)

		doc := loader.Load(context.Background(), 1, "acme", "widgets")

		Expect(doc.Source).To(Equal("default"))
		Expect(doc.FlakyThreshold).To(Equal(0.6))
	})

	It("falls back to the default policy on a fetch error without failing the caller", func() {
		fetcher := &fakeConfigFile{err: errors.New("network down")}
		loader := NewLoader(fetcher, nil)

		doc := loader.Load(context.Background(), 1, "acme", "widgets")

		Expect(doc).NotTo(BeNil())
		Expect(doc.FlakyThreshold).To(Equal(0.6))
	})

	It("falls back to the default policy on a malformed document", func() {
		fetcher := &fakeConfigFile{body: []byte("not: [valid, yaml: structure")}
		loader := NewLoader(fetcher, nil)

		doc := loader.Load(context.Background(), 1, "acme", "widgets")

		Expect(doc.Source).To(Equal("default"))
	})

	It("falls back to the default policy when validation fails", func() {
		fetcher := &fakeConfigFile{body: []byte("flaky_threshold: 0.2\nwarn_threshold: 0.5\n")}
		loader := NewLoader(fetcher, nil)

		doc := loader.Load(context.Background(), 1, "acme", "widgets")

		Expect(doc.Source).To(Equal("default"))
	})

	It("keeps caches for distinct repositories independent", func() {
		fetcher := &fakeConfigFile{body: []byte(validYAML), etag: "v1"}
		loader := NewLoader(fetcher, nil)

		loader.Load(context.Background(), 1, "acme", "widgets")
		loader.Load(context.Background(), 1, "acme", "gadgets")

		Expect(fetcher.calls).To(Equal(int32(2)))
	})
})
