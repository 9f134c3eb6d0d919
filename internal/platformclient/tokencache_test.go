package platformclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("TokenCache", func() {
	var (
		key      []byte
		exchanges int32
		server   *httptest.Server
	)

	BeforeEach(func() {
		key = generateTestKey()
		exchanges = 0
	})

	AfterEach(func() {
		if server != nil {
			server.Close()
		}
	})

	newServer := func(expiresIn time.Duration) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&exchanges, 1)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"token":"t-` + r.URL.Path + `","expires_at":"` +
				time.Now().Add(expiresIn).Format(time.RFC3339) + `"}`))
		}))
	}

	It("mints a token and caches it until near expiry", func() {
		server = newServer(time.Hour)
		cache := NewTokenCache(AppCredentials{AppID: 1, PrivateKey: key}, server.URL, nil)

		tok1, err := cache.Get(context.TODO(), 42)
		Expect(err).NotTo(HaveOccurred())
		Expect(tok1).NotTo(BeEmpty())

		tok2, err := cache.Get(context.TODO(), 42)
		Expect(err).NotTo(HaveOccurred())
		Expect(tok2).To(Equal(tok1))
		Expect(atomic.LoadInt32(&exchanges)).To(Equal(int32(1)))
	})

	It("single-flights concurrent refreshes for the same installation", func() {
		server = newServer(time.Hour)
		cache := NewTokenCache(AppCredentials{AppID: 1, PrivateKey: key}, server.URL, nil)

		const n = 20
		results := make(chan error, n)
		for i := 0; i < n; i++ {
			go func() {
				_, err := cache.Get(context.TODO(), 7)
				results <- err
			}()
		}
		for i := 0; i < n; i++ {
			Expect(<-results).NotTo(HaveOccurred())
		}
		Expect(atomic.LoadInt32(&exchanges)).To(Equal(int32(1)))
	})

	It("refreshes once the cached token is within the skew window", func() {
		server = newServer(30 * time.Second)
		cache := NewTokenCache(AppCredentials{AppID: 1, PrivateKey: key}, server.URL, nil)

		_, err := cache.Get(context.TODO(), 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&exchanges)).To(Equal(int32(1)))

		_, err = cache.Get(context.TODO(), 9)
		Expect(err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&exchanges)).To(Equal(int32(2)), "token within refreshSkew of expiry must be refreshed")
	})

	It("surfaces a taxonomy error when the exchange endpoint rejects the app jwt", func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		cache := NewTokenCache(AppCredentials{AppID: 1, PrivateKey: key}, server.URL, nil)

		_, err := cache.Get(context.TODO(), 1)
		Expect(err).To(HaveOccurred())
		Expect(GetCode(err)).To(Equal(CodePermissionDenied))
	})

	It("forgets an invalidated token on the next Get", func() {
		server = newServer(time.Hour)
		cache := NewTokenCache(AppCredentials{AppID: 1, PrivateKey: key}, server.URL, nil)

		_, err := cache.Get(context.TODO(), 3)
		Expect(err).NotTo(HaveOccurred())
		cache.Invalidate(3)

		_, err = cache.Get(context.TODO(), 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&exchanges)).To(Equal(int32(2)))
	})
})
