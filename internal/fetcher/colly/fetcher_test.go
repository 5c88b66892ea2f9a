package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

func TestFetchReturnsSuccessForAnyStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "review-miner-test" || r.Header.Get("Accept-Language") != "en-US" {
			http.Error(w, "missing headers", http.StatusBadRequest)
			return
		}
		if r.URL.Path == "/missing" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "<html><span id=\"productTitle\">Tea</span></html>")
	}))
	t.Cleanup(srv.Close)

	f := New(Config{
		UserAgent: "review-miner-test",
		Timeout:   time.Second,
		Headers:   http.Header{"Accept-Language": {"en-US"}},
	})

	out := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok", TargetURL: "https://www.amazon.com/dp/A"})
	require.True(t, out.Succeeded())
	require.Equal(t, http.StatusOK, out.Success.StatusCode)
	require.Equal(t, srv.URL+"/ok", out.Success.FinalURL)
	require.Contains(t, string(out.Success.Body), "productTitle")
	require.Positive(t, out.Duration)

	out = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.True(t, out.Succeeded())
	require.Equal(t, http.StatusNotFound, out.Success.StatusCode)

	// The same URL can be fetched again within and across tasks.
	out = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/ok"})
	require.True(t, out.Succeeded())
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 50 * time.Millisecond})
	out := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.False(t, out.Succeeded())
	require.Equal(t, taxonomy.FailureTimeout, out.Failure.Kind)
	require.Error(t, out.Failure.Err)
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second})
	out := f.Fetch(context.Background(), crawler.FetchRequest{URL: addr})
	require.False(t, out.Succeeded())
	require.Equal(t, taxonomy.FailureConnection, out.Failure.Kind)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := New(Config{Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.False(t, out.Succeeded())
	require.Equal(t, taxonomy.FailureTimeout, out.Failure.Kind)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	t.Parallel()

	dns := &url.Error{Op: "Get", URL: "http://x.invalid", Err: &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "x.invalid"}}}
	require.Equal(t, taxonomy.FailureDNS, ClassifyError(dns))
	require.Equal(t, taxonomy.FailureTimeout, ClassifyError(&net.DNSError{Err: "timeout", IsTimeout: true}))
	require.Equal(t, taxonomy.FailureTimeout, ClassifyError(fmt.Errorf("visit: %w", context.DeadlineExceeded)))
	require.Equal(t, taxonomy.FailureTimeout, ClassifyError(&url.Error{Op: "Get", Err: timeoutErr{}}))
	require.Equal(t, taxonomy.FailureConnection, ClassifyError(&net.OpError{Op: "dial", Err: os.NewSyscallError("connect", errors.New("refused"))}))
	require.Equal(t, taxonomy.FailureConnection, ClassifyError(errors.New("boom")))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}})
	var result *crawler.Success
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusServiceUnavailable,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://proxy.scrapeops.io/v1/?url=x")},
	})
	require.NotNil(t, result)
	require.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
	require.Equal(t, "body", string(result.Body))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestBuildCollectorAppliesConfig(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "agent"})
	require.Equal(t, DefaultTimeout, f.cfg.Timeout)
	c := f.buildCollector(context.Background())
	require.Equal(t, "agent", c.UserAgent)
	require.True(t, c.ParseHTTPErrorResponse)
	require.True(t, c.AllowURLRevisit)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
