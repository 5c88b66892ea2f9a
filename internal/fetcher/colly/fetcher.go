// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

// DefaultTimeout bounds a single fetch when Config.Timeout is unset. Proxy
// providers render pages server side, so it is generous.
const DefaultTimeout = 60 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Headers are added to every request.
	Headers http.Header
	Logger  *zap.Logger
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return newWithTransport(cfg, newHTTPTransport())
}

func newWithTransport(cfg Config, transport http.RoundTripper) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	// Non-2xx responses are outcomes to classify, not transport errors.
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(transport)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:           cfg,
		logger:        logger.Named("fetcher"),
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET of request.URL. Every call resolves to a
// response of any status or a classified network failure.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) crawler.FetchOutcome {
	var (
		result   *crawler.Success
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, &result, &fetchErr)

	err := f.runCollector(ctx, collector, request.URL)
	if err == nil && result == nil {
		err = fetchErr
	}
	if err == nil && result == nil {
		err = errors.New("no response received")
	}
	if err != nil {
		kind := ClassifyError(err)
		f.logger.Warn("fetch failed",
			zap.String("task_id", request.TaskID),
			zap.String("provider", request.Provider),
			zap.String("target", request.TargetURL),
			zap.String("kind", string(kind)),
			zap.Error(err))
		out := crawler.Fail(kind, err)
		out.Duration = time.Since(start)
		return out
	}
	f.logger.Debug("fetch done",
		zap.String("task_id", request.TaskID),
		zap.String("provider", request.Provider),
		zap.String("target", request.TargetURL),
		zap.Int("status", result.StatusCode))
	return crawler.FetchOutcome{Success: result, Duration: time.Since(start)}
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result **crawler.Success, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = &crawler.Success{
			StatusCode: r.StatusCode,
			FinalURL:   r.Request.URL.String(),
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// ClassifyError maps a transport error onto a failure kind. Unknown errors
// are connection failures.
func ClassifyError(err error) taxonomy.FailureKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return taxonomy.FailureTimeout
		}
		return taxonomy.FailureDNS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return taxonomy.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return taxonomy.FailureTimeout
	}
	return taxonomy.FailureConnection
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
