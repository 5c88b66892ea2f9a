package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-miner/internal/extract"
	"github.com/JakeFAU/review-miner/internal/proxy"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

const base = "https://www.amazon.com"

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []FetchRequest
	respond func(req FetchRequest) FetchOutcome
}

func (f *fakeFetcher) Fetch(_ context.Context, req FetchRequest) FetchOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.respond == nil {
		return Respond(200, req.TargetURL, []byte("<html></html>"))
	}
	return f.respond(req)
}

func (f *fakeFetcher) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.TargetURL)
	}
	return out
}

type limiterFunc func(ctx context.Context, url string) error

func (f limiterFunc) Wait(ctx context.Context, url string) error { return f(ctx, url) }

// detailPages serves product pages whose variants are listed in variants.
func detailPages(variants map[string][]string) extract.Func {
	return func(page extract.Page) (extract.Result, error) {
		id, _ := extract.EntityID(page.RequestURL)
		return extract.Result{
			EntityID:    id,
			Fields:      map[string]any{"product_name": "Product " + id, "price": "$1", "brand": "b", "rating": "5"},
			Required:    []string{"price", "brand", "rating"},
			Identifying: []string{"product_name"},
			Variants:    variants[id],
		}, nil
	}
}

// endlessListing always links to the following page.
func endlessListing(page extract.Page) (extract.Result, error) {
	return extract.Result{
		Fields: map[string]any{},
		Items: []extract.Item{{
			Fields:   map[string]any{"product_name": fmt.Sprintf("item %d", page.PageNumber), "price": "$2", "product_image": "i.jpg"},
			Required: []string{"product_name", "price", "product_image"},
		}},
		NextPage: fmt.Sprintf("%s/s?k=tea&page=%d", base, page.PageNumber+1),
	}, nil
}

func newTestMachine(t *testing.T, router Router, fetcher Fetcher, sink taxonomy.Sink, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{WithErrorSink(sink)}, opts...)
	m, err := NewMachine(DefaultConfig(), router, fetcher, opts...)
	require.NoError(t, err)
	return m
}

func defaultRouter() *proxy.Router {
	return proxy.NewRouter(proxy.DefaultProviders("primary-key", "fallback-key"))
}

func countTargets(targets []string) map[string]int {
	out := map[string]int{}
	for _, u := range targets {
		out[u]++
	}
	return out
}

func TestNewMachineValidates(t *testing.T) {
	t.Parallel()

	_, err := NewMachine(DefaultConfig(), nil, &fakeFetcher{})
	require.Error(t, err)
	_, err = NewMachine(DefaultConfig(), defaultRouter(), nil)
	require.Error(t, err)
	_, err = NewMachine(Config{}, defaultRouter(), &fakeFetcher{})
	require.Error(t, err)

	m, err := NewMachine(Config{PrimaryProvider: proxy.ScraperAPI, FallbackProvider: proxy.ScraperAPI}, defaultRouter(), &fakeFetcher{})
	require.NoError(t, err)
	cfg := m.Config()
	require.Empty(t, cfg.FallbackProvider)
	require.Equal(t, DefaultPageLimit, cfg.PageLimit)
	require.Equal(t, DefaultVariantFanout, cfg.VariantFanout)
	require.Equal(t, extract.DefaultBaseURL, cfg.BaseURL)
}

func TestRunDetailExpandsVariantsWithinFanout(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{}
	m := newTestMachine(t, defaultRouter(), fetcher, sink,
		WithExtractor(KindProductDetail, detailPages(map[string][]string{"A": {"B", "C", "D", "E"}})))

	res := m.Run(context.Background(), Task{
		TaskID:   "t-detail",
		Kind:     KindProductDetail,
		SeedURLs: []string{base + "/dp/A", base + "/dp/A"},
	})

	require.Equal(t, TaskStatusCompleted, res.Status)
	require.Equal(t, map[string]int{
		base + "/dp/A": 1,
		base + "/dp/B": 1,
		base + "/dp/C": 1,
		base + "/dp/D": 1,
	}, countTargets(fetcher.targets()))
	require.Empty(t, sink.Records())

	require.Len(t, res.Records, 4)
	ids := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		ids = append(ids, rec.EntityID)
		require.Equal(t, RecordPage, rec.Type)
	}
	require.Equal(t, []string{"A", "B", "C", "D"}, ids)
	require.Equal(t, "A", res.Records[1].VariantOf)
	require.Equal(t, "1.3", res.Records[3].Branch)

	require.Len(t, res.Branches, 4)
	require.Equal(t, 1, res.Summary.Counters.RequestsDropped)
	require.Equal(t, 4, res.Summary.Counters.ItemsScraped)
	require.Equal(t, 0, res.MaxErrorCode)
}

func TestRunDetailNeverDispatchesAnIDTwice(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	m := newTestMachine(t, defaultRouter(), fetcher, taxonomy.NewMemorySink(),
		WithExtractor(KindProductDetail, detailPages(map[string][]string{
			"A": {"A", "B", "C"},
			"B": {"A", "C", "D"},
			"C": {"B", "D"},
			"D": {"A", "B", "C", "E", "F"},
		})))

	res := m.Run(context.Background(), Task{
		TaskID:   "t-graph",
		Kind:     KindProductDetail,
		SeedURLs: []string{base + "/dp/A", base + "/dp/C"},
	})

	require.Equal(t, TaskStatusCompleted, res.Status)
	counts := countTargets(fetcher.targets())
	for target, n := range counts {
		require.Equal(t, 1, n, target)
	}
	require.NotContains(t, counts, base+"/dp/E")
	require.NotContains(t, counts, base+"/dp/F")
	require.Contains(t, counts, base+"/dp/D")
}

func TestRunDetailFanoutPerPage(t *testing.T) {
	t.Parallel()

	variants := []string{"V1", "V2", "V3", "V4", "V5", "V6"}
	fetcher := &fakeFetcher{}
	m := newTestMachine(t, defaultRouter(), fetcher, taxonomy.NewMemorySink(),
		WithExtractor(KindProductDetail, detailPages(map[string][]string{"P": variants})))

	m.Run(context.Background(), Task{TaskID: "t-fan", Kind: KindProductDetail, SeedURLs: []string{base + "/dp/P"}})

	var dispatched int
	for _, target := range fetcher.targets() {
		if strings.Contains(target, "/dp/V") {
			dispatched++
		}
	}
	require.Equal(t, DefaultVariantFanout, dispatched)
}

func TestRunListingStopsAtPageLimit(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	m := newTestMachine(t, defaultRouter(), fetcher, taxonomy.NewMemorySink(),
		WithExtractor(KindListing, extract.Func(endlessListing)))

	res := m.Run(context.Background(), Task{TaskID: "t-list", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusCompleted, res.Status)
	targets := fetcher.targets()
	require.Len(t, targets, DefaultPageLimit)
	require.Equal(t, base+"/s?k=tea&page=5", targets[4])
	require.Len(t, res.Records, DefaultPageLimit)
	for i, rec := range res.Records {
		require.Equal(t, i+1, rec.PageNumber)
		require.Equal(t, RecordItem, rec.Type)
	}
	require.Len(t, res.Branches, DefaultPageLimit)
	require.Equal(t, "1.1.1.1.1", res.Branches[4].Branch)
}

func TestRunListingSkipsRepeatedNextPage(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	m := newTestMachine(t, defaultRouter(), fetcher, taxonomy.NewMemorySink(),
		WithExtractor(KindListing, extract.Func(func(extract.Page) (extract.Result, error) {
			return extract.Result{NextPage: base + "/s?page=2&k=tea"}, nil
		})))

	res := m.Run(context.Background(), Task{TaskID: "t-loop", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusCompleted, res.Status)
	require.Equal(t, []string{base + "/s?k=tea", base + "/s?page=2&k=tea"}, fetcher.targets())
	require.Equal(t, 1, res.Summary.Counters.RequestsDropped)
	require.Equal(t, []string{base + "/s?k=tea", base + "/s?page=2&k=tea"}, res.Summary.SuccessfulNoItems)
}

func TestRunPrimaryMissingCredentialAborts(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{}
	router := proxy.NewRouter(proxy.DefaultProviders("", "fallback-key"))
	m := newTestMachine(t, router, fetcher, sink)

	res := m.Run(context.Background(), Task{TaskID: "t-cred", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Empty(t, fetcher.targets())
	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, taxonomy.CategoryScraper, records[0].Category)
	require.Equal(t, "INVALID_API_KEY", records[0].ReasonName)
	require.Equal(t, 401, res.MaxErrorCode)
	require.Len(t, res.Branches, 1)
	require.Equal(t, TaskStatusAborted, res.Branches[0].Status)
	require.Zero(t, res.Branches[0].Dispatches)
}

func TestRunDisablesUnroutableProviderForTask(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	routes := 0
	router := routerFunc(func(target, provider string) (proxy.Request, error) {
		routes++
		return proxy.Request{}, fmt.Errorf("route via %q: %w", provider, proxy.ErrInvalidProvider)
	})
	m := newTestMachine(t, router, &fakeFetcher{}, sink)

	res := m.Run(context.Background(), Task{
		TaskID:   "t-disabled",
		Kind:     KindProductDetail,
		SeedURLs: []string{base + "/dp/A", base + "/dp/B"},
	})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Equal(t, 1, routes)
	records := sink.Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, taxonomy.CategoryScraper, rec.Category)
		require.Equal(t, "UNKNOWN_ERROR", rec.ReasonName)
	}
}

type routerFunc func(target, provider string) (proxy.Request, error)

func (f routerFunc) Route(target, provider string) (proxy.Request, error) { return f(target, provider) }

func TestRunFallbackAfterDNSFailure(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{respond: func(req FetchRequest) FetchOutcome {
		if req.Provider == proxy.ScraperAPI {
			return Fail(taxonomy.FailureDNS, errors.New("no such host"))
		}
		return Respond(200, req.TargetURL, nil)
	}}
	m := newTestMachine(t, defaultRouter(), fetcher, sink,
		WithExtractor(KindProductDetail, detailPages(nil)))

	res := m.Run(context.Background(), Task{TaskID: "t-dns", Kind: KindProductDetail, SeedURLs: []string{base + "/dp/A"}})

	require.Equal(t, TaskStatusCompleted, res.Status)
	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, taxonomy.CategoryNetwork, records[0].Category)
	require.Equal(t, "DNS_LOOKUP_FAILURE", records[0].ReasonName)
	require.NotNil(t, records[0].ExceptionText)
	require.Contains(t, records[0].ProxyURL, "api.scraperapi.com")

	require.Len(t, res.Branches, 1)
	require.Equal(t, TaskStatusCompleted, res.Branches[0].Status)
	require.Equal(t, proxy.ScrapeOps, res.Branches[0].Provider)
	require.Equal(t, 2, res.Branches[0].Dispatches)
	require.Len(t, res.Records, 1)
	require.Equal(t, 101, res.MaxErrorCode)
	require.Zero(t, res.Summary.FailedRequests)
}

func TestRunSecondNetworkFailureAborts(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{respond: func(FetchRequest) FetchOutcome {
		return Fail(taxonomy.FailureTimeout, context.DeadlineExceeded)
	}}
	m := newTestMachine(t, defaultRouter(), fetcher, sink)

	res := m.Run(context.Background(), Task{TaskID: "t-timeout", Kind: KindReview, SeedURLs: []string{base + "/product-reviews/A"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Len(t, fetcher.targets(), 2)
	records := sink.Records()
	require.Len(t, records, 2)
	require.Equal(t, "TIMEOUT", records[1].ReasonName)
	require.Contains(t, records[1].ProxyURL, "proxy.scrapeops.io")
	require.Equal(t, "TIMEOUT", res.Branches[0].Reason)
	require.Equal(t, 1, res.Summary.FailedRequests)
}

func TestRunCancelledDuringFetchSkipsFallback(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{respond: func(FetchRequest) FetchOutcome {
		cancel()
		return Fail(taxonomy.FailureConnection, context.Canceled)
	}}
	m := newTestMachine(t, defaultRouter(), fetcher, sink)

	res := m.Run(ctx, Task{TaskID: "t-cancel", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Equal(t, []string{base + "/s?k=tea"}, fetcher.targets())
	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, taxonomy.CategoryGeneral, records[0].Category)
	require.Equal(t, "UNKNOWN_ERROR", records[0].ReasonName)
	require.Contains(t, records[0].ProxyURL, "api.scraperapi.com")
	require.Len(t, res.Branches, 1)
	require.Equal(t, 1, res.Branches[0].Dispatches)
	require.Equal(t, "UNKNOWN_ERROR", res.Branches[0].Reason)
	require.Equal(t, 1, res.Summary.FailedRequests)
}

func TestRunWithoutFallbackAbortsAfterFirstFailure(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{respond: func(FetchRequest) FetchOutcome {
		return Fail(taxonomy.FailureConnection, errors.New("connection reset"))
	}}
	cfg := DefaultConfig()
	cfg.FallbackProvider = ""
	m, err := NewMachine(cfg, defaultRouter(), fetcher, WithErrorSink(sink))
	require.NoError(t, err)

	res := m.Run(context.Background(), Task{TaskID: "t-nofb", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Len(t, fetcher.targets(), 1)
	require.Len(t, sink.Records(), 1)
}

func TestRunNon200AbortsBranch(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	var extracted atomic.Int32
	fetcher := &fakeFetcher{respond: func(req FetchRequest) FetchOutcome {
		return Respond(404, req.TargetURL+"?ref=404", nil)
	}}
	m := newTestMachine(t, defaultRouter(), fetcher, sink,
		WithExtractor(KindListing, extract.Func(func(page extract.Page) (extract.Result, error) {
			extracted.Add(1)
			return endlessListing(page)
		})))

	res := m.Run(context.Background(), Task{TaskID: "t-404", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Zero(t, extracted.Load())
	require.Len(t, fetcher.targets(), 1)
	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, taxonomy.CategoryResponse, records[0].Category)
	require.Equal(t, "NOT_FOUND", records[0].ReasonName)
	require.NotNil(t, records[0].StatusCode)
	require.Equal(t, 404, *records[0].StatusCode)
	require.Equal(t, base+"/s?k=tea?ref=404", records[0].ResponseURL)
	require.Equal(t, 1, res.Summary.Counters.ResponsesNon200)
}

func TestRunPartialTaskCompletes(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{respond: func(req FetchRequest) FetchOutcome {
		if strings.HasSuffix(req.TargetURL, "/dp/BAD") {
			return Respond(503, req.TargetURL, nil)
		}
		return Respond(200, req.TargetURL, nil)
	}}
	m := newTestMachine(t, defaultRouter(), fetcher, sink,
		WithExtractor(KindProductDetail, detailPages(nil)))

	res := m.Run(context.Background(), Task{
		TaskID:   "t-partial",
		Kind:     KindProductDetail,
		SeedURLs: []string{base + "/dp/BAD", base + "/dp/GOOD"},
	})

	require.Equal(t, TaskStatusCompleted, res.Status)
	require.Equal(t, 302, res.MaxErrorCode)
	require.Equal(t, 1, res.ErrorCount)
	require.Equal(t, TaskStatusAborted, res.Branches[0].Status)
	require.Equal(t, "SERVER_ERROR", res.Branches[0].Reason)
	require.Equal(t, TaskStatusCompleted, res.Branches[1].Status)
}

func TestRunMissingRequiredFieldIsCarriedAbsent(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	m := newTestMachine(t, defaultRouter(), &fakeFetcher{}, sink,
		WithExtractor(KindProductDetail, extract.Func(func(extract.Page) (extract.Result, error) {
			return extract.Result{
				EntityID:    "A",
				Fields:      map[string]any{"product_name": "Tea", "brand": "  "},
				Required:    []string{"price", "brand"},
				Identifying: []string{"product_name"},
			}, nil
		})))

	res := m.Run(context.Background(), Task{TaskID: "t-fields", Kind: KindProductDetail, SeedURLs: []string{base + "/dp/A"}})

	require.Equal(t, TaskStatusCompleted, res.Status)
	require.Len(t, res.Records, 1)
	fields := res.Records[0].Fields
	require.Contains(t, fields, "price")
	require.Nil(t, fields["price"])
	require.Nil(t, fields["brand"])
	require.Equal(t, "Tea", fields["product_name"])

	records := sink.Records()
	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, taxonomy.CategoryParsing, rec.Category)
		require.Equal(t, "MISSING_ATTRIBUTE", rec.ReasonName)
	}
	require.Equal(t, "Missing attribute: price", *records[0].ExceptionText)
}

func TestRunMissingIdentifyingFieldAbortsPage(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{}
	m := newTestMachine(t, defaultRouter(), fetcher, sink,
		WithExtractor(KindProductDetail, extract.Func(func(extract.Page) (extract.Result, error) {
			return extract.Result{
				EntityID:    "A",
				Fields:      map[string]any{"price": "$3"},
				Identifying: []string{"product_name"},
				Variants:    []string{"B"},
			}, nil
		})))

	res := m.Run(context.Background(), Task{TaskID: "t-ident", Kind: KindProductDetail, SeedURLs: []string{base + "/dp/A"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Empty(t, res.Records)
	require.Equal(t, []string{base + "/dp/A"}, fetcher.targets())
	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, "MISSING_ATTRIBUTE", records[0].ReasonName)
}

func TestRunEmptyListingKeepsAds(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	m := newTestMachine(t, defaultRouter(), &fakeFetcher{}, sink,
		WithExtractor(KindListing, extract.Func(func(extract.Page) (extract.Result, error) {
			return extract.Result{
				Items:    []extract.Item{{Fields: map[string]any{"ad_type": "video"}}},
				NextPage: base + "/s?page=2",
			}, extract.ErrEmptyPage
		})))

	res := m.Run(context.Background(), Task{TaskID: "t-empty", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Len(t, res.Records, 1)
	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, taxonomy.CategoryResponse, records[0].Category)
	require.Equal(t, "INVALID_RESPONSE", records[0].ReasonName)
}

func TestRunUnrecognizedPageIsParsingError(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	m := newTestMachine(t, defaultRouter(), &fakeFetcher{}, sink,
		WithExtractor(KindReview, extract.Func(func(extract.Page) (extract.Result, error) {
			return extract.Result{}, extract.ErrUnrecognizedPage
		})))

	res := m.Run(context.Background(), Task{TaskID: "t-struct", Kind: KindReview, SeedURLs: []string{base + "/product-reviews/A"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Equal(t, "UNEXPECTED_STRUCTURE", sink.Records()[0].ReasonName)
}

func TestRunCancelledTaskRecordsAndStops(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{}
	m := newTestMachine(t, defaultRouter(), fetcher, sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := m.Run(ctx, Task{TaskID: "t-cancel", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Empty(t, fetcher.targets())
	records := sink.Records()
	require.Len(t, records, 1)
	require.Equal(t, taxonomy.CategoryGeneral, records[0].Category)
	require.Contains(t, *records[0].ExceptionText, "task cancelled before dispatch")
}

func TestRunLimiterFailureAbortsBranch(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	fetcher := &fakeFetcher{}
	var waited []string
	m := newTestMachine(t, defaultRouter(), fetcher, sink, WithLimiter(limiterFunc(func(_ context.Context, url string) error {
		waited = append(waited, url)
		return errors.New("rate limit wait: context deadline exceeded")
	})))

	res := m.Run(context.Background(), Task{TaskID: "t-limit", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Empty(t, fetcher.targets())
	require.Len(t, waited, 1)
	require.True(t, strings.HasPrefix(waited[0], proxy.ScraperAPIEndpoint))
	require.Len(t, sink.Records(), 1)
}

func TestRunInvalidTask(t *testing.T) {
	t.Parallel()

	sink := taxonomy.NewMemorySink()
	m := newTestMachine(t, defaultRouter(), &fakeFetcher{}, sink)

	res := m.Run(context.Background(), Task{TaskID: "t-bad", Kind: "catalog", SeedURLs: []string{base}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Len(t, sink.Records(), 1)
	require.Equal(t, 501, res.MaxErrorCode)
}

func TestRunToleratesFailingErrorSink(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{respond: func(req FetchRequest) FetchOutcome {
		return Respond(500, req.TargetURL, nil)
	}}
	m := newTestMachine(t, defaultRouter(), fetcher, failingSink{})

	res := m.Run(context.Background(), Task{TaskID: "t-sink", Kind: KindListing, SeedURLs: []string{base + "/s?k=tea"}})

	require.Equal(t, TaskStatusAborted, res.Status)
	require.Equal(t, 1, res.ErrorCount)
}

type failingSink struct{}

func (failingSink) Append(context.Context, taxonomy.ErrorRecord) error { return errors.New("sink offline") }

func TestParseKind(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]EntityKind{
		"listing":         KindListing,
		" Product_Detail": KindProductDetail,
		"detail":          KindProductDetail,
		"reviews":         KindReview,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
	_, err := ParseKind("catalog")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Task{TaskID: "t", Kind: KindReview, SeedURLs: []string{"u"}}.Validate())
	require.Error(t, Task{Kind: KindReview, SeedURLs: []string{"u"}}.Validate())
	require.Error(t, Task{TaskID: "t", Kind: KindReview}.Validate())
	require.Error(t, Task{TaskID: "t", Kind: KindReview, SeedURLs: []string{" "}}.Validate())
	require.Error(t, Task{TaskID: "t", Kind: "x", SeedURLs: []string{"u"}}.Validate())
}
