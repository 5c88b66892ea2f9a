package crawler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/review-miner/internal/dedup"
	"github.com/JakeFAU/review-miner/internal/extract"
	"github.com/JakeFAU/review-miner/internal/metrics"
	"github.com/JakeFAU/review-miner/internal/progress"
	"github.com/JakeFAU/review-miner/internal/proxy"
	"github.com/JakeFAU/review-miner/internal/signals"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
)

// Defaults applied by NewMachine when Config leaves a value unset.
const (
	DefaultPageLimit     = 5
	DefaultVariantFanout = 3
	DefaultScraperName   = "amazon"
)

// Config controls routing and crawl bounds.
type Config struct {
	PrimaryProvider string
	// FallbackProvider is tried once after a network failure. Empty disables fallback.
	FallbackProvider string
	// PageLimit is the highest page number dispatched for paginated kinds.
	PageLimit int
	// VariantFanout bounds the variant sub-crawls spawned from one detail page.
	VariantFanout int
	BaseURL       string
	ScraperName   string
}

// DefaultConfig returns the standard provider chain and crawl bounds.
func DefaultConfig() Config {
	return Config{
		PrimaryProvider:  proxy.ScraperAPI,
		FallbackProvider: proxy.ScrapeOps,
		PageLimit:        DefaultPageLimit,
		VariantFanout:    DefaultVariantFanout,
		BaseURL:          extract.DefaultBaseURL,
		ScraperName:      DefaultScraperName,
	}
}

// Machine drives tasks from seed URLs to a terminal status. A Machine holds no
// per-task state and may run many tasks concurrently.
type Machine struct {
	cfg          Config
	router       Router
	fetcher      Fetcher
	limiter      Limiter
	extractors   map[EntityKind]extract.Extractor
	errorSink    taxonomy.Sink
	recorderOpts []taxonomy.RecorderOption
	emitter      progress.Emitter
	clock        Clock
	logger       *zap.Logger
}

// Option customizes a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLimiter paces every dispatch through l.
func WithLimiter(l Limiter) Option {
	return func(m *Machine) {
		m.limiter = l
	}
}

// WithExtractor overrides the extraction callback for kind.
func WithExtractor(kind EntityKind, e extract.Extractor) Option {
	return func(m *Machine) {
		m.extractors[kind] = e
	}
}

// WithErrorSink sets where error records are appended.
func WithErrorSink(s taxonomy.Sink) Option {
	return func(m *Machine) {
		m.errorSink = s
	}
}

// WithRecorderOptions passes options to every per-task recorder.
func WithRecorderOptions(opts ...taxonomy.RecorderOption) Option {
	return func(m *Machine) {
		m.recorderOpts = append(m.recorderOpts, opts...)
	}
}

// WithEmitter forwards task progress events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(m *Machine) {
		m.emitter = e
	}
}

// WithClock sets the clock used for task timing.
func WithClock(c Clock) Option {
	return func(m *Machine) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewMachine validates cfg and builds a Machine.
func NewMachine(cfg Config, router Router, fetcher Fetcher, opts ...Option) (*Machine, error) {
	if router == nil {
		return nil, errors.New("router is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.PrimaryProvider == "" {
		return nil, errors.New("primary provider is required")
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.VariantFanout <= 0 {
		cfg.VariantFanout = DefaultVariantFanout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = extract.DefaultBaseURL
	}
	if cfg.ScraperName == "" {
		cfg.ScraperName = DefaultScraperName
	}
	if cfg.FallbackProvider == cfg.PrimaryProvider {
		cfg.FallbackProvider = ""
	}

	m := &Machine{
		cfg:     cfg,
		router:  router,
		fetcher: fetcher,
		extractors: map[EntityKind]extract.Extractor{
			KindListing:       extract.NewListing(cfg.BaseURL),
			KindProductDetail: extract.NewDetail(cfg.BaseURL),
			KindReview:        extract.NewReview(cfg.BaseURL),
		},
		errorSink: taxonomy.NewMemorySink(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// Run crawls task to completion. It never returns an error: every failure is
// recorded to the error sink and reflected in the Result.
func (m *Machine) Run(ctx context.Context, task Task) Result {
	r := m.newRun(task)
	r.agg.Start()
	r.logger.Info("task started", zap.String("kind", string(task.Kind)), zap.Int("seeds", len(task.SeedURLs)))

	if err := task.Validate(); err != nil {
		r.rec.Record(ctx, taxonomy.Entry{
			Classification: taxonomy.Of(taxonomy.ReasonUnknownError),
			Err:            fmt.Errorf("invalid task: %w", err),
		})
		return r.finish(err.Error())
	}
	r.extractor = m.extractors[task.Kind]
	if r.extractor == nil {
		r.rec.Record(ctx, taxonomy.Entry{
			Classification: taxonomy.Of(taxonomy.ReasonUnknownError),
			Message:        "no extractor for kind " + string(task.Kind),
		})
		return r.finish("no extractor")
	}

	for i, seed := range task.SeedURLs {
		target := strings.TrimSpace(seed)
		r.agg.RequestScheduled(target)
		if !r.visited.MarkIfUnseen(r.seedKey(target)) {
			r.logger.Debug("duplicate seed skipped", zap.String("url", target))
			r.agg.RequestDropped(target, "duplicate seed")
			continue
		}
		r.crawl(ctx, branch{path: []int{i + 1}, url: target, page: 1})
	}
	return r.finish("")
}

// branch is one page fetch within a task.
type branch struct {
	path      []int
	url       string
	page      int
	variantOf string
}

func (b branch) child(n int, url string) branch {
	path := make([]int, len(b.path), len(b.path)+1)
	copy(path, b.path)
	return branch{path: append(path, n), url: url, page: b.page}
}

func (b branch) id() string {
	parts := make([]string, len(b.path))
	for i, n := range b.path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

type pathRecord struct {
	path []int
	seq  int
	rec  OutputRecord
}

type pathOutcome struct {
	path []int
	out  BranchOutcome
}

// run is the state of one task. Only variant sub-crawls run concurrently;
// they share the registry, recorder, and aggregator, which are all safe for
// concurrent use.
type run struct {
	m         *Machine
	task      Task
	extractor extract.Extractor
	rec       *taxonomy.Recorder
	agg       *signals.Aggregator
	visited   *dedup.Registry
	logger    *zap.Logger

	mu        sync.Mutex
	records   []pathRecord
	outcomes  []pathOutcome
	routeErrs map[string]error
}

func (m *Machine) newRun(task Task) *run {
	logger := m.logger.Named("crawler").With(zap.String("task_id", task.TaskID))
	opts := []taxonomy.RecorderOption{
		taxonomy.WithLogger(logger),
		taxonomy.WithObserver(func(rec taxonomy.ErrorRecord) {
			metrics.ObserveError(string(rec.Category), rec.ReasonName)
		}),
	}
	opts = append(opts, m.recorderOpts...)
	var aggOpts []signals.Option
	if m.clock != nil {
		opts = append(opts, taxonomy.WithClock(m.clock))
		aggOpts = append(aggOpts, signals.WithClock(m.clock))
	}
	if m.emitter != nil {
		aggOpts = append(aggOpts, signals.WithEmitter(m.emitter))
	}
	return &run{
		m:    m,
		task: task,
		rec: taxonomy.NewRecorder(taxonomy.Scope{
			TaskID:      task.TaskID,
			SubTaskID:   task.SubTaskID,
			ScraperName: m.cfg.ScraperName,
		}, observedSink(m.errorSink), opts...),
		agg:       signals.New(task.TaskID, task.SubTaskID, aggOpts...),
		visited:   dedup.New(),
		logger:    logger,
		routeErrs: map[string]error{},
	}
}

// countingSink reports append failures to metrics.
type countingSink struct {
	taxonomy.Sink
}

func (s countingSink) Append(ctx context.Context, rec taxonomy.ErrorRecord) error {
	if err := s.Sink.Append(ctx, rec); err != nil {
		metrics.ObserveErrorSinkFailure()
		return err
	}
	return nil
}

func observedSink(s taxonomy.Sink) taxonomy.Sink {
	if s == nil {
		return nil
	}
	return countingSink{Sink: s}
}

// seedKey is the dedup identity of a seed: the entity id for detail pages,
// the normalized URL otherwise.
func (r *run) seedKey(target string) string {
	if r.task.Kind == KindProductDetail {
		if id, ok := extract.EntityID(target); ok {
			return id
		}
	}
	return urlKey(target)
}

func urlKey(target string) string {
	if norm, err := NormalizeURL(target); err == nil {
		return "url:" + norm
	}
	return "url:" + strings.TrimSpace(target)
}

// crawl runs one branch and whatever pagination or expansion it triggers.
func (r *run) crawl(ctx context.Context, b branch) {
	out := BranchOutcome{
		Branch:     b.id(),
		RequestURL: b.url,
		PageNumber: b.page,
		VariantOf:  b.variantOf,
		Status:     TaskStatusAborted,
	}
	if r.task.Kind == KindProductDetail {
		out.EntityID, _ = extract.EntityID(b.url)
	}
	defer func() { r.addOutcome(b.path, out) }()

	resp, proxyURL, failure := r.dispatch(ctx, b, &out)
	if failure != "" {
		out.Reason = failure
		return
	}

	res, ok := r.parse(ctx, b, resp, proxyURL, &out)
	if !ok {
		return
	}
	out.Status = TaskStatusCompleted
	if res.EntityID != "" {
		out.EntityID = res.EntityID
	}

	switch {
	case r.task.Kind.Paginates():
		r.paginate(ctx, b, res)
	case r.task.Kind == KindProductDetail:
		r.expand(ctx, b, out.EntityID, res)
	}
}

// dispatch routes and fetches b.url, falling back once after a network
// failure. It returns the failure reason name when the branch must abort.
func (r *run) dispatch(ctx context.Context, b branch, out *BranchOutcome) (*Success, string, string) {
	if err := ctx.Err(); err != nil {
		rec := r.rec.Record(ctx, taxonomy.Entry{
			Classification: taxonomy.Of(taxonomy.ReasonUnknownError),
			RequestURL:     b.url,
			Err:            fmt.Errorf("task cancelled before dispatch: %w", err),
		})
		r.agg.RequestDropped(b.url, "cancelled")
		return nil, "", rec.ReasonName
	}

	providers := []string{r.m.cfg.PrimaryProvider}
	if r.m.cfg.FallbackProvider != "" {
		providers = append(providers, r.m.cfg.FallbackProvider)
	}

	for attempt, provider := range providers {
		if attempt > 0 {
			metrics.ObserveFallback()
			r.logger.Info("retrying through fallback provider",
				zap.String("url", b.url),
				zap.String("provider", provider))
		}
		req, err := r.route(b.url, provider)
		if err != nil {
			rec := r.rec.Record(ctx, taxonomy.Entry{
				Classification: classifyRouting(err),
				RequestURL:     b.url,
				Err:            err,
			})
			r.agg.RoutingFailed(b.url)
			metrics.ObserveDispatch(provider, "routing_error")
			return nil, "", rec.ReasonName
		}

		if r.m.limiter != nil {
			if err := r.m.limiter.Wait(ctx, req.GeneratedURL); err != nil {
				rec := r.rec.Record(ctx, taxonomy.Entry{
					Classification: taxonomy.Of(taxonomy.ReasonUnknownError),
					RequestURL:     b.url,
					ProxyURL:       req.GeneratedURL,
					Err:            err,
				})
				r.agg.RequestDropped(b.url, "rate limit wait")
				return nil, "", rec.ReasonName
			}
		}

		out.Provider = provider
		out.Dispatches++
		r.agg.ReachedDispatch(b.url, provider)
		start := time.Now()
		outcome := r.m.fetcher.Fetch(ctx, FetchRequest{
			TaskID:    r.task.TaskID,
			URL:       req.GeneratedURL,
			TargetURL: b.url,
			Provider:  provider,
		})
		if outcome.Duration == 0 {
			outcome.Duration = time.Since(start)
		}

		if outcome.Succeeded() {
			s := outcome.Success
			r.agg.LeftDispatch(b.url, provider, s.StatusCode, int64(len(s.Body)), outcome.Duration)
			metrics.ObserveDispatch(provider, "ok")
			return s, req.GeneratedURL, ""
		}

		failure := outcome.Failure
		if failure == nil {
			failure = &NetworkFailure{Kind: taxonomy.FailureConnection, Err: errors.New("fetch returned no outcome")}
		}
		r.agg.LeftDispatch(b.url, provider, 0, 0, outcome.Duration)
		metrics.ObserveDispatch(provider, "network_error")

		// A failure caused by the task's own abort is not a proxy fault and
		// must not trigger the fallback.
		if err := ctx.Err(); err != nil {
			rec := r.rec.Record(ctx, taxonomy.Entry{
				Classification: taxonomy.Of(taxonomy.ReasonUnknownError),
				RequestURL:     b.url,
				ProxyURL:       req.GeneratedURL,
				Err:            fmt.Errorf("task cancelled during dispatch: %w", err),
			})
			r.agg.DispatchFailed(b.url)
			return nil, "", rec.ReasonName
		}

		rec := r.rec.Record(ctx, taxonomy.Entry{
			Classification: taxonomy.ClassifyNetworkFailure(failure.Kind),
			RequestURL:     b.url,
			ProxyURL:       req.GeneratedURL,
			Err:            failure,
		})
		if attempt == len(providers)-1 {
			r.agg.DispatchFailed(b.url)
			return nil, "", rec.ReasonName
		}
	}
	return nil, "", taxonomy.ReasonUnknownError.String()
}

// route returns the proxied request for target. A provider that fails to
// route once is not asked again for the rest of the task.
func (r *run) route(target, provider string) (proxy.Request, error) {
	r.mu.Lock()
	err, failed := r.routeErrs[provider]
	r.mu.Unlock()
	if failed {
		return proxy.Request{}, err
	}
	req, err := r.m.router.Route(target, provider)
	if err != nil {
		r.mu.Lock()
		r.routeErrs[provider] = err
		r.mu.Unlock()
		r.logger.Warn("provider disabled for task", zap.String("provider", provider), zap.Error(err))
		return proxy.Request{}, err
	}
	return req, nil
}

func classifyRouting(err error) taxonomy.Classification {
	if errors.Is(err, proxy.ErrMissingCredential) {
		return taxonomy.Of(taxonomy.ReasonInvalidAPIKey)
	}
	return taxonomy.Classification{Category: taxonomy.CategoryScraper, Reason: taxonomy.ReasonUnknownError}
}

// parse checks the response status, runs the extractor, validates fields,
// and emits output records. ok is false when the page aborted.
func (r *run) parse(ctx context.Context, b branch, resp *Success, proxyURL string, out *BranchOutcome) (extract.Result, bool) {
	if c, failed := taxonomy.ClassifyResponse(resp.StatusCode); failed {
		status := resp.StatusCode
		rec := r.rec.Record(ctx, taxonomy.Entry{
			Classification: c,
			RequestURL:     b.url,
			ProxyURL:       proxyURL,
			ResponseURL:    resp.FinalURL,
			StatusCode:     &status,
		})
		r.agg.ResponseReceived(b.url, resp.StatusCode, 0)
		out.Reason = rec.ReasonName
		return extract.Result{}, false
	}

	res, err := r.extractor.Extract(extract.Page{
		RequestURL:  b.url,
		ResponseURL: resp.FinalURL,
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
		PageNumber:  b.page,
	})
	if err != nil {
		c := taxonomy.Of(taxonomy.ReasonUnexpectedStructure)
		if errors.Is(err, extract.ErrEmptyPage) {
			c = taxonomy.Of(taxonomy.ReasonInvalidResponse)
		}
		rec := r.rec.Record(ctx, taxonomy.Entry{
			Classification: c,
			RequestURL:     b.url,
			ProxyURL:       proxyURL,
			ResponseURL:    resp.FinalURL,
			Err:            err,
		})
		// Items already found, such as sponsored ads, are still kept.
		n := r.emitItems(ctx, b, resp, proxyURL, res)
		r.agg.ResponseReceived(b.url, resp.StatusCode, n)
		r.agg.ItemsScraped(b.url, n)
		out.Reason = rec.ReasonName
		return res, false
	}

	for _, field := range res.Identifying {
		if _, ok := r.rec.ValidateRequired(ctx, res, field, b.url, proxyURL); !ok {
			r.agg.ResponseReceived(b.url, resp.StatusCode, 0)
			r.agg.ItemsDropped(b.url, 1+len(res.Items))
			out.Reason = taxonomy.ReasonMissingAttribute.String()
			return res, false
		}
	}

	n := 0
	if r.task.Kind == KindProductDetail {
		fields := r.validated(ctx, res, res.Fields, res.Required, b.url, proxyURL)
		r.addRecord(b.path, r.output(b, resp, RecordPage, res.EntityID, fields))
		n++
	}
	n += r.emitItems(ctx, b, resp, proxyURL, res)
	r.agg.ResponseReceived(b.url, resp.StatusCode, n)
	r.agg.ItemsScraped(b.url, n)
	return res, true
}

func (r *run) emitItems(ctx context.Context, b branch, resp *Success, proxyURL string, res extract.Result) int {
	for _, item := range res.Items {
		fields := r.validated(ctx, item, item.Fields, item.Required, b.url, proxyURL)
		r.addRecord(b.path, r.output(b, resp, RecordItem, res.EntityID, fields))
	}
	return len(res.Items)
}

// validated copies fields, recording each missing required field and
// carrying it as nil.
func (r *run) validated(
	ctx context.Context,
	src taxonomy.FieldSource,
	fields map[string]any,
	required []string,
	requestURL, proxyURL string,
) map[string]any {
	out := make(map[string]any, len(fields)+len(required))
	for k, v := range fields {
		out[k] = v
	}
	for _, field := range required {
		if _, ok := r.rec.ValidateRequired(ctx, src, field, requestURL, proxyURL); !ok {
			out[field] = nil
		}
	}
	return out
}

func (r *run) output(b branch, resp *Success, typ, entityID string, fields map[string]any) OutputRecord {
	return OutputRecord{
		TaskID:      r.task.TaskID,
		SubTaskID:   r.task.SubTaskID,
		Kind:        r.task.Kind,
		Type:        typ,
		Branch:      b.id(),
		RequestURL:  b.url,
		ResponseURL: resp.FinalURL,
		PageNumber:  b.page,
		VariantOf:   b.variantOf,
		EntityID:    entityID,
		Fields:      fields,
	}
}

// paginate follows the next-page link while the page limit allows.
func (r *run) paginate(ctx context.Context, b branch, res extract.Result) {
	next := strings.TrimSpace(res.NextPage)
	if next == "" {
		return
	}
	if b.page >= r.m.cfg.PageLimit {
		r.logger.Debug("page limit reached",
			zap.Int("page", b.page),
			zap.String("next", next))
		return
	}
	r.agg.RequestScheduled(next)
	if !r.visited.MarkIfUnseen(urlKey(next)) {
		r.agg.RequestDropped(next, "next page already visited")
		return
	}
	child := b.child(1, next)
	child.page = b.page + 1
	r.crawl(ctx, child)
}

// expand dispatches unseen variants of a detail page. Only the first
// VariantFanout candidates are considered; those run concurrently.
func (r *run) expand(ctx context.Context, b branch, self string, res extract.Result) {
	candidates := make([]string, 0, len(res.Variants))
	for _, v := range res.Variants {
		v = strings.TrimSpace(v)
		if v == "" || v == self {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) > r.m.cfg.VariantFanout {
		for range candidates[r.m.cfg.VariantFanout:] {
			metrics.ObserveVariant("over_limit")
		}
		candidates = candidates[:r.m.cfg.VariantFanout]
	}

	var g errgroup.Group
	g.SetLimit(r.m.cfg.VariantFanout)
	for i, id := range candidates {
		if !r.visited.MarkIfUnseen(id) {
			metrics.ObserveVariant("seen")
			continue
		}
		metrics.ObserveVariant("dispatched")
		child := b.child(i+1, extract.ProductURL(r.m.cfg.BaseURL, id))
		child.variantOf = self
		r.agg.RequestScheduled(child.url)
		g.Go(func() error {
			r.crawl(ctx, child)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // sub-crawls record their own failures
}

func (r *run) addRecord(path []int, rec OutputRecord) {
	r.mu.Lock()
	r.records = append(r.records, pathRecord{path: path, seq: len(r.records), rec: rec})
	r.mu.Unlock()
}

func (r *run) addOutcome(path []int, out BranchOutcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, pathOutcome{path: path, out: out})
	r.mu.Unlock()
	r.logger.Debug("branch finished",
		zap.String("branch", out.Branch),
		zap.String("url", out.RequestURL),
		zap.String("status", string(out.Status)),
		zap.String("reason", out.Reason))
}

func (r *run) finish(note string) Result {
	r.mu.Lock()
	records := r.records
	outcomes := r.outcomes
	r.mu.Unlock()

	// Variant records arrive in completion order; sort them by branch.
	slices.SortStableFunc(records, func(a, b pathRecord) int {
		if c := slices.Compare(a.path, b.path); c != 0 {
			return c
		}
		return a.seq - b.seq
	})
	slices.SortStableFunc(outcomes, func(a, b pathOutcome) int {
		return slices.Compare(a.path, b.path)
	})

	res := Result{
		TaskID:     r.task.TaskID,
		Status:     TaskStatusAborted,
		Records:    make([]OutputRecord, 0, len(records)),
		Branches:   make([]BranchOutcome, 0, len(outcomes)),
		ErrorCount: r.rec.Count(),
	}
	for _, pr := range records {
		res.Records = append(res.Records, pr.rec)
	}
	for _, po := range outcomes {
		res.Branches = append(res.Branches, po.out)
		if po.out.Status == TaskStatusCompleted {
			res.Status = TaskStatusCompleted
		}
	}
	if reason, ok := r.rec.MostSevere(); ok {
		res.MaxErrorCode = reason.Code()
	}
	if note == "" && res.Status == TaskStatusAborted {
		note = "no branch completed"
	}
	res.Summary = r.agg.Finish(res.Status == TaskStatusCompleted, res.MaxErrorCode, note)
	metrics.ObserveTask(string(res.Status))

	r.logger.Info("task finished",
		zap.String("status", string(res.Status)),
		zap.Int("records", len(res.Records)),
		zap.Int("branches", len(res.Branches)),
		zap.Int("errors", res.ErrorCount),
		zap.Int("max_error_code", res.MaxErrorCode),
		zap.Int("error_sink_failures", r.rec.SinkFailures()))
	return res
}
