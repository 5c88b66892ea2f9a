// Package proxy builds provider-routed request URLs.
//
// Each provider is a query-parameter proxy: the target URL, the provider
// credential and a country hint are encoded onto the provider's base endpoint.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Default provider names and endpoints.
const (
	ScraperAPI = "scraperapi"
	ScrapeOps  = "scrapeops"

	ScraperAPIEndpoint = "http://api.scraperapi.com/"
	ScrapeOpsEndpoint  = "https://proxy.scrapeops.io/v1/"

	DefaultCountryCode = "US"
)

var (
	// ErrInvalidProvider is returned when a provider name is not configured.
	ErrInvalidProvider = errors.New("invalid proxy provider")
	// ErrMissingCredential is returned when a provider has no credential.
	ErrMissingCredential = errors.New("missing proxy credential")
)

// Provider binds a provider name to its endpoint and credential.
type Provider struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Request is one routed attempt. It is derived per dispatch and never stored.
type Request struct {
	TargetURL    string
	Provider     string
	GeneratedURL string
}

// Router maps (target, provider) pairs onto proxied URLs.
type Router struct {
	providers   map[string]Provider
	countryCode string
	logger      *zap.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCountryCode overrides the country hint sent to every provider.
func WithCountryCode(code string) Option {
	return func(r *Router) {
		if code = strings.TrimSpace(code); code != "" {
			r.countryCode = code
		}
	}
}

// DefaultProviders returns the two stock providers with the given keys.
func DefaultProviders(scraperAPIKey, scrapeOpsKey string) []Provider {
	return []Provider{
		{Name: ScraperAPI, BaseURL: ScraperAPIEndpoint, APIKey: scraperAPIKey},
		{Name: ScrapeOps, BaseURL: ScrapeOpsEndpoint, APIKey: scrapeOpsKey},
	}
}

// NewRouter builds a Router over providers. Later duplicates win.
func NewRouter(providers []Provider, opts ...Option) *Router {
	r := &Router{
		providers:   make(map[string]Provider, len(providers)),
		countryCode: DefaultCountryCode,
		logger:      zap.NewNop(),
	}
	for _, p := range providers {
		r.providers[p.Name] = p
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route returns the proxied URL for target through provider.
func (r *Router) Route(target, provider string) (Request, error) {
	p, ok := r.providers[provider]
	if !ok || strings.TrimSpace(p.BaseURL) == "" {
		r.logger.Error("proxy route failed", zap.String("provider", provider), zap.Error(ErrInvalidProvider))
		return Request{}, fmt.Errorf("route via %q: %w", provider, ErrInvalidProvider)
	}
	if strings.TrimSpace(p.APIKey) == "" {
		r.logger.Error("proxy route failed", zap.String("provider", provider), zap.Error(ErrMissingCredential))
		return Request{}, fmt.Errorf("route via %q: %w", provider, ErrMissingCredential)
	}

	target = strings.TrimSpace(target)
	q := url.Values{}
	q.Set("api_key", p.APIKey)
	q.Set("country_code", r.countryCode)
	q.Set("url", target)
	generated := p.BaseURL + "?" + q.Encode()

	r.logger.Debug("proxy url generated", zap.String("provider", provider), zap.String("target", target))
	return Request{TargetURL: target, Provider: provider, GeneratedURL: generated}, nil
}

// Has reports whether provider is configured.
func (r *Router) Has(provider string) bool {
	_, ok := r.providers[provider]
	return ok
}
