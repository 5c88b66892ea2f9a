// Package extract turns fetched pages into field maps. Extractors are pure:
// they read a Page and return a Result without I/O or error recording, so
// the crawl machine decides what a missing field means.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultBaseURL resolves relative links found on pages.
const DefaultBaseURL = "https://www.amazon.com"

var (
	// ErrEmptyPage means the page parsed but carried none of the expected items.
	ErrEmptyPage = errors.New("no items detected on page")
	// ErrUnrecognizedPage means the page structure could not be parsed at all.
	ErrUnrecognizedPage = errors.New("unrecognized page structure")
)

// Page is one fetched document.
type Page struct {
	// RequestURL is the target URL before proxy routing.
	RequestURL  string
	ResponseURL string
	StatusCode  int
	Body        []byte
	PageNumber  int
}

// Item is one record found on a page, such as a listing product or a review.
type Item struct {
	Fields   map[string]any
	Required []string
}

// Field implements taxonomy.FieldSource.
func (i Item) Field(name string) (any, bool) {
	return lookup(i.Fields, name)
}

// Result is the outcome of extracting one page.
type Result struct {
	// EntityID identifies the page entity when it has one (a product id).
	EntityID string
	// Fields holds page-level values. Missing fields are simply absent.
	Fields map[string]any
	// Required lists page fields whose absence is recorded but tolerated.
	Required []string
	// Identifying lists page fields whose absence aborts the page.
	Identifying []string
	Items       []Item
	// NextPage is the absolute URL of the following page, empty when none.
	NextPage string
	// Variants lists related entity ids in discovery order, self excluded.
	Variants []string
}

// Field implements taxonomy.FieldSource.
func (r Result) Field(name string) (any, bool) {
	return lookup(r.Fields, name)
}

// Extractor parses one kind of page.
type Extractor interface {
	Extract(page Page) (Result, error)
}

// Func adapts a function to Extractor.
type Func func(page Page) (Result, error)

// Extract implements Extractor.
func (f Func) Extract(page Page) (Result, error) {
	return f(page)
}

func lookup(fields map[string]any, name string) (any, bool) {
	v, ok := fields[name]
	if !ok || v == nil {
		return nil, false
	}
	if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, true
}

// EntityID returns the product id embedded in a /dp/<id> or
// /product-reviews/<id> path.
func EntityID(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		switch seg {
		case "dp", "product-reviews", "gp":
			next := i + 1
			if seg == "gp" {
				// /gp/product/<id>
				next = i + 2
			}
			if next < len(segments) && segments[next] != "" {
				return segments[next], true
			}
		}
	}
	return "", false
}

// ProductURL builds the canonical detail URL for id.
func ProductURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/dp/" + id
}

func parse(page Page) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnrecognizedPage, err)
	}
	return doc, nil
}

func resolve(baseURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// text returns the trimmed text of the first match.
func text(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}

// attr returns the trimmed attribute of the first match.
func attr(s *goquery.Selection, selector, name string) string {
	v, _ := s.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func attrs(s *goquery.Selection, selector, name string) []string {
	out := []string{}
	s.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if v, ok := sel.Attr(name); ok && strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	})
	return out
}

func texts(s *goquery.Selection, selector string) []string {
	out := []string{}
	s.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if t := strings.TrimSpace(sel.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

// set stores v under key unless it is empty.
func set(fields map[string]any, key, v string) {
	if v != "" {
		fields[key] = v
	}
}
