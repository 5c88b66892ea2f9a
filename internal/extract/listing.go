package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Item types emitted by the listing extractor.
const (
	TypeOrganicProduct   = "organic_product"
	TypeSponsoredProduct = "sponsored_product"
	TypeSponsoredBrand   = "sponsored_brand"
	TypeSponsoredVideo   = "sponsored_video"
)

const maxBrandAds = 10

// listingTemplates are tried in order to locate the result grid.
var listingTemplates = []string{
	".a-section.a-spacing-small > .puisg-row",
	".a-section > .puisg-row",
	".puis-card-border",
}

// Listing extracts search result pages.
type Listing struct {
	BaseURL string
}

// NewListing returns a Listing extractor resolving links against baseURL.
func NewListing(baseURL string) *Listing {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Listing{BaseURL: baseURL}
}

// Extract implements Extractor. A page without a recognizable result grid
// yields ErrEmptyPage.
func (l *Listing) Extract(page Page) (Result, error) {
	doc, err := parse(page)
	if err != nil {
		return Result{}, err
	}
	res := Result{Fields: map[string]any{}}
	res.Items = append(res.Items, l.brandAds(doc)...)
	res.Items = append(res.Items, l.videoAds(doc)...)

	if !hasResultGrid(doc) {
		return res, ErrEmptyPage
	}

	doc.Find("div[data-asin]").Each(func(_ int, product *goquery.Selection) {
		href := attr(product, "h2.a-size-mini a.a-link-normal", "href")
		if href == "" {
			href = attr(product, "h2 a", "href")
		}
		if href == "" {
			return
		}
		sponsored := product.Find("div.a-row.a-spacing-micro").Length() > 0
		kind := TypeOrganicProduct
		if sponsored {
			kind = TypeSponsoredProduct
		}
		fields := map[string]any{
			"type":        kind,
			"product_url": l.link(href),
			"source":      "Amazon",
			"page_number": page.PageNumber,
			"sponsored":   sponsored,
		}
		if id, ok := product.Attr("data-asin"); ok && id != "" {
			fields["product_id"] = id
		}
		set(fields, "product_name", text(product, ".a-color-base.a-text-normal"))
		set(fields, "price", text(product, ".a-price-whole"))
		set(fields, "ratings", text(product, "span.a-icon-alt"))
		set(fields, "review_count", text(product, ".a-size-base.s-underline-text"))
		set(fields, "product_image", attr(product, ".s-image", "src"))
		set(fields, "badges", text(product, ".a-badge-region .a-badge-text"))
		set(fields, "deals", text(product, ".a-row .s-link-style .a-badge-text"))
		res.Items = append(res.Items, Item{
			Fields:   fields,
			Required: []string{"product_name", "price", "product_image"},
		})
	})

	next := attr(doc.Selection, "a.s-pagination-next", "href")
	if next == "" {
		next = attr(doc.Selection, "a.s-pagination-item.s-pagination-button", "href")
	}
	res.NextPage = l.link(next)
	return res, nil
}

func hasResultGrid(doc *goquery.Document) bool {
	for _, sel := range listingTemplates {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func (l *Listing) brandAds(doc *goquery.Document) []Item {
	var items []Item
	doc.Find(`[id*="CardInstance"]`).EachWithBreak(func(i int, ad *goquery.Selection) bool {
		if i >= maxBrandAds {
			return false
		}
		products := []map[string]any{}
		ad.Find("[data-asin]").Each(func(_ int, p *goquery.Selection) {
			product := map[string]any{}
			set(product, "product_name", strings.Join(strings.Fields(p.Text()), " "))
			set(product, "product_url", l.link(attr(p, "a.a-link-normal", "href")))
			set(product, "product_image", attr(p, "img", "src"))
			if id, ok := p.Attr("data-asin"); ok {
				set(product, "product_id", id)
			}
			set(product, "rating", text(p, "span.a-icon-alt"))
			set(product, "reviews", text(p, "[data-rt]"))
			products = append(products, product)
		})
		fields := map[string]any{"type": TypeSponsoredBrand, "products": products}
		set(fields, "brand_name", attr(ad, "a img", "alt"))
		set(fields, "logo_image", attr(ad, "a img", "src"))
		set(fields, "brand_message", text(ad, "a span.a-truncate-full"))
		set(fields, "brand_store_url", l.link(attr(ad, "a", "href")))
		items = append(items, Item{Fields: fields})
		return true
	})
	return items
}

func (l *Listing) videoAds(doc *goquery.Document) []Item {
	var items []Item
	doc.Find("span.sbv-video-single-product").Each(func(_ int, video *goquery.Selection) {
		fields := map[string]any{"type": TypeSponsoredVideo}
		set(fields, "title", text(video, "h2 a span"))
		set(fields, "reviews", text(video, "span.a-size-base.s-underline-text"))
		set(fields, "ratings", text(video, "i.a-icon-star-small span.a-icon-alt"))
		set(fields, "price", text(video, "span.a-price span.a-offscreen"))
		set(fields, "image_url", attr(video, "img.s-image", "src"))
		set(fields, "product_url", l.link(attr(video, "a.a-link-normal", "href")))
		set(fields, "video_url", attr(video, "video", "src"))
		items = append(items, Item{Fields: fields})
	})
	return items
}

func (l *Listing) link(href string) string {
	return resolve(l.BaseURL, href)
}
