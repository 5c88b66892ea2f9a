package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Review extracts product review pages.
type Review struct {
	BaseURL string
}

// NewReview returns a Review extractor.
func NewReview(baseURL string) *Review {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Review{BaseURL: baseURL}
}

// Extract implements Extractor. A page without reviews ends pagination but is
// not an error.
func (r *Review) Extract(page Page) (Result, error) {
	doc, err := parse(page)
	if err != nil {
		return Result{}, err
	}
	productID, _ := EntityID(page.RequestURL)
	productName := text(doc.Selection, "span.product-title")
	if productName == "" {
		productName = text(doc.Selection, `a[data-hook="product-link"]`)
	}

	res := Result{EntityID: productID, Fields: map[string]any{}}
	set(res.Fields, "product_name", productName)

	reviews := doc.Find(`div[data-hook="review"]`)
	if reviews.Length() == 0 {
		return res, nil
	}
	reviews.Each(func(_ int, rv *goquery.Selection) {
		fields := map[string]any{
			"page_number": page.PageNumber,
			"images":      attrs(rv, "img.review-image-tile", "src"),
		}
		set(fields, "id", strings.TrimSpace(rv.AttrOr("id", "")))
		set(fields, "product_id", productID)
		set(fields, "product_name", productName)
		set(fields, "review_title", text(rv, `[data-hook="review-title"] span:not(.a-icon-alt)`))
		if _, ok := fields["review_title"]; !ok {
			set(fields, "review_title", text(rv, "a.review-title span"))
		}
		set(fields, "review_rating", text(rv, `[data-hook="review-star-rating"] span.a-icon-alt`))
		set(fields, "author_name", text(rv, "span.a-profile-name"))
		set(fields, "author_url", resolve(r.BaseURL, attr(rv, "a.a-profile", "href")))
		set(fields, "review_date", text(rv, "span.review-date"))
		set(fields, "review_text", text(rv, "span.review-text-content span"))
		votes := text(rv, "span.cr-vote-text")
		if votes == "" {
			votes = "0"
		}
		fields["helpful_votes"] = votes
		res.Items = append(res.Items, Item{
			Fields:   fields,
			Required: []string{"review_title", "review_text"},
		})
	})

	next := doc.Find("li.a-last").First()
	if next.Length() > 0 && !next.HasClass("a-disabled") {
		res.NextPage = resolve(r.BaseURL, attr(next, "a", "href"))
	}
	return res, nil
}
