package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Detail extracts product detail pages.
type Detail struct {
	BaseURL string
}

// NewDetail returns a Detail extractor.
func NewDetail(baseURL string) *Detail {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Detail{BaseURL: baseURL}
}

// Extract implements Extractor. The product name identifies the page; price,
// brand and rating are required.
func (d *Detail) Extract(page Page) (Result, error) {
	doc, err := parse(page)
	if err != nil {
		return Result{}, err
	}
	self, _ := EntityID(page.RequestURL)

	fields := map[string]any{
		"product_url": page.RequestURL,
		"source":      "Amazon",
	}
	if self != "" {
		fields["product_id"] = self
	}
	set(fields, "product_name", text(doc.Selection, "span#productTitle"))
	set(fields, "price", text(doc.Selection, "span.a-price span.a-offscreen"))
	set(fields, "brand", text(doc.Selection, "a#bylineInfo"))
	set(fields, "rating", text(doc.Selection, "i.a-icon.a-icon-star span.a-icon-alt"))
	set(fields, "ships_from", text(doc.Selection, "#fulfillerInfoFeature_feature_div .offer-display-feature-text-message"))
	set(fields, "sold_by", text(doc.Selection, "#merchantInfoFeature_feature_div .offer-display-feature-text-message"))
	set(fields, "product_description", strings.Join(strings.Fields(doc.Find("#productDescription").Text()), " "))

	images := attrs(doc.Selection, "ul.regularAltImageViewLayout li img", "src")
	fields["image_urls"] = images
	fields["num_of_images"] = len(images)
	fields["bulletings"] = texts(doc.Selection, "#feature-bullets ul li span")
	fields["product_details"] = detailBullets(doc)
	fields["product_info"] = overview(doc)

	variants := variantIDs(doc, self)
	fields["variant_product_ids"] = variants
	fields["variant_count"] = len(variants)

	return Result{
		EntityID:    self,
		Fields:      fields,
		Required:    []string{"price", "brand", "rating"},
		Identifying: []string{"product_name"},
		Variants:    variants,
	}, nil
}

// variantIDs returns distinct variant ids in page order, excluding self.
func variantIDs(doc *goquery.Document, self string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, id := range attrs(doc.Selection, "li[data-csa-c-item-id]", "data-csa-c-item-id") {
		if id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func detailBullets(doc *goquery.Document) map[string]string {
	out := map[string]string{}
	doc.Find("#detailBullets_feature_div .a-text-bold").Each(func(_ int, label *goquery.Selection) {
		key := strings.Trim(strings.Join(strings.Fields(label.Text()), " "), " :\u200e\u200f")
		value := strings.TrimSpace(label.Next().Filter("span").Text())
		if key != "" && value != "" {
			out[key] = value
		}
	})
	return out
}

func overview(doc *goquery.Document) map[string]string {
	out := map[string]string{}
	rows := doc.Find("#productOverview_feature_div tr")
	if rows.Length() == 0 {
		rows = doc.Find(".prodDetTable tr")
	}
	rows.Each(func(_ int, row *goquery.Selection) {
		label := text(row, "td:nth-child(1) span")
		value := text(row, "td:nth-child(2) span")
		if label != "" && value != "" {
			out[label] = value
		}
	})
	return out
}
