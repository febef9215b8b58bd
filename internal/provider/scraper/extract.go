package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/product-automation/internal/automation"
)

// Extraction is what the scraper found on one page before normalisation.
type Extraction struct {
	Product automation.ProductData
	// Structured is true when the product came from JSON-LD, microdata or
	// OpenGraph product tags rather than DOM fallbacks.
	Structured bool
	// Text is the visible page text used by the product page heuristic.
	Text string
}

type candidate struct {
	title       string
	description string
	vendor      string
	productType string
	sku         string
	price       string
	currency    string
	images      []string
	variants    []automation.ProductVariant
	tags        []string
}

func (c *candidate) merge(o candidate) {
	pick := func(dst *string, src string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(src)
		}
	}
	pick(&c.title, o.title)
	pick(&c.description, o.description)
	pick(&c.vendor, o.vendor)
	pick(&c.productType, o.productType)
	pick(&c.sku, o.sku)
	pick(&c.price, o.price)
	pick(&c.currency, o.currency)
	c.images = append(c.images, o.images...)
	if len(c.variants) == 0 {
		c.variants = o.variants
	}
	if len(c.tags) == 0 {
		c.tags = o.tags
	}
}

func (c candidate) empty() bool {
	return c.title == "" && c.price == "" && len(c.images) == 0
}

// Extract parses body and returns the best product it can assemble. Sources
// are consulted in order JSON-LD, microdata, OpenGraph, DOM; earlier sources
// win field by field.
func Extract(pageURL string, body []byte) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	var merged candidate
	structured := false
	for _, src := range []func(*goquery.Document) (candidate, bool){fromJSONLD, fromMicrodata, fromOpenGraph} {
		c, ok := src(doc)
		if ok {
			structured = true
		}
		merged.merge(c)
	}
	merged.merge(fromDOM(doc))

	doc.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")

	product := automation.ProductData{
		SourceURL:   pageURL,
		Title:       collapse(merged.title),
		Description: collapse(merged.description),
		Vendor:      merged.vendor,
		ProductType: merged.productType,
		Tags:        merged.tags,
		Price:       NormalizePrice(merged.price),
		Currency:    strings.ToUpper(merged.currency),
		Images:      FilterImages(base, merged.images),
	}
	if product.Description != "" {
		product.BodyHTML = "<p>" + html.EscapeString(product.Description) + "</p>"
	}
	for _, v := range merged.variants {
		v.Price = NormalizePrice(v.Price)
		if v.Price == "" {
			v.Price = product.Price
		}
		if v.Price == "" {
			v.Price = "0.00"
		}
		if v.Title == "" {
			v.Title = product.Title
		}
		if v.Option1 == "" {
			v.Option1 = v.Title
		}
		product.Variants = append(product.Variants, v)
	}
	if len(product.Variants) == 0 {
		v := DefaultVariant(product.Price)
		v.SKU = merged.sku
		product.Variants = []automation.ProductVariant{v}
	}
	product.Options = optionsFor(product.Variants)
	return Extraction{Product: product, Structured: structured && !merged.empty(), Text: text}, nil
}

func optionsFor(variants []automation.ProductVariant) []automation.ProductOption {
	seen := map[string]struct{}{}
	opt := automation.ProductOption{Name: "Title"}
	for _, v := range variants {
		if _, ok := seen[v.Option1]; ok {
			continue
		}
		seen[v.Option1] = struct{}{}
		opt.Values = append(opt.Values, v.Option1)
	}
	return []automation.ProductOption{opt}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// fromJSONLD reads schema.org Product (or ProductGroup) objects from
// application/ld+json scripts, including @graph containers. The first product
// wins; later products on the page whose titles match it are folded in as
// variants.
func fromJSONLD(doc *goquery.Document) (candidate, bool) {
	var products []map[string]any
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var raw any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &raw); err != nil {
			return
		}
		collectProducts(raw, &products)
	})
	if len(products) == 0 {
		return candidate{}, false
	}
	out := productFromLD(products[0])
	for _, obj := range products[1:] {
		if sibling := productFromLD(obj); similarTitles(out.title, sibling.title) {
			out.absorb(sibling)
		}
	}
	return out, true
}

func collectProducts(v any, out *[]map[string]any) {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			collectProducts(e, out)
		}
	case map[string]any:
		if hasType(t["@type"], "Product") || hasType(t["@type"], "ProductGroup") {
			*out = append(*out, t)
			return
		}
		if g, ok := t["@graph"]; ok {
			collectProducts(g, out)
		}
		if e, ok := t["mainEntity"]; ok {
			collectProducts(e, out)
		}
	}
}

var (
	parenthesised = regexp.MustCompile(`\s*\(([^)]*)\)\s*`)
	titleFiller   = map[string]bool{
		"the": true, "a": true, "an": true, "and": true, "or": true, "for": true,
		"with": true, "of": true, "in": true, "on": true, "at": true,
	}
)

// similarTitles is true when at least 70% of the meaningful words of a and b
// are shared, ignoring anything in parentheses (usually a size).
func similarTitles(a, b string) bool {
	wa, wb := titleWords(a), titleWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return false
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	union := len(wa) + len(wb) - shared
	return float64(shared)/float64(union) >= 0.7
}

func titleWords(title string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(parenthesised.ReplaceAllString(title, " "))) {
		if !titleFiller[w] {
			words[w] = true
		}
	}
	return words
}

func baseTitle(title string) string {
	return strings.TrimSpace(parenthesised.ReplaceAllString(title, " "))
}

// absorb folds a sibling listing of the same product into c as variants. The
// option value is the parenthesised part of each title when there is one.
func (c *candidate) absorb(o candidate) {
	if len(c.variants) == 0 {
		c.variants = []automation.ProductVariant{variantFromTitle(*c)}
	}
	if len(o.variants) > 0 {
		c.variants = append(c.variants, o.variants...)
	} else {
		c.variants = append(c.variants, variantFromTitle(o))
	}
	c.images = append(c.images, o.images...)
	base, other := baseTitle(c.title), baseTitle(o.title)
	if len(other) > len(base) {
		base = other
	}
	c.title = base
	if c.price == "" {
		c.price, c.currency = o.price, o.currency
	}
}

func variantFromTitle(c candidate) automation.ProductVariant {
	option := c.title
	if m := parenthesised.FindStringSubmatch(c.title); m != nil && strings.TrimSpace(m[1]) != "" {
		option = strings.TrimSpace(m[1])
	}
	return automation.ProductVariant{Title: c.title, Price: c.price, SKU: c.sku, Option1: option}
}

func hasType(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, want) || strings.EqualFold(t, "schema:"+want) ||
			strings.HasSuffix(strings.ToLower(t), "schema.org/"+strings.ToLower(want))
	case []any:
		for _, e := range t {
			if hasType(e, want) {
				return true
			}
		}
	}
	return false
}

func productFromLD(obj map[string]any) candidate {
	c := candidate{
		title:       str(obj["name"]),
		description: str(obj["description"]),
		vendor:      named(obj["brand"]),
		productType: str(obj["category"]),
		sku:         str(obj["sku"]),
		images:      urls(obj["image"]),
	}
	if kw := str(obj["keywords"]); kw != "" {
		for _, t := range strings.Split(kw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.tags = append(c.tags, t)
			}
		}
	}
	offers := offerList(obj["offers"])
	if len(offers) > 0 {
		c.price, c.currency = offerPrice(offers[0])
	}
	if variants, ok := obj["hasVariant"].([]any); ok {
		for _, raw := range variants {
			vo, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			v := automation.ProductVariant{Title: str(vo["name"]), SKU: str(vo["sku"])}
			if vOffers := offerList(vo["offers"]); len(vOffers) > 0 {
				v.Price, _ = offerPrice(vOffers[0])
			}
			c.variants = append(c.variants, v)
			c.images = append(c.images, urls(vo["image"])...)
		}
	} else if len(offers) > 1 {
		for _, o := range offers {
			name := str(o["name"])
			if name == "" {
				name = str(o["sku"])
			}
			if name == "" {
				continue
			}
			price, _ := offerPrice(o)
			c.variants = append(c.variants, automation.ProductVariant{Title: name, Price: price, SKU: str(o["sku"])})
		}
	}
	return c
}

func offerList(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if hasType(t["@type"], "AggregateOffer") {
			if nested := offerList(t["offers"]); len(nested) > 0 {
				return nested
			}
		}
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, e := range t {
			out = append(out, offerList(e)...)
		}
		return out
	}
	return nil
}

func offerPrice(o map[string]any) (string, string) {
	price := str(o["price"])
	if price == "" {
		price = str(o["lowPrice"])
	}
	if price == "" {
		if spec, ok := o["priceSpecification"].(map[string]any); ok {
			price = str(spec["price"])
		}
	}
	return price, str(o["priceCurrency"])
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%g", t)
	case []any:
		if len(t) > 0 {
			return str(t[0])
		}
	}
	return ""
}

func named(v any) string {
	if m, ok := v.(map[string]any); ok {
		return str(m["name"])
	}
	return str(v)
}

func urls(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		if u := str(t["url"]); u != "" {
			return []string{u}
		}
		return urls(t["contentUrl"])
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, urls(e)...)
		}
		return out
	}
	return nil
}

func fromMicrodata(doc *goquery.Document) (candidate, bool) {
	scope := doc.Find(`[itemtype*="schema.org/Product"]`).First()
	if scope.Length() == 0 {
		return candidate{}, false
	}
	prop := func(name string) string {
		sel := scope.Find(`[itemprop="` + name + `"]`).First()
		if v, ok := sel.Attr("content"); ok {
			return v
		}
		return sel.Text()
	}
	c := candidate{
		title:       prop("name"),
		description: prop("description"),
		sku:         prop("sku"),
		price:       prop("price"),
		currency:    prop("priceCurrency"),
	}
	brand := scope.Find(`[itemprop="brand"]`).First()
	if n := brand.Find(`[itemprop="name"]`).First(); n.Length() > 0 {
		c.vendor = strings.TrimSpace(n.Text())
	} else if v, ok := brand.Attr("content"); ok {
		c.vendor = v
	} else {
		c.vendor = strings.TrimSpace(brand.Text())
	}
	scope.Find(`[itemprop="image"]`).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "content", "href"} {
			if v, ok := s.Attr(attr); ok && v != "" {
				c.images = append(c.images, v)
				return
			}
		}
	})
	return c, true
}

func fromOpenGraph(doc *goquery.Document) (candidate, bool) {
	meta := func(keys ...string) string {
		for _, k := range keys {
			sel := doc.Find(`meta[property="` + k + `"], meta[name="` + k + `"]`).First()
			if v, ok := sel.Attr("content"); ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		return ""
	}
	c := candidate{
		title:       meta("og:title", "twitter:title"),
		description: meta("og:description", "twitter:description"),
		vendor:      meta("product:brand", "og:brand"),
		price:       meta("product:price:amount", "og:price:amount"),
		currency:    meta("product:price:currency", "og:price:currency"),
	}
	doc.Find(`meta[property="og:image"], meta[property="og:image:secure_url"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok {
			c.images = append(c.images, v)
		}
	})
	isProduct := strings.Contains(strings.ToLower(meta("og:type")), "product") || c.price != ""
	return c, isProduct
}

func fromDOM(doc *goquery.Document) candidate {
	c := candidate{title: doc.Find("h1").First().Text()}
	if c.title == "" {
		c.title = doc.Find("title").First().Text()
	}
	if v, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		c.description = v
	}
	doc.Find(`[class*="price"], [id*="price"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if p := NormalizePrice(s.Text()); p != "" {
			c.price = p
			return false
		}
		return true
	})
	doc.Find(`[class*="product"] img, [id*="product"] img, main img`).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "data-src"} {
			if v, ok := s.Attr(attr); ok && v != "" {
				c.images = append(c.images, v)
				return
			}
		}
	})
	return c
}
