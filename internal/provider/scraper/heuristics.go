package scraper

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/product-automation/internal/automation"
)

var productIndicators = []string{
	"add to cart", "buy now", "add to bag", "purchase",
	"in stock", "out of stock", "price", "sku",
	"$", "£", "€",
	"quantity", "size", "color", "variant",
}

var listingPaths = []string{"/category/", "/categories/", "/collection/", "/collections/", "/search", "/blog/"}

var listingPhrases = []string{"all products", "shop all", "view all"}

// LooksLikeProductPage applies the commerce keyword heuristic to a page. Listing
// URLs are rejected unless they also name a product path; otherwise at least
// two commerce indicators must appear in the text.
func LooksLikeProductPage(pageURL, text string) bool {
	lowerURL := strings.ToLower(pageURL)
	productPath := strings.Contains(lowerURL, "/products/") || strings.Contains(lowerURL, "/product/")
	if !productPath {
		for _, p := range listingPaths {
			if strings.Contains(lowerURL, p) {
				return false
			}
		}
	}
	lowerText := strings.ToLower(text)
	if !productPath {
		for _, p := range listingPhrases {
			if strings.Contains(lowerText, p) {
				return false
			}
		}
	}
	hits := 0
	for _, ind := range productIndicators {
		if strings.Contains(lowerText, ind) {
			hits++
		}
	}
	return hits >= 2
}

var invalidTitles = map[string]struct{}{
	"item added to your cart": {},
	"added to cart":           {},
	"cart":                    {},
	"checkout":                {},
	"shopping cart":           {},
	"your cart":               {},
	"view cart":               {},
	"continue shopping":       {},
	"home":                    {},
	"shop":                    {},
	"products":                {},
	"categories":              {},
	"search":                  {},
	"404":                     {},
	"page not found":          {},
	"access denied":           {},
}

// ValidTitle rejects empty titles and navigation or cart chrome that scrapers
// sometimes pick up instead of the product name.
func ValidTitle(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return false
	}
	_, bad := invalidTitles[t]
	return !bad
}

var unsupportedImageExt = map[string]struct{}{
	".svg": {}, ".webp": {}, ".ico": {}, ".gif": {},
}

// FilterImages resolves image references against base, drops data URIs and
// formats the storefront and image model cannot use, and removes duplicates.
// Positions are renumbered from 1.
func FilterImages(base *url.URL, srcs []string) []automation.ProductImage {
	seen := make(map[string]struct{}, len(srcs))
	out := make([]automation.ProductImage, 0, len(srcs))
	for _, raw := range srcs {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		if _, bad := unsupportedImageExt[strings.ToLower(path.Ext(u.Path))]; bad {
			continue
		}
		abs := u.String()
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, automation.ProductImage{Src: abs, Position: len(out) + 1})
	}
	return out
}

// DefaultVariant is used when a page exposes no variants.
func DefaultVariant(price string) automation.ProductVariant {
	if price == "" {
		price = "0.00"
	}
	return automation.ProductVariant{Title: "Default", Price: price, Option1: "Default"}
}

var priceDigits = regexp.MustCompile(`[0-9][0-9.,\s]*`)

// NormalizePrice turns a displayed price ("$1,299.00", "12,50 €") into a
// two-decimal string. It returns "" when no number is present.
func NormalizePrice(raw string) string {
	m := priceDigits.FindString(raw)
	if m == "" {
		return ""
	}
	m = strings.Join(strings.Fields(m), "")
	m = strings.TrimRight(m, ".,")
	switch {
	case strings.Contains(m, ",") && strings.Contains(m, "."):
		if strings.LastIndex(m, ",") > strings.LastIndex(m, ".") {
			// 1.299,00
			m = strings.ReplaceAll(m, ".", "")
			m = strings.Replace(m, ",", ".", 1)
		} else {
			m = strings.ReplaceAll(m, ",", "")
		}
	case strings.Contains(m, ","):
		if i := strings.LastIndex(m, ","); len(m)-i-1 == 2 && strings.Count(m, ",") == 1 {
			m = m[:i] + "." + m[i+1:]
		} else {
			m = strings.ReplaceAll(m, ",", "")
		}
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
