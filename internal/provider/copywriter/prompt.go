package copywriter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/product-automation/internal/automation"
)

const systemPrompt = `You are an e-commerce copywriter. Answer with a single JSON object and nothing else.
Fields: "title" (product name, max 255 chars), "seo_title" (max 70 chars), "body_html" (2-4 short
HTML paragraphs or a <ul> of features, no <html>/<body> wrappers), "tags" (5-15 lowercase search
tags), "product_type" (one short category).
Do not invent specifications, certifications or prices that are not in the source data.`

type promptProduct struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Vendor      string   `json:"vendor,omitempty"`
	ProductType string   `json:"product_type,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Price       string   `json:"price,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	Variants    []string `json:"variants,omitempty"`
}

func buildPrompt(p automation.ProductData) (string, error) {
	if strings.TrimSpace(p.Title) == "" {
		return "", fmt.Errorf("product from %s has no title", p.SourceURL)
	}
	in := promptProduct{
		Title:       p.Title,
		Description: p.Description,
		Vendor:      p.Vendor,
		ProductType: p.ProductType,
		Tags:        p.Tags,
		Price:       p.Price,
		Currency:    p.Currency,
	}
	for _, v := range p.Variants {
		if v.Title != "" && v.Title != "Default" {
			in.Variants = append(in.Variants, v.Title)
		}
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode product: %w", err)
	}
	return "Write storefront copy for this product:\n" + string(data), nil
}
