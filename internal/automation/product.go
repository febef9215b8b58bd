package automation

// ProductData is the structured product extracted by the scraper.
type ProductData struct {
	SourceURL   string           `json:"source_url" validate:"required"`
	Title       string           `json:"title" validate:"required"`
	BodyHTML    string           `json:"body_html"`
	Description string           `json:"description"`
	Vendor      string           `json:"vendor,omitempty"`
	ProductType string           `json:"product_type,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Price       string           `json:"price"`
	Currency    string           `json:"currency,omitempty"`
	Variants    []ProductVariant `json:"variants" validate:"min=1,dive"`
	Images      []ProductImage   `json:"images,omitempty" validate:"dive"`
	Options     []ProductOption  `json:"options,omitempty"`
}

// ProductVariant mirrors a storefront variant.
type ProductVariant struct {
	Title          string `json:"title" validate:"required"`
	Price          string `json:"price" validate:"required"`
	CompareAtPrice string `json:"compare_at_price,omitempty"`
	SKU            string `json:"sku,omitempty"`
	Option1        string `json:"option1,omitempty"`
	Option2        string `json:"option2,omitempty"`
	Option3        string `json:"option3,omitempty"`
}

// ProductImage references a source image.
type ProductImage struct {
	Src      string `json:"src" validate:"required,url"`
	Position int    `json:"position"`
}

// ProductOption names a variant dimension.
type ProductOption struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// ProductCopy is the generated marketing copy.
type ProductCopy struct {
	Title       string   `json:"title"`
	SEOTitle    string   `json:"seo_title,omitempty"`
	BodyHTML    string   `json:"body_html"`
	Tags        []string `json:"tags"`
	ProductType string   `json:"product_type,omitempty"`
}

// ImageRef points at a generated image asset.
type ImageRef struct {
	Variation   string `json:"variation"`
	URI         string `json:"uri"`
	PublicURL   string `json:"public_url,omitempty"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
}

// ImageSet holds every generated image for a product.
type ImageSet struct {
	Scenario string     `json:"scenario"`
	Images   []ImageRef `json:"images"`
}

// Publication confirms a storefront publish.
type Publication struct {
	ProductID string `json:"product_id"`
	Handle    string `json:"handle,omitempty"`
	AdminURL  string `json:"admin_url,omitempty"`
	Status    string `json:"status,omitempty"`
}
