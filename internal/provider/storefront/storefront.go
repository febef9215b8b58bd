// Package storefront publishes finished products through the Shopify Admin
// REST API.
package storefront

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/provider"
)

// Config configures the Admin API client.
type Config struct {
	// Endpoint is the shop base URL, e.g. https://example.myshopify.com.
	Endpoint    string
	AccessToken string
	APIVersion  string
	// Status is the product status on creation: draft or active.
	Status     string
	HTTPClient *http.Client
}

// Publisher implements automation.ProductPublisher.
type Publisher struct {
	cfg    Config
	caller *provider.Caller
	client *http.Client
	logger *zap.Logger
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New builds a Publisher.
func New(caller *provider.Caller, cfg Config, opts ...Option) (*Publisher, error) {
	if caller == nil {
		return nil, errors.New("storefront: caller is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("storefront: endpoint is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-01"
	}
	if cfg.Status == "" {
		cfg.Status = "draft"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	p := &Publisher{cfg: cfg, caller: caller, client: client, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type productImage struct {
	Src      string `json:"src"`
	Position int    `json:"position,omitempty"`
	Alt      string `json:"alt,omitempty"`
}

type metafield struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Type      string `json:"type"`
	Value     string `json:"value"`
}

type productPayload struct {
	Title       string                      `json:"title"`
	Handle      string                      `json:"handle,omitempty"`
	BodyHTML    string                      `json:"body_html"`
	Vendor      string                      `json:"vendor,omitempty"`
	ProductType string                      `json:"product_type,omitempty"`
	Tags        string                      `json:"tags,omitempty"`
	Status      string                      `json:"status"`
	Variants    []automation.ProductVariant `json:"variants"`
	Options     []automation.ProductOption  `json:"options,omitempty"`
	Images      []productImage              `json:"images,omitempty"`
	Metafields  []metafield                 `json:"metafields,omitempty"`
}

type shopProduct struct {
	ID     int64  `json:"id"`
	Handle string `json:"handle"`
	Status string `json:"status"`
}

type createResponse struct {
	Product shopProduct `json:"product"`
}

type listResponse struct {
	Products []shopProduct `json:"products"`
}

const (
	metafieldNamespace = "automation"
	metafieldKey       = "item_id"
	maxHandleLen       = 200
)

// Publish implements automation.ProductPublisher.
//
// When ctx carries an idempotency key the product gets a handle derived from
// it, and every attempt looks that handle up before creating. A create that
// timed out after the shop accepted it, or a reclaimed publishing stage, then
// returns the existing product instead of a second copy.
func (p *Publisher) Publish(ctx context.Context, product automation.ProductData, cp automation.ProductCopy, images automation.ImageSet) (automation.Publication, error) {
	key := provider.IdempotencyKey(ctx)
	payload := p.buildPayload(product, cp, images, key)
	body, err := json.Marshal(map[string]productPayload{"product": payload})
	if err != nil {
		return automation.Publication{}, automation.Permanent(p.caller.Name(), automation.ReasonInvalidInput, err)
	}

	var (
		published shopProduct
		reused    bool
	)
	err = p.caller.Call(ctx, func(ctx context.Context) error {
		if payload.Handle != "" {
			existing, found, err := p.findByHandle(ctx, payload.Handle)
			if err != nil {
				return err
			}
			if found {
				published, reused = existing, true
				return nil
			}
		}
		created, err := p.create(ctx, body)
		published = created.Product
		return err
	})
	if err != nil {
		return automation.Publication{}, err
	}

	id := strconv.FormatInt(published.ID, 10)
	pub := automation.Publication{
		ProductID: id,
		Handle:    published.Handle,
		AdminURL:  p.cfg.Endpoint + "/admin/products/" + id,
		Status:    published.Status,
	}
	msg := "product published"
	if reused {
		msg = "product already published, reusing it"
	}
	p.logger.Info(msg,
		logging.Provider(p.caller.Name()),
		zap.String("product_id", pub.ProductID),
		zap.String("handle", pub.Handle),
		zap.Int("images", len(payload.Images)),
	)
	return pub, nil
}

func (p *Publisher) buildPayload(product automation.ProductData, cp automation.ProductCopy, images automation.ImageSet, key string) productPayload {
	title := cp.Title
	if title == "" {
		title = product.Title
	}
	bodyHTML := cp.BodyHTML
	if bodyHTML == "" {
		bodyHTML = product.BodyHTML
	}
	productType := cp.ProductType
	if productType == "" {
		productType = product.ProductType
	}
	tags := cp.Tags
	if len(tags) == 0 {
		tags = product.Tags
	}
	out := productPayload{
		Title:       title,
		BodyHTML:    bodyHTML,
		Vendor:      product.Vendor,
		ProductType: productType,
		Tags:        strings.Join(tags, ", "),
		Status:      p.cfg.Status,
		Variants:    product.Variants,
		Options:     product.Options,
	}
	for _, img := range images.Images {
		if img.PublicURL == "" {
			p.logger.Warn("generated image has no public URL, not attached",
				logging.Provider(p.caller.Name()), zap.String("uri", img.URI))
			continue
		}
		out.Images = append(out.Images, productImage{
			Src:      img.PublicURL,
			Position: len(out.Images) + 1,
			Alt:      title,
		})
	}
	if len(out.Images) == 0 {
		for _, img := range product.Images {
			out.Images = append(out.Images, productImage{Src: img.Src, Position: len(out.Images) + 1, Alt: title})
		}
	}
	if key != "" {
		out.Handle = keyedHandle(title, key)
		out.Metafields = []metafield{{
			Namespace: metafieldNamespace,
			Key:       metafieldKey,
			Type:      "single_line_text_field",
			Value:     key,
		}}
	}
	return out
}

// keyedHandle slugs title and appends a short digest of key, so the handle is
// stable for one item and distinct between items sharing a title.
func keyedHandle(title, key string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	sum := sha256.Sum256([]byte(key))
	suffix := hex.EncodeToString(sum[:])[:10]
	if room := maxHandleLen - len(suffix) - 1; len(slug) > room {
		slug = strings.TrimSuffix(strings.ToValidUTF8(slug[:room], ""), "-")
	}
	if slug == "" {
		return "product-" + suffix
	}
	return slug + "-" + suffix
}

func (p *Publisher) findByHandle(ctx context.Context, handle string) (shopProduct, bool, error) {
	q := url.Values{}
	q.Set("handle", handle)
	q.Set("fields", "id,handle,status")
	endpoint := fmt.Sprintf("%s/admin/api/%s/products.json?%s", p.cfg.Endpoint, p.cfg.APIVersion, q.Encode())
	data, status, err := p.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return shopProduct{}, false, err
	}
	if perr := provider.ClassifyStatus(p.caller.Name(), status, string(data)); perr != nil {
		return shopProduct{}, false, perr
	}
	var list listResponse
	if err := json.Unmarshal(data, &list); err != nil {
		return shopProduct{}, false, automation.Permanent(p.caller.Name(), automation.ReasonBadResponse,
			fmt.Errorf("decode product lookup: %w", err))
	}
	for _, prod := range list.Products {
		if prod.Handle == handle && prod.ID != 0 {
			return prod, true, nil
		}
	}
	return shopProduct{}, false, nil
}

func (p *Publisher) create(ctx context.Context, body []byte) (createResponse, error) {
	name := p.caller.Name()
	endpoint := fmt.Sprintf("%s/admin/api/%s/products.json", p.cfg.Endpoint, p.cfg.APIVersion)
	data, status, err := p.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return createResponse{}, err
	}

	if status == http.StatusUnprocessableEntity && isDuplicate(data) {
		return createResponse{}, automation.Permanent(name, automation.ReasonConflict,
			fmt.Errorf("product already exists: %s", strings.TrimSpace(string(data)))).WithStatus(status)
	}
	if perr := provider.ClassifyStatus(name, status, string(data)); perr != nil {
		return createResponse{}, perr
	}

	var created createResponse
	if err := json.Unmarshal(data, &created); err != nil {
		return createResponse{}, automation.Permanent(name, automation.ReasonBadResponse,
			fmt.Errorf("decode product response: %w", err))
	}
	if created.Product.ID == 0 {
		return createResponse{}, automation.Permanent(name, automation.ReasonBadResponse,
			errors.New("product response has no id"))
	}
	return created, nil
}

// do sends one Admin API request and returns the capped response body.
func (p *Publisher) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, int, error) {
	name := p.caller.Name()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, automation.Permanent(name, automation.ReasonInvalidInput, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.AccessToken != "" {
		req.Header.Set("X-Shopify-Access-Token", p.cfg.AccessToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, provider.Transport(name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, provider.Transport(name, err)
	}
	return data, resp.StatusCode, nil
}

func isDuplicate(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "already") || strings.Contains(s, "taken")
}
