// Package imagegen renders product imagery through a SeeDream-style
// /images/generations API and stores the results in a BlobStore.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/hash/sha256"
	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/provider"
)

const maxImageBytes = 32 << 20

// Config configures the image provider and where results are written.
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Size          string
	MaxReferences int
	// Prefix is the object path prefix inside the blob store.
	Prefix string
	// PublicBaseURL, when set, is joined with the object path to form the
	// URL the storefront downloads the image from.
	PublicBaseURL string
	HTTPClient    *http.Client
}

// Generator implements automation.ImageGenerator.
type Generator struct {
	cfg    Config
	caller *provider.Caller
	store  automation.BlobStore
	hasher automation.Hasher
	client *http.Client
	logger *zap.Logger
}

// Option customises a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithHasher overrides the content hasher.
func WithHasher(h automation.Hasher) Option {
	return func(g *Generator) {
		if h != nil {
			g.hasher = h
		}
	}
}

// New builds a Generator.
func New(caller *provider.Caller, store automation.BlobStore, cfg Config, opts ...Option) (*Generator, error) {
	if caller == nil || store == nil {
		return nil, errors.New("imagegen: caller and blob store are required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("imagegen: endpoint is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("imagegen: model is required")
	}
	if cfg.Size == "" {
		cfg.Size = "2K"
	}
	if cfg.MaxReferences == 0 {
		cfg.MaxReferences = 3
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "images"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	g := &Generator{
		cfg:    cfg,
		caller: caller,
		store:  store,
		hasher: sha256.New(),
		client: client,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate implements automation.ImageGenerator. Both variations must succeed
// for the stage to succeed.
func (g *Generator) Generate(ctx context.Context, product automation.ProductData, cp automation.ProductCopy) (automation.ImageSet, error) {
	title := cp.Title
	if title == "" {
		title = product.Title
	}
	if strings.TrimSpace(title) == "" {
		return automation.ImageSet{}, automation.Permanent(g.caller.Name(), automation.ReasonInvalidInput,
			errors.New("product has no title to prompt with"))
	}
	productType := cp.ProductType
	if productType == "" {
		productType = product.ProductType
	}
	scenario := DetectScenario(title, productType)
	refs := g.loadReferences(ctx, product.Images, g.cfg.MaxReferences)
	if len(product.Images) > 0 && len(refs) == 0 {
		g.logger.Warn("no usable reference images, generating from text only",
			logging.Provider(g.caller.Name()), zap.String("url", product.SourceURL))
	}

	set := automation.ImageSet{Scenario: string(scenario)}
	for _, variation := range Variations {
		prompt := buildPrompt(variation, scenario, title, len(refs))
		ref, err := g.generateOne(ctx, variation, prompt, refs)
		if err != nil {
			return automation.ImageSet{}, err
		}
		set.Images = append(set.Images, ref)
	}
	g.logger.Debug("images generated",
		logging.Provider(g.caller.Name()),
		zap.String("scenario", set.Scenario),
		zap.Int("references", len(refs)),
	)
	return set, nil
}

type generationRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	Image          []string `json:"image,omitempty"`
	Size           string   `json:"size"`
	ResponseFormat string   `json:"response_format"`
	Watermark      bool     `json:"watermark"`
}

type generatedImage struct {
	B64JSON string `json:"b64_json"`
	URL     string `json:"url"`
}

type generationResponse struct {
	Data   []generatedImage  `json:"data"`
	Images []json.RawMessage `json:"images"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *Generator) generateOne(ctx context.Context, variation, prompt string, refs []string) (automation.ImageRef, error) {
	var (
		img       []byte
		remoteURL string
	)
	err := g.caller.Call(ctx, func(ctx context.Context) error {
		var callErr error
		img, remoteURL, callErr = g.request(ctx, generationRequest{
			Model:          g.cfg.Model,
			Prompt:         prompt,
			Image:          refs,
			Size:           g.cfg.Size,
			ResponseFormat: "b64_json",
		})
		return callErr
	})
	if err != nil {
		return automation.ImageRef{}, err
	}
	return g.persist(ctx, variation, img, remoteURL)
}

// request returns the image bytes and, when the provider answered with a
// link, the link itself.
func (g *Generator) request(ctx context.Context, body generationRequest) ([]byte, string, error) {
	name := g.caller.Name()
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", automation.Permanent(name, automation.ReasonInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return nil, "", automation.Permanent(name, automation.ReasonInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, "", provider.Transport(name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes*2))
	if err != nil {
		return nil, "", provider.Transport(name, err)
	}

	var parsed generationResponse
	decodeErr := json.Unmarshal(data, &parsed)
	if resp.StatusCode >= http.StatusBadRequest {
		if decodeErr == nil && parsed.Error != nil && isSensitive(parsed.Error.Code+" "+parsed.Error.Message) {
			return nil, "", automation.Permanent(name, automation.ReasonContentPolicy,
				errors.New(parsed.Error.Message)).WithStatus(resp.StatusCode)
		}
		return nil, "", provider.ClassifyStatus(name, resp.StatusCode, string(data))
	}
	if decodeErr != nil {
		return nil, "", automation.Transient(name, automation.ReasonBadResponse, fmt.Errorf("decode generation response: %w", decodeErr))
	}

	for _, d := range parsed.Data {
		switch {
		case d.B64JSON != "":
			img, err := decodeBase64(name, d.B64JSON)
			return img, "", err
		case d.URL != "":
			img, err := g.download(ctx, d.URL)
			return img, d.URL, err
		}
	}
	for _, raw := range parsed.Images {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			img, err := decodeBase64(name, s)
			return img, "", err
		}
		var d generatedImage
		if json.Unmarshal(raw, &d) == nil && d.B64JSON != "" {
			img, err := decodeBase64(name, d.B64JSON)
			return img, "", err
		}
	}
	return nil, "", automation.Transient(name, automation.ReasonBadResponse, errors.New("no image in generation response"))
}

func (g *Generator) download(ctx context.Context, rawURL string) ([]byte, error) {
	name := g.caller.Name()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, automation.Transient(name, automation.ReasonBadResponse, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, provider.Transport(name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if perr := provider.ClassifyStatus(name, resp.StatusCode, ""); perr != nil {
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden {
			// Result links can lag behind the generation response.
			return nil, automation.Transient(name, automation.ReasonUnavailable, perr).WithStatus(resp.StatusCode)
		}
		return nil, perr
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, provider.Transport(name, err)
	}
	return data, nil
}

func decodeBase64(name, s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i > 0 {
		s = s[i+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, automation.Transient(name, automation.ReasonBadResponse, fmt.Errorf("decode image: %w", err))
	}
	return data, nil
}

// persist writes img under a content-addressed path. The public URL prefers
// the configured base URL and falls back to the provider's own link.
func (g *Generator) persist(ctx context.Context, variation string, img []byte, remoteURL string) (automation.ImageRef, error) {
	name := g.caller.Name()
	if len(img) == 0 {
		return automation.ImageRef{}, automation.Transient(name, automation.ReasonBadResponse, errors.New("empty image"))
	}
	contentType := http.DetectContentType(img)
	if !strings.HasPrefix(contentType, "image/") {
		return automation.ImageRef{}, automation.Transient(name, automation.ReasonBadResponse,
			fmt.Errorf("generated payload is %s", contentType))
	}
	digest, err := g.hasher.Hash(img)
	if err != nil {
		return automation.ImageRef{}, fmt.Errorf("hash image: %w", err)
	}
	objectPath := sha256.ObjectPath(g.cfg.Prefix, digest, extFor(contentType))
	uri, err := g.store.PutObject(ctx, objectPath, contentType, bytes.NewReader(img))
	if err != nil {
		return automation.ImageRef{}, fmt.Errorf("store %s image: %w", variation, err)
	}
	ref := automation.ImageRef{
		Variation:   variation,
		URI:         uri,
		ContentType: contentType,
		SHA256:      digest,
	}
	switch {
	case g.cfg.PublicBaseURL != "":
		ref.PublicURL = strings.TrimRight(g.cfg.PublicBaseURL, "/") + "/" + objectPath
	case remoteURL != "":
		ref.PublicURL = remoteURL
	}
	return ref, nil
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

func isSensitive(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "sensitive") || strings.Contains(s, "content_policy") ||
		strings.Contains(s, "content policy") || strings.Contains(s, "safety")
}
