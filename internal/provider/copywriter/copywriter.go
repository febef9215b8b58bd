// Package copywriter generates storefront marketing copy with an LLM backend.
package copywriter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/provider"
)

// Backend sends one prompt to a model and returns its raw JSON answer.
// Implementations classify their own failures as automation.ProviderError.
type Backend interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Generator implements automation.CopyGenerator.
type Generator struct {
	caller  *provider.Caller
	backend Backend
	logger  *zap.Logger
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

// New builds a Generator.
func New(caller *provider.Caller, backend Backend, opts ...Option) (*Generator, error) {
	if caller == nil || backend == nil {
		return nil, errors.New("copywriter: caller and backend are required")
	}
	g := &Generator{caller: caller, backend: backend, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type copyResponse struct {
	Title       string   `json:"title"`
	SEOTitle    string   `json:"seo_title"`
	BodyHTML    string   `json:"body_html"`
	Tags        []string `json:"tags"`
	ProductType string   `json:"product_type"`
}

// Generate implements automation.CopyGenerator. A response that is not valid
// JSON or does not match the copy schema is retried as a transient failure.
func (g *Generator) Generate(ctx context.Context, product automation.ProductData) (automation.ProductCopy, error) {
	name := g.caller.Name()
	prompt, err := buildPrompt(product)
	if err != nil {
		return automation.ProductCopy{}, automation.Permanent(name, automation.ReasonInvalidInput, err)
	}

	var out automation.ProductCopy
	attempts, err := g.caller.CallCounted(ctx, func(ctx context.Context) error {
		raw, err := g.backend.Complete(ctx, systemPrompt, prompt)
		if err != nil {
			return err
		}
		parsed, err := parseCopy(raw)
		if err != nil {
			return automation.Transient(name, automation.ReasonBadResponse, err)
		}
		out = parsed
		return nil
	})
	if err != nil {
		return automation.ProductCopy{}, err
	}

	if out.ProductType == "" {
		out.ProductType = product.ProductType
	}
	out.Tags = normalizeTags(out.Tags)
	g.logger.Debug("copy generated",
		logging.Provider(name),
		zap.String("url", product.SourceURL),
		zap.Int("attempts", attempts),
		zap.Int("tags", len(out.Tags)),
	)
	return out, nil
}

func parseCopy(raw string) (automation.ProductCopy, error) {
	raw = cleanJSONBlock(raw)
	if err := validateCopyJSON(raw); err != nil {
		return automation.ProductCopy{}, err
	}
	var resp copyResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return automation.ProductCopy{}, fmt.Errorf("decode copy: %w", err)
	}
	return automation.ProductCopy{
		Title:       strings.TrimSpace(resp.Title),
		SEOTitle:    strings.TrimSpace(resp.SEOTitle),
		BodyHTML:    strings.TrimSpace(resp.BodyHTML),
		Tags:        resp.Tags,
		ProductType: strings.TrimSpace(resp.ProductType),
	}, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// cleanJSONBlock strips markdown fences some models wrap around JSON.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
