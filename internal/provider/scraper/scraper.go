// Package scraper implements automation.Scraper on top of the static and
// rendered page fetchers.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/fetcher"
	"github.com/JakeFAU/product-automation/internal/headless/detector"
	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/provider"
)

// Scraper fetches a product page and extracts ProductData from it.
type Scraper struct {
	caller      *provider.Caller
	static      fetcher.Fetcher
	renderer    fetcher.Fetcher
	detector    *detector.Heuristic
	hosts       hostWaiter
	logger      *zap.Logger
	requireHint bool
}

type hostWaiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customises a Scraper.
type Option func(*Scraper)

// WithRenderer enables headless rendering for pages the detector flags and
// for static pages that yielded no product.
func WithRenderer(r fetcher.Fetcher, d *detector.Heuristic) Option {
	return func(s *Scraper) {
		s.renderer = r
		s.detector = d
	}
}

// WithHostLimiter spaces requests to the same source host.
func WithHostLimiter(h hostWaiter) Option {
	return func(s *Scraper) { s.hosts = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scraper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRequireProductHint rejects pages without structured product markup
// unless the commerce keyword heuristic also matches.
func WithRequireProductHint(on bool) Option {
	return func(s *Scraper) { s.requireHint = on }
}

// New builds a Scraper. caller carries the provider rate limit and retry
// policy; static performs plain GETs.
func New(caller *provider.Caller, static fetcher.Fetcher, opts ...Option) *Scraper {
	s := &Scraper{caller: caller, static: static, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scrape implements automation.Scraper.
func (s *Scraper) Scrape(ctx context.Context, ref string) (automation.ProductData, error) {
	name := s.caller.Name()
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return automation.ProductData{}, automation.Permanent(name, automation.ReasonInvalidInput,
			fmt.Errorf("source ref %q is not an http(s) URL", ref))
	}

	var resp fetcher.Response
	err = s.caller.Call(ctx, func(ctx context.Context) error {
		var ferr error
		resp, ferr = s.fetch(ctx, s.static, ref)
		return ferr
	})
	if err != nil {
		return automation.ProductData{}, err
	}

	rendered := false
	if s.renderer != nil && s.detector != nil && s.detector.ShouldPromote(resp) {
		if r, ok := s.render(ctx, ref); ok {
			resp, rendered = r, true
		}
	}

	ext, err := Extract(resp.URL, resp.Body)
	if err != nil {
		return automation.ProductData{}, automation.Permanent(name, automation.ReasonBadResponse, err)
	}
	if !s.accept(ext) && s.renderer != nil && !rendered && !resp.Rendered {
		// Static markup had nothing usable; some storefronts only hydrate
		// product data client-side.
		if r, ok := s.render(ctx, ref); ok {
			if again, err := Extract(r.URL, r.Body); err == nil {
				ext = again
			}
		}
	}
	if !s.accept(ext) {
		return automation.ProductData{}, automation.Permanent(name, automation.ReasonNoProduct,
			fmt.Errorf("no product found at %s", ref))
	}

	product := ext.Product
	product.SourceURL = ref
	if err := automation.ValidateProduct(product); err != nil {
		return automation.ProductData{}, automation.Permanent(name, automation.ReasonNoProduct, err)
	}
	s.logger.Debug("product extracted",
		logging.Provider(name),
		zap.String("url", ref),
		zap.String("title", product.Title),
		zap.Int("images", len(product.Images)),
		zap.Bool("structured", ext.Structured),
	)
	return product, nil
}

func (s *Scraper) accept(ext Extraction) bool {
	if !ValidTitle(ext.Product.Title) {
		return false
	}
	if ext.Structured {
		return true
	}
	if s.requireHint {
		return false
	}
	return LooksLikeProductPage(ext.Product.SourceURL, ext.Text)
}

func (s *Scraper) render(ctx context.Context, ref string) (fetcher.Response, bool) {
	var resp fetcher.Response
	err := s.caller.Call(ctx, func(ctx context.Context) error {
		var ferr error
		resp, ferr = s.fetch(ctx, s.renderer, ref)
		return ferr
	})
	if err != nil {
		s.logger.Warn("headless render failed, using static page",
			logging.Provider(s.caller.Name()), zap.String("url", ref), zap.Error(err))
		return fetcher.Response{}, false
	}
	return resp, true
}

func (s *Scraper) fetch(ctx context.Context, f fetcher.Fetcher, ref string) (fetcher.Response, error) {
	name := s.caller.Name()
	if s.hosts != nil {
		if err := s.hosts.Wait(ctx, ref); err != nil {
			return fetcher.Response{}, err
		}
	}
	resp, err := f.Fetch(ctx, fetcher.Request{URL: ref})
	if err == nil {
		if resp.URL == "" {
			resp.URL = ref
		}
		return resp, nil
	}
	if errors.Is(err, fetcher.ErrNotHTML) {
		return fetcher.Response{}, automation.Permanent(name, automation.ReasonBadResponse, err)
	}
	var statusErr *fetcher.StatusError
	if errors.As(err, &statusErr) && statusErr.Response.StatusCode > 0 {
		return fetcher.Response{}, provider.ClassifyStatus(name, statusErr.Response.StatusCode, string(statusErr.Response.Body))
	}
	return fetcher.Response{}, provider.Transport(name, err)
}
