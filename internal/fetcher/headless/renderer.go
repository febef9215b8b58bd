// Package headless renders JavaScript-heavy product pages with chromedp.
//
// Storefront themes often hydrate price, variant pickers and the image gallery
// client side, so the static fetch sees an empty shell. The renderer loads the
// page without downloading images or media, scrolls once so lazy galleries
// attach their src attributes, and waits briefly for a product marker before
// capturing the DOM.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/product-automation/internal/fetcher"
)

const (
	defaultNavTimeout   = 45 * time.Second
	defaultMarkerWait   = 3 * time.Second
	defaultSettleDelay  = 500 * time.Millisecond
	defaultViewportW    = 1366
	defaultViewportH    = 900
	scrollToBottomJS    = `window.scrollTo(0, document.body.scrollHeight); true`
	productMarkersQuery = `script[type="application/ld+json"], [itemprop="price"], meta[property="product:price:amount"], form[action*="/cart/add"]`
)

// blockedResources are URL patterns the renderer never downloads. Image URLs
// are still present in the DOM; only the bytes are skipped.
var blockedResources = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.avif", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf",
	"*.mp4", "*.webm", "*.m3u8",
	"*google-analytics.com*", "*googletagmanager.com*", "*doubleclick.net*", "*facebook.net*",
}

// Config controls the renderer.
type Config struct {
	// MaxParallel bounds concurrently open tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// MarkerWait is how long to wait for a product marker after load. Pages
	// without one are captured anyway.
	MarkerWait  time.Duration
	SettleDelay time.Duration
	// KeepAssets disables resource blocking.
	KeepAssets bool
}

// Fetcher implements fetcher.Fetcher with headless Chrome.
type Fetcher struct {
	cfg         Config
	tabs        chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a renderer. Chrome itself starts lazily on the first
// Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	cfg = withDefaults(cfg)
	var tabs chan struct{}
	if cfg.MaxParallel > 0 {
		tabs = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(defaultViewportW, defaultViewportH),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		tabs:        tabs,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.MarkerWait <= 0 {
		cfg.MarkerWait = defaultMarkerWait
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	return cfg
}

// Close shuts Chrome down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders request.URL and returns the hydrated DOM.
func (f *Fetcher) Fetch(ctx context.Context, request fetcher.Request) (fetcher.Response, error) {
	if err := f.acquireTab(ctx); err != nil {
		return fetcher.Response{}, err
	}
	defer f.releaseTab()

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	// Cancel the tab when the caller gives up, not only on our own deadline.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	page, err := f.render(tabCtx, request)
	if err != nil {
		if ctx.Err() != nil {
			return fetcher.Response{}, fmt.Errorf("render %s: %w", request.URL, ctx.Err())
		}
		return fetcher.Response{}, fmt.Errorf("render %s: %w", request.URL, err)
	}

	status, headers, docURL := doc.result()
	resp := fetcher.Response{
		URL:        firstNonEmpty(page.location, docURL, request.URL),
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(page.html),
		Duration:   time.Since(start),
		Rendered:   true,
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fetcher.Response{}, &fetcher.StatusError{Response: resp}
	}
	return resp, nil
}

type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) render(ctx context.Context, request fetcher.Request) (renderedPage, error) {
	var page renderedPage
	err := chromedp.Run(ctx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(scrollToBottomJS, nil),
		f.waitForProduct(),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if !f.cfg.KeepAssets {
			if err := network.SetBlockedURLs(blockedResources).Do(ctx); err != nil {
				return fmt.Errorf("block assets: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// waitForProduct waits up to MarkerWait for a product marker. Timing out is
// not an error.
func (f *Fetcher) waitForProduct() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, f.cfg.MarkerWait)
		defer cancel()
		err := chromedp.WaitReady(productMarkersQuery, chromedp.ByQuery).Do(waitCtx)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
}

func (f *Fetcher) acquireTab(ctx context.Context) error {
	if f.tabs == nil {
		return nil
	}
	select {
	case f.tabs <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for headless tab: %w", ctx.Err())
	}
}

func (f *Fetcher) releaseTab() {
	if f.tabs != nil {
		<-f.tabs
	}
}

// documentResponse keeps the status and headers of the main document. The
// last document response wins, so redirects report their final hop.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := make(http.Header, len(e.Response.Headers))
	for key, value := range e.Response.Headers {
		// Chrome folds repeated headers into one newline-separated value.
		for _, v := range strings.Split(fmt.Sprint(value), "\n") {
			headers.Add(key, v)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.headers = headers
	d.url = e.Response.URL
}

// result returns the captured document response, assuming 200 when no
// document event arrived (pages served from cache).
func (d *documentResponse) result() (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, d.url
}

func networkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		if len(values) > 0 {
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
