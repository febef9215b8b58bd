package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/fetcher"
	collyfetcher "github.com/JakeFAU/product-automation/internal/fetcher/colly"
	"github.com/JakeFAU/product-automation/internal/headless/detector"
	"github.com/JakeFAU/product-automation/internal/provider"
)

type stubFetcher struct {
	mu    sync.Mutex
	resp  fetcher.Response
	err   error
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return fetcher.Response{}, f.err
	}
	resp := f.resp
	resp.URL = req.URL
	return resp, nil
}

type hostRecorder struct{ urls []string }

func (h *hostRecorder) Wait(_ context.Context, rawURL string) error {
	h.urls = append(h.urls, rawURL)
	return nil
}

func newCaller() *provider.Caller {
	return provider.NewCaller(automation.ProviderScraper, nil,
		automation.NewRetryPolicy(2, time.Millisecond, time.Millisecond), time.Second,
		provider.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func TestScrapeOverHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(jsonLDPage))
	}))
	t.Cleanup(srv.Close)

	hosts := &hostRecorder{}
	s := New(newCaller(), collyfetcher.New(collyfetcher.Config{Timeout: time.Second}), WithHostLimiter(hosts))
	product, err := s.Scrape(context.Background(), srv.URL+"/products/oak")
	require.NoError(t, err)
	require.Equal(t, "Oak Lounge Chair", product.Title)
	require.Equal(t, srv.URL+"/products/oak", product.SourceURL)
	require.Equal(t, srv.URL+"/img/oak-1.jpg", product.Images[0].Src)
	require.Equal(t, []string{srv.URL + "/products/oak"}, hosts.urls)
}

func TestScrapeRejectsInvalidRef(t *testing.T) {
	t.Parallel()

	static := &stubFetcher{}
	s := New(newCaller(), static)
	_, err := s.Scrape(context.Background(), "not a url")
	require.True(t, automation.HasReason(err, automation.ReasonInvalidInput))
	require.True(t, automation.IsPermanent(err))
	require.Zero(t, static.calls)
}

func TestScrapeNoProductIsPermanent(t *testing.T) {
	t.Parallel()

	static := &stubFetcher{resp: fetcher.Response{StatusCode: 200, Body: []byte(
		`<html><head><title>Shopping Cart</title></head><body><h1>Shopping Cart</h1></body></html>`)}}
	s := New(newCaller(), static)
	_, err := s.Scrape(context.Background(), "https://shop.example/cart")
	require.True(t, automation.HasReason(err, automation.ReasonNoProduct))
	require.Equal(t, 1, static.calls)
}

func TestScrapeRequireProductHint(t *testing.T) {
	t.Parallel()

	page := `<html><body><h1>Big Mug</h1><p>$12.00 Add to cart</p></body></html>`
	static := &stubFetcher{resp: fetcher.Response{StatusCode: 200, Body: []byte(page)}}

	_, err := New(newCaller(), static).Scrape(context.Background(), "https://mugs.example/big")
	require.NoError(t, err)

	_, err = New(newCaller(), static, WithRequireProductHint(true)).Scrape(context.Background(), "https://mugs.example/big")
	require.True(t, automation.HasReason(err, automation.ReasonNoProduct))
}

func TestScrapeStatusErrorsAreClassified(t *testing.T) {
	t.Parallel()

	notFound := &stubFetcher{err: &fetcher.StatusError{Response: fetcher.Response{StatusCode: http.StatusNotFound}}}
	_, err := New(newCaller(), notFound).Scrape(context.Background(), "https://shop.example/gone")
	require.True(t, automation.HasReason(err, automation.ReasonNotFound))
	require.Equal(t, 1, notFound.calls)

	unavailable := &stubFetcher{err: &fetcher.StatusError{Response: fetcher.Response{StatusCode: http.StatusServiceUnavailable}}}
	_, err = New(newCaller(), unavailable).Scrape(context.Background(), "https://shop.example/busy")
	require.True(t, automation.HasReason(err, automation.ReasonUnavailable))
	require.Equal(t, 2, unavailable.calls)

	var perr *automation.ProviderError
	require.True(t, errors.As(err, &perr))
	require.True(t, perr.Exhausted)
}

func TestScrapePromotesShellToRenderer(t *testing.T) {
	t.Parallel()

	static := &stubFetcher{resp: fetcher.Response{StatusCode: 200, Body: []byte(`<html><body><div id="__next"></div></body></html>`)}}
	renderer := &stubFetcher{resp: fetcher.Response{StatusCode: 200, Rendered: true, Body: []byte(openGraphPage)}}
	s := New(newCaller(), static, WithRenderer(renderer, detector.NewHeuristic(0)))

	product, err := s.Scrape(context.Background(), "https://lamps.example/desk")
	require.NoError(t, err)
	require.Equal(t, "Desk Lamp", product.Title)
	require.Equal(t, 1, renderer.calls)
}

func TestScrapeFallsBackToStaticWhenRenderFails(t *testing.T) {
	t.Parallel()

	page := `<html><body><div id="__next"></div><h1>Desk Lamp</h1><p>$59.99 Add to cart</p></body></html>`
	static := &stubFetcher{resp: fetcher.Response{StatusCode: 200, Body: []byte(page)}}
	renderer := &stubFetcher{err: errors.New("chrome crashed")}
	s := New(newCaller(), static, WithRenderer(renderer, detector.NewHeuristic(0)))

	product, err := s.Scrape(context.Background(), "https://lamps.example/desk")
	require.NoError(t, err)
	require.Equal(t, "Desk Lamp", product.Title)
}
