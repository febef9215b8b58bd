package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-automation/internal/fetcher"
)

func TestFetchReturnsProductPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "product-bot", r.Header.Get("User-Agent"))
		require.Equal(t, "yes", r.Header.Get("X-Trace"))
		require.Contains(t, r.Header.Get("Accept"), "text/html")
		require.Equal(t, "de-DE", r.Header.Get("Accept-Language"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><h1>Chair</h1></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "product-bot", AcceptLanguage: "de-DE", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), fetcher.Request{
		URL: srv.URL + "/p/chair", Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "Chair")
	require.Equal(t, srv.URL+"/p/chair", resp.URL)
	require.False(t, resp.Rendered)
}

func TestFetchFollowsRedirectToCanonicalURL(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/products/chair", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/products/chair", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>chair</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := New(Config{}).Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/old"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/products/chair", resp.URL)
}

func TestFetchStopsRedirectLoops(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	_, err := New(Config{MaxRedirects: 2}).Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/a"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "redirects")
}

func TestFetchRejectsNonHTML(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), fetcher.Request{URL: srv.URL + "/manual.pdf"})
	require.ErrorIs(t, err, fetcher.ErrNotHTML)
}

func TestFetchTruncatesLargeBodies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>" + strings.Repeat("a", 4096) + "</html>"))
	}))
	defer srv.Close()

	resp, err := New(Config{MaxBodySize: 1024}).Fetch(context.Background(), fetcher.Request{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, resp.Body, 1024)
}

func TestFetchSurfacesStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(Config{}).Fetch(context.Background(), fetcher.Request{URL: srv.URL})
	var statusErr *fetcher.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.Response.StatusCode)
	require.Equal(t, "7", statusErr.Response.Headers.Get("Retry-After"))
}

func TestFetchHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, fetcher.Request{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVisitRequestHeadersOverrideDefaults(t *testing.T) {
	t.Parallel()

	v := &visit{acceptLanguage: "en", headers: http.Header{"Accept": {"application/xhtml+xml"}}}
	req := &colly.Request{Headers: &http.Header{}}
	v.onRequest(req)
	require.Equal(t, "application/xhtml+xml", req.Headers.Get("Accept"))
	require.Equal(t, "en", req.Headers.Get("Accept-Language"))
}

func TestVisitOutcome(t *testing.T) {
	t.Parallel()

	v := &visit{start: time.Unix(0, 0)}
	v.onError(&colly.Response{
		StatusCode: http.StatusServiceUnavailable,
		Headers:    &http.Header{"Retry-After": {"5"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://shop.example/p/1")},
	}, errors.New("boom"))
	_, err := v.outcome(nil)
	var statusErr *fetcher.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, "5", statusErr.Response.Headers.Get("Retry-After"))

	_, err = (&visit{err: errors.New("dial tcp: refused")}).outcome(nil)
	require.EqualError(t, err, "colly response failed: dial tcp: refused")

	_, err = (&visit{}).outcome(errors.New("robots"))
	require.EqualError(t, err, "colly visit failed: robots")
}

func TestIsHTMLSniffsMissingContentType(t *testing.T) {
	t.Parallel()

	require.True(t, isHTML(fetcher.Response{Headers: http.Header{}, Body: []byte("<!DOCTYPE html><html></html>")}))
	require.False(t, isHTML(fetcher.Response{Headers: http.Header{}, Body: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}}))
	require.True(t, isHTML(fetcher.Response{Headers: http.Header{"Content-Type": {"application/xhtml+xml"}}}))
	require.False(t, isHTML(fetcher.Response{Headers: http.Header{"Content-Type": {"application/json"}}}))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
