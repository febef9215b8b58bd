// Package collyfetcher implements fetcher.Fetcher with gocolly. It issues a
// single GET per call, which is what the scraper needs for product pages;
// link discovery is left to whoever produced the source refs.
package collyfetcher

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/product-automation/internal/fetcher"
)

const (
	defaultAccept         = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5"
	defaultAcceptLanguage = "en-US,en;q=0.8"
	defaultMaxBody        = 8 << 20
	defaultMaxRedirects   = 5
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	RespectRobots  bool
	Timeout        time.Duration
	// MaxBodySize caps the bytes read from a page. Colly truncates beyond it.
	MaxBodySize  int
	MaxRedirects int
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Fetcher performs single static GETs through a cloned Colly collector.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBody
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = defaultAcceptLanguage
	}
	if cfg.Transport == nil {
		cfg.Transport = newHTTPTransport()
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	c.WithTransport(cfg.Transport)
	limit := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	})
	return &Fetcher{cfg: cfg, base: c}
}

// Fetch executes one GET. Non-2xx responses come back as *fetcher.StatusError
// and bodies that are not HTML as fetcher.ErrNotHTML.
func (f *Fetcher) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Response, error) {
	v := &visit{headers: req.Headers, acceptLanguage: f.cfg.AcceptLanguage, start: time.Now()}
	collector := f.collectorFor(v)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(req.URL)
	}()
	select {
	case <-ctx.Done():
		return fetcher.Response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		return v.outcome(err)
	}
}

func (f *Fetcher) collectorFor(v *visit) *colly.Collector {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.DetectCharset = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.OnRequest(v.onRequest)
	collector.OnResponse(v.onResponse)
	collector.OnError(v.onError)
	return collector
}

// visit accumulates the callbacks of one collector run. Colly invokes them
// synchronously on the visiting goroutine.
type visit struct {
	headers        http.Header
	acceptLanguage string
	start          time.Time

	resp fetcher.Response
	err  error
}

func (v *visit) onRequest(r *colly.Request) {
	r.Headers.Set("Accept", defaultAccept)
	r.Headers.Set("Accept-Language", v.acceptLanguage)
	for key, values := range v.headers {
		r.Headers.Del(key)
		for _, val := range values {
			r.Headers.Add(key, val)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	v.resp = toResponse(r, v.start)
}

func (v *visit) onError(r *colly.Response, err error) {
	v.err = err
	if r != nil && r.StatusCode != 0 {
		v.resp = toResponse(r, v.start)
	}
}

func (v *visit) outcome(visitErr error) (fetcher.Response, error) {
	switch {
	case v.err != nil && v.resp.StatusCode != 0:
		return fetcher.Response{}, &fetcher.StatusError{Response: v.resp, Err: v.err}
	case v.err != nil:
		return fetcher.Response{}, fmt.Errorf("colly response failed: %w", v.err)
	case visitErr != nil:
		return fetcher.Response{}, fmt.Errorf("colly visit failed: %w", visitErr)
	}
	if !isHTML(v.resp) {
		return fetcher.Response{}, fmt.Errorf("%s (%s): %w",
			v.resp.URL, v.resp.Headers.Get("Content-Type"), fetcher.ErrNotHTML)
	}
	return v.resp, nil
}

func isHTML(resp fetcher.Response) bool {
	ct := resp.Headers.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(resp.Body)
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func toResponse(r *colly.Response, start time.Time) fetcher.Response {
	resp := fetcher.Response{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
		Headers:    http.Header{},
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
