// Package fetcher defines the page retrieval contract shared by the static
// (Colly) and rendered (chromedp) fetchers used by the scraper.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrNotHTML is returned when a page answers with a body that is not a
// document the scraper can parse.
var ErrNotHTML = errors.New("response is not an html document")

// Request describes one page retrieval.
type Request struct {
	URL     string
	Headers http.Header
}

// Response is a retrieved page.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// Fetcher retrieves pages.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a non-2xx response. Response carries whatever the server
// returned so callers can classify it.
type StatusError struct {
	Response Response
	Err      error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return http.StatusText(e.Response.StatusCode) + ": " + e.Err.Error()
	}
	return http.StatusText(e.Response.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }
