// Package detector decides when a statically fetched page needs a headless
// render before product extraction.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/product-automation/internal/fetcher"
)

// Heuristic flags JavaScript shells: empty bodies, small script-dominated
// documents and known single-page-app mount points.
type Heuristic struct {
	BodyLengthThreshold int
	// ScriptCoveragePct is the share of the document inside <script> tags that
	// marks a small page as a shell.
	ScriptCoveragePct int
}

// NewHeuristic creates a detector; threshold 0 selects 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, ScriptCoveragePct: 25}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
	[]byte(`id="__nuxt"`),
}

// productMarkers indicate the static HTML already carries structured product data.
var productMarkers = [][]byte{
	[]byte("application/ld+json"),
	[]byte(`property="og:type" content="product"`),
	[]byte(`itemtype="http://schema.org/product"`),
	[]byte(`itemtype="https://schema.org/product"`),
}

// ShouldPromote reports whether resp should be rendered headlessly.
func (h *Heuristic) ShouldPromote(resp fetcher.Response) bool {
	if resp.StatusCode != http.StatusOK || resp.Rendered {
		return false
	}
	body := bytes.ToLower(resp.Body)
	if len(body) == 0 {
		return true
	}
	for _, m := range productMarkers {
		if bytes.Contains(body, m) {
			return false
		}
	}
	if len(body) < h.BodyLengthThreshold && scriptCoverage(body)*100 >= h.ScriptCoveragePct*len(body) {
		return true
	}
	for _, m := range spaMarkers {
		if bytes.Contains(body, bytes.ToLower(m)) {
			return true
		}
	}
	return false
}

// scriptCoverage counts the bytes of body that sit inside script elements.
// Unterminated tags count to the end of the document.
func scriptCoverage(body []byte) int {
	var (
		open    = []byte("<script")
		closing = []byte("</script>")
		covered int
		pos     int
	)
	for pos < len(body) {
		start := bytes.Index(body[pos:], open)
		if start < 0 {
			break
		}
		start += pos
		end := bytes.Index(body[start:], closing)
		if end < 0 {
			covered += len(body) - start
			break
		}
		end = start + end + len(closing)
		covered += end - start
		pos = end
	}
	return covered
}
