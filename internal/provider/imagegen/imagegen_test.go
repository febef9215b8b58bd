package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/provider"
	"github.com/JakeFAU/product-automation/internal/storage/memory"
)

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: shade, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []generationRequest
	respond  func(n int, w http.ResponseWriter)
}

func newServer(t *testing.T, fp *fakeProvider, assets map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/images/generations", func(w http.ResponseWriter, r *http.Request) {
		var req generationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		fp.mu.Lock()
		fp.requests = append(fp.requests, req)
		n := len(fp.requests)
		fp.mu.Unlock()
		fp.respond(n, w)
	})
	mux.HandleFunc("/assets/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := assets[strings.TrimPrefix(r.URL.Path, "/assets/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(r.URL.Path, ".svg") {
			w.Header().Set("Content-Type", "image/svg+xml")
		}
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newGenerator(t *testing.T, srv *httptest.Server, store automation.BlobStore, publicBase string) *Generator {
	t.Helper()
	caller := provider.NewCaller(automation.ProviderImage, nil,
		automation.NewRetryPolicy(3, time.Millisecond, time.Millisecond), 5*time.Second,
		provider.WithSleep(func(context.Context, time.Duration) error { return nil }))
	g, err := New(caller, store, Config{
		Endpoint:      srv.URL + "/api/v3/",
		APIKey:        "key",
		Model:         "seedream-4-0",
		PublicBaseURL: publicBase,
	})
	require.NoError(t, err)
	return g
}

func TestGenerateStoresBothVariations(t *testing.T) {
	t.Parallel()

	first, second := pngBytes(t, 10), pngBytes(t, 200)
	fp := &fakeProvider{respond: func(n int, w http.ResponseWriter) {
		img := first
		if n > 1 {
			img = second
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(img)}},
		})
	}}
	ref := pngBytes(t, 99)
	srv := newServer(t, fp, map[string][]byte{
		"a.png": ref, "b.png": ref, "logo.svg": []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`),
		"c.png": ref, "d.png": ref,
	})
	store := memory.NewBlobStore()
	g := newGenerator(t, srv, store, "https://cdn.example/")

	product := automation.ProductData{
		SourceURL: "https://shop.example/products/oak",
		Title:     "Oak Garden Bench",
		Images: []automation.ProductImage{
			{Src: srv.URL + "/assets/a.png"},
			{Src: srv.URL + "/assets/logo.svg"},
			{Src: srv.URL + "/assets/missing.png"},
			{Src: srv.URL + "/assets/d.png"},
		},
	}
	set, err := g.Generate(context.Background(), product, automation.ProductCopy{Title: "Oak Garden Bench"})
	require.NoError(t, err)
	require.Equal(t, string(ScenarioLifestyle), set.Scenario)
	require.Len(t, set.Images, 2)
	require.Equal(t, VariationProductInUse, set.Images[0].Variation)
	require.Equal(t, VariationInstallation, set.Images[1].Variation)
	require.Equal(t, "image/png", set.Images[0].ContentType)
	require.NotEqual(t, set.Images[0].SHA256, set.Images[1].SHA256)
	require.True(t, strings.HasPrefix(set.Images[0].URI, "memory://images/"))
	require.True(t, strings.HasPrefix(set.Images[0].PublicURL, "https://cdn.example/images/"))
	require.Equal(t, 2, store.Len())

	// Only the first three images are considered; the SVG and the 404 are skipped.
	require.Len(t, fp.requests, 2)
	require.Len(t, fp.requests[0].Image, 1)
	require.True(t, strings.HasPrefix(fp.requests[0].Image[0], "data:image/png;base64,"))
	require.Equal(t, "seedream-4-0", fp.requests[0].Model)
	require.Equal(t, "b64_json", fp.requests[0].ResponseFormat)
	require.Contains(t, fp.requests[1].Prompt, "LIFESTYLE")
}

func TestGenerateDownloadsURLResult(t *testing.T) {
	t.Parallel()

	img := pngBytes(t, 42)
	var srvURL string
	fp := &fakeProvider{respond: func(_ int, w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"url": srvURL + "/assets/out.png"}},
		})
	}}
	srv := newServer(t, fp, map[string][]byte{"out.png": img})
	srvURL = srv.URL
	store := memory.NewBlobStore()
	g := newGenerator(t, srv, store, "")

	set, err := g.Generate(context.Background(),
		automation.ProductData{Title: "Steel Bollard", SourceURL: "https://x.example"}, automation.ProductCopy{})
	require.NoError(t, err)
	require.Equal(t, string(ScenarioIndustrial), set.Scenario)
	require.Equal(t, srv.URL+"/assets/out.png", set.Images[0].PublicURL)
	data, ct, ok := store.Object(strings.TrimPrefix(set.Images[0].URI, "memory://"))
	require.True(t, ok)
	require.Equal(t, "image/png", ct)
	require.Equal(t, img, data)
	require.Empty(t, fp.requests[0].Image)
}

func TestGenerateRetriesOverloadThenSucceeds(t *testing.T) {
	t.Parallel()

	img := pngBytes(t, 1)
	fp := &fakeProvider{respond: func(n int, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"images": []string{base64.StdEncoding.EncodeToString(img)}})
	}}
	srv := newServer(t, fp, nil)
	g := newGenerator(t, srv, memory.NewBlobStore(), "")

	set, err := g.Generate(context.Background(), automation.ProductData{Title: "Pallet Jack"}, automation.ProductCopy{})
	require.NoError(t, err)
	require.Len(t, set.Images, 2)
	require.Len(t, fp.requests, 3)
}

func TestGenerateSensitiveContentIsPermanent(t *testing.T) {
	t.Parallel()

	fp := &fakeProvider{respond: func(_ int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"InputTextSensitiveContentDetected","message":"sensitive"}}`))
	}}
	srv := newServer(t, fp, nil)
	g := newGenerator(t, srv, memory.NewBlobStore(), "")

	_, err := g.Generate(context.Background(), automation.ProductData{Title: "Knife"}, automation.ProductCopy{})
	require.True(t, automation.HasReason(err, automation.ReasonContentPolicy))
	require.True(t, automation.IsPermanent(err))
	require.Len(t, fp.requests, 1)
}

func TestGenerateInvalidPromptIsPermanent(t *testing.T) {
	t.Parallel()

	fp := &fakeProvider{respond: func(_ int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"InvalidParameter","message":"size"}}`))
	}}
	srv := newServer(t, fp, nil)
	g := newGenerator(t, srv, memory.NewBlobStore(), "")

	_, err := g.Generate(context.Background(), automation.ProductData{Title: "Drill"}, automation.ProductCopy{})
	require.True(t, automation.HasReason(err, automation.ReasonInvalidInput))
	require.Len(t, fp.requests, 1)
}

func TestDetectScenario(t *testing.T) {
	t.Parallel()

	require.Equal(t, ScenarioLifestyle, DetectScenario("Teak Patio Set", ""))
	require.Equal(t, ScenarioLifestyle, DetectScenario("Model X", "Table Lamp"))
	require.Equal(t, ScenarioIndustrial, DetectScenario("IBC Spill Pallet", "Safety"))
}

func TestBuildPromptMentionsReferences(t *testing.T) {
	t.Parallel()

	require.NotContains(t, buildPrompt(VariationProductInUse, ScenarioIndustrial, "Drill", 1), "reference images")
	p := buildPrompt(VariationInstallation, ScenarioIndustrial, "Drill", 3)
	require.Contains(t, p, "all 3 reference images")
	require.Contains(t, p, "workshop")
}
