package storefront

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/provider"
)

var (
	product = automation.ProductData{
		SourceURL:   "https://shop.example/products/oak",
		Title:       "Oak Chair",
		BodyHTML:    "<p>Source copy</p>",
		Vendor:      "Woodworks",
		ProductType: "Furniture",
		Variants:    []automation.ProductVariant{{Title: "Default", Price: "129.00", Option1: "Default"}},
		Options:     []automation.ProductOption{{Name: "Title", Values: []string{"Default"}}},
		Images:      []automation.ProductImage{{Src: "https://shop.example/oak.jpg", Position: 1}},
	}
	productCopy = automation.ProductCopy{
		Title:    "Oak Lounge Chair",
		BodyHTML: "<p>Generated</p>",
		Tags:     []string{"oak", "chair"},
	}
)

func newPublisher(t *testing.T, handler http.HandlerFunc) (*Publisher, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	caller := provider.NewCaller(automation.ProviderPublisher, nil,
		automation.NewRetryPolicy(3, time.Millisecond, time.Millisecond), time.Second,
		provider.WithSleep(func(context.Context, time.Duration) error { return nil }))
	p, err := New(caller, Config{Endpoint: srv.URL + "/", AccessToken: "shpat", APIVersion: "2024-01"})
	require.NoError(t, err)
	return p, &calls
}

func TestPublishCreatesProduct(t *testing.T) {
	t.Parallel()

	var got map[string]productPayload
	p, calls := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/admin/api/2024-01/products.json", r.URL.Path)
		require.Equal(t, "shpat", r.Header.Get("X-Shopify-Access-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"product":{"id":632910392,"handle":"oak-lounge-chair","status":"draft"}}`))
	})

	images := automation.ImageSet{Images: []automation.ImageRef{
		{Variation: "product_in_use", URI: "gs://b/1.png", PublicURL: "https://cdn.example/1.png"},
		{Variation: "installation", URI: "file:///tmp/2.png"},
	}}
	pub, err := p.Publish(context.Background(), product, productCopy, images)
	require.NoError(t, err)
	require.Equal(t, "632910392", pub.ProductID)
	require.Equal(t, "oak-lounge-chair", pub.Handle)
	require.Equal(t, "draft", pub.Status)
	require.Contains(t, pub.AdminURL, "/admin/products/632910392")
	require.EqualValues(t, 1, calls.Load())

	sent := got["product"]
	require.Equal(t, "Oak Lounge Chair", sent.Title)
	require.Equal(t, "<p>Generated</p>", sent.BodyHTML)
	require.Equal(t, "oak, chair", sent.Tags)
	require.Equal(t, "Furniture", sent.ProductType)
	require.Equal(t, "draft", sent.Status)
	require.Len(t, sent.Images, 1)
	require.Equal(t, "https://cdn.example/1.png", sent.Images[0].Src)
	require.Len(t, sent.Variants, 1)
}

func TestPublishFallsBackToSourceImages(t *testing.T) {
	t.Parallel()

	var got map[string]productPayload
	p, _ := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"product":{"id":1}}`))
	})
	_, err := p.Publish(context.Background(), product, automation.ProductCopy{}, automation.ImageSet{})
	require.NoError(t, err)
	require.Equal(t, "Oak Chair", got["product"].Title)
	require.Equal(t, "https://shop.example/oak.jpg", got["product"].Images[0].Src)
}

func TestPublishConflictIsNeverRetried(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"409", http.StatusConflict, `{"errors":"conflict"}`},
		{"422 taken", http.StatusUnprocessableEntity, `{"errors":{"handle":["has already been taken"]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, calls := newPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := p.Publish(context.Background(), product, productCopy, automation.ImageSet{})
			require.True(t, automation.HasReason(err, automation.ReasonConflict))
			require.True(t, automation.IsPermanent(err))
			require.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestPublishOtherValidationErrorIsInvalidInput(t *testing.T) {
	t.Parallel()

	p, calls := newPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":{"title":["can't be blank"]}}`))
	})
	_, err := p.Publish(context.Background(), product, productCopy, automation.ImageSet{})
	require.True(t, automation.HasReason(err, automation.ReasonInvalidInput))
	require.EqualValues(t, 1, calls.Load())
}

func TestPublishRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	p, calls := newPublisher(t, func(w http.ResponseWriter, _ *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"product":{"id":7,"handle":"h"}}`))
	})
	pub, err := p.Publish(context.Background(), product, productCopy, automation.ImageSet{})
	require.NoError(t, err)
	require.Equal(t, "7", pub.ProductID)
	require.EqualValues(t, 3, calls.Load())
}

// keyedShop serves the product lookup and create endpoints and remembers one
// created product.
type keyedShop struct {
	gets    atomic.Int32
	posts   atomic.Int32
	created atomic.Bool
	handle  atomic.Value
	// hang, when set, holds the create response until the client gives up.
	hang bool
}

func (s *keyedShop) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.gets.Add(1)
		handle := r.URL.Query().Get("handle")
		if !s.created.Load() || handle != s.handle.Load() {
			_, _ = w.Write([]byte(`{"products":[]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"products": []map[string]any{
			{"id": 901, "handle": handle, "status": "draft"},
		}})
	case http.MethodPost:
		s.posts.Add(1)
		var got map[string]productPayload
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.handle.Store(got["product"].Handle)
		s.created.Store(true)
		if s.hang {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"product": map[string]any{
			"id": 901, "handle": got["product"].Handle, "status": "draft",
		}})
	}
}

func newKeyedPublisher(t *testing.T, shop *keyedShop, timeout time.Duration) *Publisher {
	t.Helper()
	srv := httptest.NewServer(shop)
	t.Cleanup(srv.Close)
	caller := provider.NewCaller(automation.ProviderPublisher, nil,
		automation.NewRetryPolicy(3, time.Millisecond, time.Millisecond), timeout,
		provider.WithSleep(func(context.Context, time.Duration) error { return nil }))
	p, err := New(caller, Config{Endpoint: srv.URL, AccessToken: "shpat", APIVersion: "2024-01"})
	require.NoError(t, err)
	return p
}

func TestPublishRetryAfterLostResponseReusesProduct(t *testing.T) {
	t.Parallel()

	shop := &keyedShop{hang: true}
	p := newKeyedPublisher(t, shop, 200*time.Millisecond)
	ctx := provider.WithIdempotencyKey(context.Background(), "item-42")

	pub, err := p.Publish(ctx, product, productCopy, automation.ImageSet{})
	require.NoError(t, err)
	require.Equal(t, "901", pub.ProductID)
	require.True(t, strings.HasPrefix(pub.Handle, "oak-lounge-chair-"), pub.Handle)
	require.EqualValues(t, 1, shop.posts.Load(), "the retry must not create a second product")
	require.EqualValues(t, 2, shop.gets.Load())
}

func TestPublishReclaimedStageFindsExistingProduct(t *testing.T) {
	t.Parallel()

	shop := &keyedShop{}
	p := newKeyedPublisher(t, shop, time.Second)
	ctx := provider.WithIdempotencyKey(context.Background(), "item-7")

	first, err := p.Publish(ctx, product, productCopy, automation.ImageSet{})
	require.NoError(t, err)
	second, err := p.Publish(ctx, product, productCopy, automation.ImageSet{})
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.EqualValues(t, 1, shop.posts.Load())
	require.EqualValues(t, 2, shop.gets.Load())
}

func TestPublishSendsItemMetafield(t *testing.T) {
	t.Parallel()

	var got map[string]productPayload
	p, _ := newPublisher(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"products":[]}`))
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"product":{"id":3}}`))
	})
	ctx := provider.WithIdempotencyKey(context.Background(), "item-9")
	_, err := p.Publish(ctx, product, productCopy, automation.ImageSet{})
	require.NoError(t, err)

	sent := got["product"]
	require.Equal(t, keyedHandle("Oak Lounge Chair", "item-9"), sent.Handle)
	require.Equal(t, []metafield{{Namespace: "automation", Key: "item_id", Type: "single_line_text_field", Value: "item-9"}}, sent.Metafields)
}

func TestKeyedHandle(t *testing.T) {
	t.Parallel()

	a := keyedHandle("Oak Lounge Chair!", "item-1")
	require.Equal(t, a, keyedHandle("Oak Lounge Chair!", "item-1"))
	require.NotEqual(t, a, keyedHandle("Oak Lounge Chair!", "item-2"))
	require.Regexp(t, `^oak-lounge-chair-[0-9a-f]{10}$`, a)
	require.Regexp(t, `^product-[0-9a-f]{10}$`, keyedHandle("***", "item-1"))
	require.LessOrEqual(t, len(keyedHandle(strings.Repeat("long title ", 40), "item-1")), maxHandleLen)
}
