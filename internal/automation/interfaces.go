package automation

import (
	"context"
	"io"
	"time"
)

// JobStore persists runs and items and hands out item leases.
type JobStore interface {
	CreateRun(ctx context.Context, cfg RunConfig) (Run, error)
	AddItems(ctx context.Context, runID string, refs []string) ([]Item, error)
	ClaimNextPendingItem(ctx context.Context, req ClaimRequest) (Item, error)
	RenewLease(ctx context.Context, itemID, owner string, lease time.Duration) error
	ReleaseItem(ctx context.Context, itemID, owner string) error
	RecordStageResult(ctx context.Context, itemID string, outcome StageOutcome) (Item, error)
	GetRunStatus(ctx context.Context, runID string) (RunReport, error)
	FinalizeRun(ctx context.Context, runID string) (Run, bool, error)
	RequestCancel(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, error)
	Outstanding(ctx context.Context, runID string) (int, error)
	Close() error
}

// RateLimiter gates calls to a named provider.
type RateLimiter interface {
	Acquire(ctx context.Context, provider string) error
}

// Scraper extracts structured product data from a source reference.
type Scraper interface {
	Scrape(ctx context.Context, ref string) (ProductData, error)
}

// CopyGenerator writes marketing copy for a product.
type CopyGenerator interface {
	Generate(ctx context.Context, product ProductData) (ProductCopy, error)
}

// ImageGenerator renders product imagery.
type ImageGenerator interface {
	Generate(ctx context.Context, product ProductData, copy ProductCopy) (ImageSet, error)
}

// ProductPublisher creates the product on the storefront.
type ProductPublisher interface {
	Publish(ctx context.Context, product ProductData, copy ProductCopy, images ImageSet) (Publication, error)
}

// BlobStore persists generated assets and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// EventPublisher emits run notifications to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator returns unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
