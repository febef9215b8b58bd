package orchestrator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-automation/internal/automation"
	"github.com/JakeFAU/product-automation/internal/dispatcher"
	"github.com/JakeFAU/product-automation/internal/orchestrator"
	"github.com/JakeFAU/product-automation/internal/progress"
	"github.com/JakeFAU/product-automation/internal/provider"
	"github.com/JakeFAU/product-automation/internal/publisher/memory"
	"github.com/JakeFAU/product-automation/internal/worker"
)

// callLog records adapter invocations per source ref, in order.
type callLog struct {
	mu    sync.Mutex
	calls map[string][]automation.Stage
}

func newCallLog() *callLog {
	return &callLog{calls: make(map[string][]automation.Stage)}
}

func (l *callLog) add(ref string, stage automation.Stage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[ref] = append(l.calls[ref], stage)
}

func (l *callLog) stages(ref string) []automation.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]automation.Stage(nil), l.calls[ref]...)
}

func (l *callLog) count(ref string, stage automation.Stage) int {
	n := 0
	for _, s := range l.stages(ref) {
		if s == stage {
			n++
		}
	}
	return n
}

// gauge tracks how many calls are in flight and the highest level seen.
type gauge struct {
	mu      sync.Mutex
	cur     int
	peak    int
	target  int
	reached chan struct{}
}

func newGauge(target int) *gauge {
	return &gauge{target: target, reached: make(chan struct{})}
}

// hold counts the caller in and keeps it in flight until target callers
// overlap or patience runs out.
func (g *gauge) hold(ctx context.Context, patience time.Duration) {
	g.mu.Lock()
	g.cur++
	if g.cur > g.peak {
		g.peak = g.cur
		if g.peak == g.target {
			close(g.reached)
		}
	}
	g.mu.Unlock()

	select {
	case <-g.reached:
	case <-time.After(patience):
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *gauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

type fakeScraper struct {
	log  *callLog
	errs map[string]error
	// block, when set, is called before returning so tests can hold a stage open.
	block func(ctx context.Context, ref string)
}

func (f *fakeScraper) Scrape(ctx context.Context, ref string) (automation.ProductData, error) {
	f.log.add(ref, automation.StageScraping)
	if f.block != nil {
		f.block(ctx, ref)
	}
	if err := f.errs[ref]; err != nil {
		return automation.ProductData{}, err
	}
	return automation.ProductData{
		SourceURL: ref,
		Title:     "Product " + ref,
		Price:     "10.00",
		Variants:  []automation.ProductVariant{{Title: "Default", Price: "10.00", Option1: "Default"}},
	}, nil
}

type fakeCopy struct {
	log *callLog
}

func (f *fakeCopy) Generate(_ context.Context, p automation.ProductData) (automation.ProductCopy, error) {
	f.log.add(p.SourceURL, automation.StageCopywriting)
	return automation.ProductCopy{
		Title:    p.Title,
		BodyHTML: "<p>Great " + p.Title + "</p>",
		Tags:     []string{"tools"},
	}, nil
}

type fakeImages struct {
	log *callLog
}

func (f *fakeImages) Generate(_ context.Context, p automation.ProductData, _ automation.ProductCopy) (automation.ImageSet, error) {
	f.log.add(p.SourceURL, automation.StageImageGen)
	return automation.ImageSet{
		Scenario: "INDUSTRIAL",
		Images: []automation.ImageRef{{
			Variation:   "product_in_use",
			URI:         "memory://images/" + p.SourceURL,
			PublicURL:   "https://cdn.example/" + p.SourceURL + ".png",
			ContentType: "image/png",
		}},
	}, nil
}

type fakePublisher struct {
	log  *callLog
	mu   sync.Mutex
	next int
	errs map[string]error
	keys map[string]string
}

func (f *fakePublisher) Publish(ctx context.Context, p automation.ProductData, _ automation.ProductCopy, images automation.ImageSet) (automation.Publication, error) {
	f.log.add(p.SourceURL, automation.StagePublishing)
	f.mu.Lock()
	f.keys[p.SourceURL] = provider.IdempotencyKey(ctx)
	f.mu.Unlock()
	if err := f.errs[p.SourceURL]; err != nil {
		return automation.Publication{}, err
	}
	if len(images.Images) == 0 {
		return automation.Publication{}, fmt.Errorf("no images for %s", p.SourceURL)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return automation.Publication{ProductID: fmt.Sprint(f.next), Status: "draft"}, nil
}

func (f *fakePublisher) key(ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[ref]
}

func fakeAdapters(log *callLog) (orchestrator.Adapters, *fakeScraper, *fakePublisher) {
	scraper := &fakeScraper{log: log, errs: map[string]error{}}
	pub := &fakePublisher{log: log, errs: map[string]error{}, keys: map[string]string{}}
	return orchestrator.Adapters{
		Scraper:   scraper,
		Copy:      &fakeCopy{log: log},
		Images:    &fakeImages{log: log},
		Publisher: pub,
	}, scraper, pub
}

// recordingEmitter keeps every emitted event.
type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) ofKind(kind progress.Kind) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type countingWaker struct {
	mu sync.Mutex
	n  int
}

func (w *countingWaker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
}

func (w *countingWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// pipeline wires an orchestrator, workers and a pool over one store.
type pipeline struct {
	orch   *orchestrator.Orchestrator
	pool   *dispatcher.Pool
	events *recordingEmitter
	pub    *memory.Publisher
}

func newPipeline(t *testing.T, store automation.JobStore, adapters orchestrator.Adapters, workers int) *pipeline {
	t.Helper()
	events := &recordingEmitter{}
	pub := memory.New()
	orch, err := orchestrator.New(store, adapters,
		orchestrator.WithProgress(events),
		orchestrator.WithEventPublisher(pub, "automation-runs"),
	)
	require.NoError(t, err)

	steppers := make([]dispatcher.Stepper, 0, workers)
	for i := 0; i < workers; i++ {
		steppers = append(steppers, worker.New(store, orch,
			worker.Config{ID: fmt.Sprintf("worker-%d", i), Lease: time.Minute},
			zap.NewNop(),
			worker.WithProgress(events),
		))
	}
	pool := dispatcher.New(store, steppers, 10*time.Millisecond, zap.NewNop())
	orch.SetWaker(pool)
	return &pipeline{orch: orch, pool: pool, events: events, pub: pub}
}

func (p *pipeline) drain(t *testing.T, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.pool.Drain(ctx, runID))
}
