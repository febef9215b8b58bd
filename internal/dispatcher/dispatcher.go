// Package dispatcher runs a fixed pool of workers over the job store.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-automation/internal/logging"
	"github.com/JakeFAU/product-automation/internal/telemetry"
)

const defaultPollInterval = time.Second

// Stepper runs one unit of work. worker.Worker satisfies it.
type Stepper interface {
	ID() string
	Step(ctx context.Context, runID string) (bool, error)
}

// Outstander counts items that still need a worker.
type Outstander interface {
	Outstanding(ctx context.Context, runID string) (int, error)
}

// Pool fans claims out to a fixed set of workers. The pool size bounds the
// number of concurrent provider calls.
type Pool struct {
	store   Outstander
	workers []Stepper
	poll    time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	gate chan struct{}
}

// New creates a Pool.
func New(store Outstander, workers []Stepper, poll time.Duration, logger *zap.Logger) *Pool {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		store:   store,
		workers: workers,
		poll:    poll,
		logger:  logger,
		gate:    make(chan struct{}),
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Wake releases every idle worker without blocking.
func (p *Pool) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.gate)
	p.gate = make(chan struct{})
}

func (p *Pool) wakeGate() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gate
}

// Run starts all workers and blocks until ctx finishes. Idle workers poll
// every poll interval or as soon as Wake is called.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w Stepper) {
			defer wg.Done()
			p.serve(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (p *Pool) serve(ctx context.Context, w Stepper) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	logger := p.logger.With(logging.Worker(w.ID()))
	logger.Debug("worker started")
	for ctx.Err() == nil {
		// Taken before the claim so a Wake during Step is not missed.
		gate := p.wakeGate()
		worked, err := w.Step(ctx, "")
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("worker step failed", zap.Error(err))
		} else if worked {
			continue
		}
		p.idle(ctx, gate)
	}
	logger.Debug("worker stopped")
}

// Drain runs the workers until runID has no outstanding items, then returns.
// An empty runID drains every run. A worker only exits when a claim finds
// nothing and no item of the run is pending or held under a lease, so items
// whose lease has yet to expire are still picked up.
func (p *Pool) Drain(ctx context.Context, runID string) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		eg.Go(func() error {
			return p.drain(egCtx, w, runID)
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("drain run %q: %w", runID, err)
	}
	return nil
}

func (p *Pool) drain(ctx context.Context, w Stepper, runID string) error {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	logger := p.logger.With(logging.Worker(w.ID()), logging.RunID(runID))
	for {
		gate := p.wakeGate()
		worked, err := w.Step(ctx, runID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("worker step failed", zap.Error(err))
		} else if worked {
			continue
		} else {
			n, err := p.store.Outstanding(ctx, runID)
			if err != nil {
				return fmt.Errorf("count outstanding items: %w", err)
			}
			if n == 0 {
				logger.Debug("nothing outstanding, worker exiting")
				return nil
			}
		}
		p.idle(ctx, gate)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Pool) idle(ctx context.Context, gate <-chan struct{}) {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-gate:
	case <-timer.C:
	}
}
