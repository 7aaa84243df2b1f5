// Package codeindex keeps an in-memory bloom filter of known discount codes
// so lookups for codes that certainly do not exist skip the database.
//
// A negative answer is only trusted while the filter follows the code
// stream of its Source. Before the first snapshot and whenever the stream is
// down, every code is reported as possibly present.
package codeindex

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultCapacity   = 100_000
	DefaultFPR        = 0.001
	DefaultRetryDelay = time.Second
)

// Source lists the stored codes and streams the ones added later.
type Source interface {
	ListCodes(ctx context.Context) ([]string, error)
	// WatchCodes calls ready once the stream is established, then added for
	// every new code until ctx is done or the stream fails.
	WatchCodes(ctx context.Context, ready func(context.Context) error, added func(string)) error
}

// Options sizes the filter.
type Options struct {
	// Capacity is the expected number of codes. The filter is sized for the
	// larger of Capacity and the number of codes actually listed.
	Capacity uint
	// FPR is the target false positive rate.
	FPR float64
	// RetryDelay is the pause before re-establishing a failed stream.
	RetryDelay time.Duration
}

// Filter is a concurrency-safe set of codes kept current by a Source.
type Filter struct {
	source Source
	opts   Options

	rebuild sync.Mutex // serializes Rebuild

	mu      sync.RWMutex
	bf      *bloom.BloomFilter
	pending []string // codes added while a Rebuild is listing; nil otherwise

	live atomic.Bool
}

// New returns a Filter that reports every code as possibly present until Run
// has taken a snapshot and attached to the stream.
func New(source Source, opts Options) *Filter {
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.FPR <= 0 || opts.FPR >= 1 {
		opts.FPR = DefaultFPR
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Filter{source: source, opts: opts}
}

// MayContain reports false only when code is certainly not stored.
func (f *Filter) MayContain(code string) bool {
	if !f.live.Load() {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.bf == nil {
		return true
	}
	return f.bf.TestString(code)
}

// Add records a code stored after the last snapshot.
func (f *Filter) Add(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bf != nil {
		f.bf.AddString(code)
	}
	if f.pending != nil {
		f.pending = append(f.pending, code)
	}
}

// Rebuild lists all codes and replaces the filter. Codes passed to Add while
// the listing runs are carried into the new filter.
func (f *Filter) Rebuild(ctx context.Context) error {
	f.rebuild.Lock()
	defer f.rebuild.Unlock()

	f.mu.Lock()
	f.pending = []string{}
	f.mu.Unlock()

	codes, err := f.source.ListCodes(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	pending := f.pending
	f.pending = nil
	if err != nil {
		return errors.Wrap(err, "list codes")
	}

	capacity := max(f.opts.Capacity, uint(len(codes)+len(pending)))
	bf := bloom.NewWithEstimates(capacity, f.opts.FPR)
	for _, code := range codes {
		bf.AddString(code)
	}
	for _, code := range pending {
		bf.AddString(code)
	}
	f.bf = bf

	zctx.From(ctx).Debug("Code index rebuilt", zap.Int("codes", len(codes)+len(pending)))
	return nil
}

// Run follows the code stream and rebuilds the filter every interval until
// ctx is done. A failed stream is re-established after RetryDelay and the
// filter fails open meanwhile. Failed periodic rebuilds keep the previous
// filter.
func (f *Filter) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f.follow(ctx)
		return nil
	})
	g.Go(func() error {
		f.refresh(ctx, interval)
		return nil
	})
	return g.Wait()
}

func (f *Filter) follow(ctx context.Context) {
	lg := zctx.From(ctx)
	ready := func(ctx context.Context) error {
		if err := f.Rebuild(ctx); err != nil {
			return err
		}
		f.live.Store(true)
		lg.Debug("Code index following new codes")
		return nil
	}
	for {
		err := f.source.WatchCodes(ctx, ready, f.Add)
		f.live.Store(false)
		if ctx.Err() != nil {
			return
		}
		lg.Warn("Code stream lost, code index fails open", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.opts.RetryDelay):
		}
	}
}

func (f *Filter) refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Rebuild(ctx); err != nil && ctx.Err() == nil {
				zctx.From(ctx).Warn("Code index rebuild failed", zap.Error(err))
			}
		}
	}
}
