package dcache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opuntiaos/kernelcore/internal/archsim"
	"github.com/opuntiaos/kernelcore/internal/kernlog"
)

// maxConcurrentFlushes bounds how many dentry writebacks one flusher pass
// runs at once, so a cache holding thousands of dentries doesn't spawn
// thousands of goroutines in a single tick.
const maxConcurrentFlushes = 16

// Flusher periodically walks every block and writes back dirty dentries,
// mirroring kdentryflusherd: for each block, for each dirty entry, lock the
// entry, disable interrupts, write, enable interrupts, unlock, then sleep
// for the configured period before starting the next pass.
//
// A single writeback touches one entry's content, so the flusher takes
// block.mu only long enough to snapshot that block's live dentries, then
// visits each one independently under its own Dentry.mu with interrupts
// disabled only around the driver call itself. Releasing the block lock
// before taking a dentry lock keeps the block -> dentry lock order intact
// and the interrupt-disabled window narrow.
type Flusher struct {
	cache    *Cache
	interval time.Duration
	guard    *archsim.InterruptGuard
	sem      *semaphore.Weighted
}

// NewFlusher builds a flusher over cache using interval as the sleep period
// between passes (ordinarily kernconfig.Config.FlushInterval).
func NewFlusher(cache *Cache, interval time.Duration) *Flusher {
	return &Flusher{
		cache:    cache,
		interval: interval,
		guard:    archsim.NewInterruptGuard(),
		sem:      semaphore.NewWeighted(maxConcurrentFlushes),
	}
}

// Run loops flushOnce until ctx is done.
func (f *Flusher) Run(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		f.flushOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// flushOnce performs a single pass over every block, writing back every
// dirty, live dentry it finds. Each dentry's writeback is independent of
// every other (it takes only that dentry's own lock), so a pass runs them
// through an errgroup bounded by sem rather than one at a time.
func (f *Flusher) flushOnce(ctx context.Context) {
	c := f.cache

	c.blocksMu.RLock()
	blocks := c.blocks
	c.blocksMu.RUnlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, b := range blocks {
		b.mu.Lock()
		live := make([]*Dentry, 0, len(b.slots))
		for i := range b.slots {
			d := &b.slots[i]
			if d.ino != 0 {
				live = append(live, d)
			}
		}
		b.mu.Unlock()

		for _, d := range live {
			d := d
			if err := f.sem.Acquire(egCtx, 1); err != nil {
				continue
			}
			eg.Go(func() error {
				defer f.sem.Release(1)
				f.flushDentry(egCtx, d)
				return nil
			})
		}
	}
	eg.Wait()

	c.metrics.IncFlusherRuns()
}

func (f *Flusher) flushDentry(ctx context.Context, d *Dentry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.testFlagLocked(FlagDirty) || d.ino == 0 || d.inode == nil {
		return
	}

	restore := f.guard.Disable()
	err := d.cache.driver.WriteInode(ctx, d)
	restore()

	if err != nil {
		kernlog.Errorf("dcache: flusher writeback failed for dev=%d ino=%d: %v", d.dev, d.ino, err)
		d.cache.metrics.IncFlusherErrors()
		return
	}
	d.remFlagLocked(FlagDirty)
}
