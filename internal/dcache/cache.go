package dcache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/opuntiaos/kernelcore/internal/kernconfig"
	"github.com/opuntiaos/kernelcore/internal/kernerr"
	"github.com/opuntiaos/kernelcore/internal/kernlog"
)

// block is one fixed-size segment of the dentry cache list: an array of
// Dentry slots guarded by a single lock, appended to the cache's block list
// when no free slot can be found anywhere. A segmented vector with
// per-segment locking rather than a single resizable hash table, so growth
// never needs to rehash or move already-held dentries.
type block struct {
	mu    sync.Mutex
	slots []Dentry
}

// Cache is the kernel-wide dentry/inode object cache. Build one with New
// and share it; there is no teardown, matching boot-time
// init-and-never-free global state.
type Cache struct {
	cfg    kernconfig.Config
	driver FilesystemDriver

	blocksMu sync.RWMutex
	blocks   []*block

	cachedDentries   int64 // stat_cached_dentries
	cachedInodeBytes int64 // stat_cached_inodes_area_size
	canCacheInodes   atomic.Bool

	metrics CacheMetrics
}

// CacheMetrics is the narrow surface Cache reports to for observability; the
// Prometheus-backed implementation lives in internal/kmetrics so this
// package stays free of a hard dependency on the metrics registry.
type CacheMetrics interface {
	SetCachedDentries(n int64)
	SetCachedInodeBytes(n int64)
	SetCanCacheInodes(enabled bool)
	IncFlusherRuns()
	IncFlusherErrors()
}

type noopMetrics struct{}

func (noopMetrics) SetCachedDentries(int64)   {}
func (noopMetrics) SetCachedInodeBytes(int64) {}
func (noopMetrics) SetCanCacheInodes(bool)    {}
func (noopMetrics) IncFlusherRuns()           {}
func (noopMetrics) IncFlusherErrors()         {}

// New builds an empty cache bound to driver, with inode caching enabled.
func New(cfg kernconfig.Config, driver FilesystemDriver) *Cache {
	c := &Cache{cfg: cfg, driver: driver, metrics: noopMetrics{}}
	c.canCacheInodes.Store(true)
	return c
}

// SetMetrics installs a metrics sink; nil restores the no-op sink.
func (c *Cache) SetMetrics(m CacheMetrics) {
	if m == nil {
		m = noopMetrics{}
	}
	c.metrics = m
}

// CachedDentries returns stat_cached_dentries.
func (c *Cache) CachedDentries() int64 { return atomic.LoadInt64(&c.cachedDentries) }

// CachedInodeBytes returns stat_cached_inodes_area_size.
func (c *Cache) CachedInodeBytes() int64 { return atomic.LoadInt64(&c.cachedInodeBytes) }

// CanCacheInodes reports can_cache_inodes.
func (c *Cache) CanCacheInodes() bool { return c.canCacheInodes.Load() }

func (c *Cache) needToFreeInodeCache() bool {
	return atomic.LoadInt64(&c.cachedInodeBytes) > int64(c.cfg.SwapThresholdBytes)
}

func (c *Cache) addCachedInodeBytes(delta int64) {
	n := atomic.AddInt64(&c.cachedInodeBytes, delta)
	c.metrics.SetCachedInodeBytes(n)
}

func (c *Cache) addCachedDentries(delta int64) {
	n := atomic.AddInt64(&c.cachedDentries, delta)
	c.metrics.SetCachedDentries(n)
}

func (c *Cache) setCanCacheInodes(v bool) {
	c.canCacheInodes.Store(v)
	c.metrics.SetCanCacheInodes(v)
}

// Get resolves (dev, ino), returning a duplicated handle on a cache hit or
// populating a new slot via the driver's ReadInode on a miss (dentry_get).
// ino == 0 is rejected.
func (c *Cache) Get(ctx context.Context, dev, ino uint32) (*Dentry, error) {
	if ino == 0 {
		return nil, kernerr.ErrInvalidArgument
	}
	if d := c.lookup(dev, ino); d != nil {
		return d, nil
	}
	return c.allocNew(ctx, dev, ino, true)
}

// GetNoInode is Get without the ReadInode call; the returned bool reports
// whether the dentry was already in the cache (true) or newly allocated and
// still needing a caller-driven inode read (false). Mirrors
// dentry_get_no_inode / DENTRY_WAS_IN_CACHE / DENTRY_NEWLY_ALLOCATED.
func (c *Cache) GetNoInode(ctx context.Context, dev, ino uint32) (*Dentry, bool, error) {
	if ino == 0 {
		return nil, false, kernerr.ErrInvalidArgument
	}
	if d := c.lookup(dev, ino); d != nil {
		return d, true, nil
	}
	d, err := c.allocNew(ctx, dev, ino, false)
	if err != nil {
		return nil, false, err
	}
	return d, false, nil
}

// lookup scans every block under its lock for a live (dev, ino) match,
// bumping cached_dentries when reviving a zero-refcount hit, and returns a
// duplicated handle. Returns nil on a miss.
func (c *Cache) lookup(dev, ino uint32) *Dentry {
	c.blocksMu.RLock()
	blocks := c.blocks
	c.blocksMu.RUnlock()

	for _, b := range blocks {
		b.mu.Lock()
		for i := range b.slots {
			d := &b.slots[i]
			d.mu.Lock()
			if d.ino != 0 && d.dev == dev && d.ino == ino {
				wasZero := d.dCount == 0
				d.dCount++
				d.mu.Unlock()
				b.mu.Unlock()
				if wasZero {
					c.addCachedDentries(1)
				}
				return &b.slots[i]
			}
			d.mu.Unlock()
		}
		b.mu.Unlock()
	}
	return nil
}

// claimSlot implements dentry_cache_find_empty_entry's placement policy:
// prefer a fully-free slot (ino == 0); remember the first zero-refcount slot
// as a fallback; append a new block if neither exists anywhere. The chosen slot
// is claimed for (dev, ino) before its lock is dropped, so two concurrent
// misses can never end up in the same slot.
func (c *Cache) claimSlot(dev, ino uint32) *Dentry {
	for {
		c.blocksMu.RLock()
		blocks := c.blocks
		c.blocksMu.RUnlock()

		var fallback *Dentry
		for _, b := range blocks {
			b.mu.Lock()
			for i := range b.slots {
				d := &b.slots[i]
				d.mu.Lock()
				if d.ino == 0 && d.dCount == 0 {
					c.claimLocked(d, dev, ino)
					d.mu.Unlock()
					b.mu.Unlock()
					return d
				}
				if fallback == nil && d.dCount == 0 {
					fallback = d
				}
				d.mu.Unlock()
			}
			b.mu.Unlock()
		}

		if fallback != nil {
			fallback.mu.Lock()
			if fallback.dCount == 0 {
				c.claimLocked(fallback, dev, ino)
				fallback.mu.Unlock()
				return fallback
			}
			// Revived by a concurrent lookup since the scan; rescan.
			fallback.mu.Unlock()
			continue
		}

		d := c.appendBlock()
		d.mu.Lock()
		if d.ino == 0 && d.dCount == 0 {
			c.claimLocked(d, dev, ino)
			d.mu.Unlock()
			return d
		}
		d.mu.Unlock()
	}
}

// claimLocked takes over a slot for (dev, ino) with d.mu held. A fallback
// slot evicted here still owns an inode buffer; it is reused for the new
// identity rather than reallocated, matching dentry_alloc_new's
// already_allocated_inode branch.
func (c *Cache) claimLocked(d *Dentry, dev, ino uint32) {
	d.dCount = 1
	d.flags = 0
	d.dev = dev
	d.ino = ino
	d.parent = nil
	d.filename = ""
	if d.inode == nil {
		d.inode = &Inode{Data: make([]byte, c.cfg.InodeSize)}
		c.addCachedInodeBytes(int64(c.cfg.InodeSize))
	} else {
		d.inode.Mode = 0
		d.inode.Size = 0
		for i := range d.inode.Data {
			d.inode.Data[i] = 0
		}
	}
}

func (c *Cache) appendBlock() *Dentry {
	n := c.cfg.SlotsPerBlock
	if n <= 0 {
		n = 32
	}
	nb := &block{slots: make([]Dentry, n)}
	for i := range nb.slots {
		nb.slots[i].cache = c
	}

	c.blocksMu.Lock()
	c.blocks = append(c.blocks, nb)
	c.blocksMu.Unlock()

	return &nb.slots[0]
}

// allocNew claims a slot and optionally reads its inode through the driver,
// mirroring dentry_alloc_new. On ReadInode failure the slot is rolled all
// the way back to free; a half-claimed identity must not linger and the
// inode buffer must not leak.
func (c *Cache) allocNew(ctx context.Context, dev, ino uint32, readInode bool) (*Dentry, error) {
	if ino == 0 {
		return nil, kernerr.ErrInvalidArgument
	}

	d := c.claimSlot(dev, ino)

	fsdata := c.driver.FSData(d)
	d.mu.Lock()
	d.fsdata = fsdata
	d.mu.Unlock()

	if readInode {
		if err := c.driver.ReadInode(ctx, d); err != nil {
			kernlog.Errorf("dcache: read_inode failed for dev=%d ino=%d: %v", dev, ino, err)
			d.mu.Lock()
			d.dCount = 0
			c.eraseLocked(d)
			d.mu.Unlock()
			return nil, kernerr.ErrIOError
		}
	}

	c.addCachedDentries(1)
	return d, nil
}

// Duplicate increments d_count; a thin, lock-bounded wrapper around
// Dentry.Duplicate kept here so callers can go through the cache uniformly.
func (c *Cache) Duplicate(d *Dentry) *Dentry {
	return d.Duplicate()
}

// Put decrements d_count, and on reaching zero runs the CUSTOM /
// INODE_TO_BE_DELETED / ordinary-flush-and-prefree branches of
// dentry_put_impl_locked, then recursively puts the parent.
//
// The block->dentry lock ordering holds globally, so a sweep across all
// blocks cannot run while this call still holds d.mu, or a concurrent Get/
// claimSlot walking block->dentry on the same block could deadlock against
// it. Put defers any needed sweep until after d.mu (and the parent's mu,
// recursively) is released.
func (c *Cache) Put(ctx context.Context, d *Dentry) error {
	needsSweep, err := c.put1(ctx, d)
	if needsSweep {
		c.SweepUnreferenced(ctx)
	}
	return err
}

func (c *Cache) put1(ctx context.Context, d *Dentry) (needsSweep bool, err error) {
	d.mu.Lock()
	if d.dCount <= 0 {
		d.mu.Unlock()
		return false, kernerr.ErrInvalidArgument
	}
	d.dCount--
	reachedZero := d.dCount == 0
	if reachedZero {
		needsSweep, err = c.putImplLocked(ctx, d)
	}
	parent := d.parent
	if reachedZero {
		d.parent = nil
	}
	d.mu.Unlock()

	if reachedZero && parent != nil {
		parentNeedsSweep, perr := c.put1(ctx, parent)
		needsSweep = needsSweep || parentNeedsSweep
		if perr != nil && err == nil {
			err = perr
		}
	}
	return needsSweep, err
}

// putImplLocked runs with d.mu held and d.dCount already 0.
func (c *Cache) putImplLocked(ctx context.Context, d *Dentry) (needsSweep bool, err error) {
	if d.testFlagLocked(FlagCustom) {
		d.ino = 0
		return false, c.driver.FreeInode(ctx, d)
	}

	if d.testFlagLocked(FlagInodeToBeDeleted) {
		if err := c.driver.FreeInode(ctx, d); err != nil {
			return false, err
		}
		c.eraseLocked(d)
		return false, nil
	}

	if err := d.flushLocked(ctx); err != nil {
		kernlog.Errorf("dcache: writeback failed for dev=%d ino=%d: %v", d.dev, d.ino, err)
		return false, err
	}
	return c.prefreeLocked(d), nil
}

// prefreeLocked puts d in a state where it can be safely replaced, without
// necessarily discarding its inode buffer (dentry_prefree_locked). It
// reports whether the caller should run a full SweepUnreferenced once d.mu
// is released, rather than running it here (see Put).
func (c *Cache) prefreeLocked(d *Dentry) (needsSweep bool) {
	if !c.CanCacheInodes() {
		c.eraseLocked(d)
	} else if c.needToFreeInodeCache() {
		needsSweep = true
	}
	c.addCachedDentries(-1)
	return needsSweep
}

// eraseLocked fully clears a slot: identity, inode, filename, and the byte
// accounting, re-enabling inode caching if usage drops back under
// threshold (dentry_delete_from_cache_locked).
func (c *Cache) eraseLocked(d *Dentry) {
	d.ino = 0
	if d.inode != nil {
		c.addCachedInodeBytes(-int64(c.cfg.InodeSize))
		d.inode = nil
	}
	d.filename = ""
	if !c.needToFreeInodeCache() {
		c.setCanCacheInodes(true)
	}
}

// ForcePut zeroes d_count unconditionally and runs the same release path as
// Put, except MOUNTPOINT dentries are left entirely untouched
// (dentry_force_put). Like Put, any sweep the release path calls for runs
// only after d.mu is released.
func (c *Cache) ForcePut(ctx context.Context, d *Dentry) error {
	needsSweep, err := c.forcePut1(ctx, d)
	if needsSweep {
		c.SweepUnreferenced(ctx)
	}
	return err
}

func (c *Cache) forcePut1(ctx context.Context, d *Dentry) (needsSweep bool, err error) {
	d.mu.Lock()
	if d.testFlagLocked(FlagMountpoint) {
		d.mu.Unlock()
		return false, nil
	}
	if d.dCount == 0 {
		// Already released; a live identity here is only warm-cache
		// state, and force-put means the backing device is going away,
		// so drop it entirely. cached_dentries was already decremented
		// when the last reference went.
		if d.ino != 0 {
			if ferr := d.flushLocked(ctx); ferr != nil {
				err = ferr
			}
			c.eraseLocked(d)
		}
		d.mu.Unlock()
		return false, err
	}
	d.dCount = 0
	needsSweep, err = c.putImplLocked(ctx, d)
	parent := d.parent
	d.parent = nil
	d.mu.Unlock()

	if parent != nil {
		parentNeedsSweep, perr := c.put1(ctx, parent)
		needsSweep = needsSweep || parentNeedsSweep
		if perr != nil && err == nil {
			err = perr
		}
	}
	return needsSweep, err
}

// PutAllDentriesOfDev force-puts every live dentry on dev, used at device
// eject (dentry_put_all_dentries_of_dev). Mountpoints are exempt via
// ForcePut's own check.
func (c *Cache) PutAllDentriesOfDev(ctx context.Context, dev uint32) error {
	c.blocksMu.RLock()
	blocks := c.blocks
	c.blocksMu.RUnlock()

	var firstErr error
	for _, b := range blocks {
		b.mu.Lock()
		var targets []*Dentry
		for i := range b.slots {
			d := &b.slots[i]
			d.mu.Lock()
			match := d.dev == dev && d.ino != 0
			d.mu.Unlock()
			if match {
				targets = append(targets, d)
			}
		}
		b.mu.Unlock()

		for _, d := range targets {
			if err := c.ForcePut(ctx, d); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SweepUnreferenced evicts every unreferenced live dentry across all
// blocks: the identity is cleared along with the inode buffer
// (free_inode_cache sets inode_indx = 0 as it frees), so swept slots are
// fully free again rather than half-cleared. If the sweep brought usage
// back under the threshold, inode caching is re-enabled; if even a full
// sweep wasn't enough, it is disabled until erase traffic drains the rest.
//
// Callers must not hold any block or dentry lock (Put/ForcePut run it only
// after releasing their own). Each block is independent, so an errgroup
// runs one goroutine per block; within a block the usual block -> dentry
// lock order holds.
func (c *Cache) SweepUnreferenced(ctx context.Context) {
	c.blocksMu.RLock()
	blocks := c.blocks
	c.blocksMu.RUnlock()

	var eg errgroup.Group
	for _, b := range blocks {
		b := b
		eg.Go(func() error {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i := range b.slots {
				d := &b.slots[i]
				d.mu.Lock()
				if d.ino != 0 && d.dCount == 0 {
					d.ino = 0
					d.filename = ""
					if d.inode != nil {
						c.addCachedInodeBytes(-int64(c.cfg.InodeSize))
						d.inode = nil
					}
				}
				d.mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()

	c.setCanCacheInodes(!c.needToFreeInodeCache())
}
