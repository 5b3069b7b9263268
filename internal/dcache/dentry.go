// Package dcache implements the kernel's in-memory filesystem object cache:
// at most one live Dentry per (device, inode) pair, backed by filesystem
// driver reads, reference counted, writeback-scheduled and bounded by an
// inode-memory swap threshold.
//
// Lock ordering:
//
//	Cache.blocksMu (append-only growth of the block list)
//	  block.mu (one lock per fixed-size block of Dentry slots)
//	    Dentry.mu (one lock per dentry, strictly finer than block.mu)
//
// A caller holding block.mu may acquire a Dentry.mu for a dentry in that
// block, but never the reverse, and never two block locks at once. The
// background flusher releases block.mu before (or narrows its interrupt
// disable to just around) the writeback call under Dentry.mu, to avoid
// holding both for longer than necessary. See Flusher.flushOnce.
package dcache

import (
	"context"
	"sync"

	"github.com/opuntiaos/kernelcore/internal/kernerr"
)

// Flag is the Dentry flag bitset.
type Flag uint32

const (
	// FlagDirty marks the inode modified and needing writeback.
	FlagDirty Flag = 1 << iota
	// FlagInodeToBeDeleted marks the inode for deletion (through the
	// driver's FreeInode) once the last reference is released.
	FlagInodeToBeDeleted
	// FlagCustom marks a dentry outside the normal cache whose owner is
	// responsible for freeing driver-private state itself.
	FlagCustom
	// FlagMountpoint marks a dentry that ForcePut must never evict.
	FlagMountpoint
)

// Inode is the fixed-size cached metadata record a filesystem driver
// populates. Mode follows the usual high-nibble-is-type, low-bits-are-
// permission convention (e.g. 0x4000 = directory, 0x8000 = regular file)
// that TestMode below interprets.
type Inode struct {
	Mode uint32
	Size uint64
	// Data is driver-opaque inode payload. Its length is accounted
	// against DCache's cached_inode_bytes counter as the configured
	// InodeSize, not len(Data): the accounting tracks the fixed buffer
	// allocation regardless of how much of it a given driver uses.
	Data []byte
}

// Dentry is a cached handle binding a (device, inode) identity to an Inode.
// Identity with inode == 0 marks a free cache slot.
//
// Must be obtained through Cache.Get/GetNoInode; the zero value is only
// meaningful as an empty cache slot.
type Dentry struct {
	mu sync.Mutex

	cache *Cache

	dev    uint32
	ino    uint32 // 0 == free slot
	dCount int32

	flags Flag

	inode    *Inode
	filename string
	parent   *Dentry

	fsdata any
}

// Device reports the dentry's device index.
func (d *Dentry) Device() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev
}

// Ino reports the dentry's inode index (0 if the slot is free).
func (d *Dentry) Ino() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ino
}

// RefCount reports d_count. Exposed for tests and metrics, not for control
// flow: callers must not race Duplicate/Put against an observed count.
func (d *Dentry) RefCount() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dCount
}

// Inode returns the dentry's currently cached inode, or nil if it was never
// populated or has been erased.
func (d *Dentry) Inode() *Inode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inode
}

// Filename returns the dentry's cached filename, if any.
func (d *Dentry) Filename() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filename
}

// Parent returns the dentry's parent handle (without taking a new
// reference on it), mirroring dentry_get_parent.
func (d *Dentry) Parent() *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent
}

// SetInode replaces the dentry's inode under its lock, freeing the old one.
// Ownership of inode is transferred to the dentry.
func (d *Dentry) SetInode(inode *Inode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setInodeLocked(inode)
}

func (d *Dentry) setInodeLocked(inode *Inode) {
	d.inode = inode
}

// SetParent replaces the dentry's parent reference, taking a new reference
// on parent (dentry_set_parent calls dentry_duplicate on the incoming
// parent before storing it).
func (d *Dentry) SetParent(parent *Dentry) {
	if parent != nil {
		parent.Duplicate()
	}
	d.mu.Lock()
	d.parent = parent
	d.mu.Unlock()
}

// SetFilename replaces the dentry's cached filename under its lock.
func (d *Dentry) SetFilename(name string) {
	d.mu.Lock()
	d.filename = name
	d.mu.Unlock()
}

// SetFlag sets flag under the dentry's lock.
func (d *Dentry) SetFlag(flag Flag) {
	d.mu.Lock()
	d.flags |= flag
	d.mu.Unlock()
}

// RemFlag clears flag under the dentry's lock.
func (d *Dentry) RemFlag(flag Flag) {
	d.mu.Lock()
	d.flags &^= flag
	d.mu.Unlock()
}

// TestFlag reports whether flag is set, taking the dentry's lock.
func (d *Dentry) TestFlag(flag Flag) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.testFlagLocked(flag)
}

func (d *Dentry) testFlagLocked(flag Flag) bool {
	return d.flags&flag != 0
}

func (d *Dentry) setFlagLocked(flag Flag) {
	d.flags |= flag
}

func (d *Dentry) remFlagLocked(flag Flag) {
	d.flags &^= flag
}

// TestMode reports whether the cached inode's Mode matches mode, using the
// same dual interpretation as dentry_test_mode_locked: values at or above
// 0x1000 are treated as an exact file-type match against the high nibble
// (mode&0xF000 == want), values below are treated as a permission-bit test
// (mode&want != 0).
func (d *Dentry) TestMode(mode uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.testModeLocked(mode)
}

func (d *Dentry) testModeLocked(mode uint32) bool {
	if d.inode == nil {
		return false
	}
	if mode >= 0x1000 {
		return d.inode.Mode&0xF000 == mode
	}
	return d.inode.Mode&mode != 0
}

// InodeSetFlag sets bits in the cached inode's Mode, marking the dentry
// DIRTY if the bits weren't already set (dentry_inode_set_flag).
func (d *Dentry) InodeSetFlag(mode uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inode == nil {
		return kernerr.ErrNotFound
	}
	if !d.testModeLocked(mode) {
		d.setFlagLocked(FlagDirty)
	}
	d.inode.Mode |= mode
	return nil
}

// InodeRemFlag clears bits in the cached inode's Mode, marking the dentry
// DIRTY if the bits were set (dentry_inode_rem_flag).
func (d *Dentry) InodeRemFlag(mode uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inode == nil {
		return kernerr.ErrNotFound
	}
	if d.testModeLocked(mode) {
		d.setFlagLocked(FlagDirty)
	}
	d.inode.Mode &^= mode
	return nil
}

// Duplicate increments d_count and returns d, mirroring dentry_duplicate.
func (d *Dentry) Duplicate() *Dentry {
	d.mu.Lock()
	d.dCount++
	d.mu.Unlock()
	return d
}

// Flush writes the inode back through the driver if DIRTY, clearing DIRTY
// only on a successful write (dentry_flush).
func (d *Dentry) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked(ctx)
}

func (d *Dentry) flushLocked(ctx context.Context) error {
	if !d.testFlagLocked(FlagDirty) || d.inode == nil {
		return nil
	}
	if err := d.cache.driver.WriteInode(ctx, d); err != nil {
		return err
	}
	d.remFlagLocked(FlagDirty)
	return nil
}
