// Package vfsdriver provides an in-memory FilesystemDriver implementation
// for tests and kernelctl, standing in for a real on-disk driver (e.g. a
// FAT16 backend).
package vfsdriver

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/opuntiaos/kernelcore/internal/dcache"
	"github.com/opuntiaos/kernelcore/internal/kernerr"
)

type record struct {
	mode uint32
	size uint64
	data []byte
}

// Fake is a FilesystemDriver backed by an in-memory map keyed by
// (device, inode). Each slot it hands out is tagged with a random token via
// FSData, mirroring a real driver stashing its own private handle per
// dentry.
type Fake struct {
	mu      sync.Mutex
	records map[fakeKey]*record
	fsdata  map[*dcache.Dentry]uuid.UUID

	// FailRead, when non-nil, is consulted before every ReadInode; return
	// a non-nil error to force the call to fail, exercising DCache's
	// allocNew rollback path.
	FailRead func(dev, ino uint32) error
}

type fakeKey struct {
	dev, ino uint32
}

// New returns an empty fake driver.
func New() *Fake {
	return &Fake{
		records: make(map[fakeKey]*record),
		fsdata:  make(map[*dcache.Dentry]uuid.UUID),
	}
}

// Seed installs a backing record for (dev, ino) so a subsequent ReadInode
// succeeds with the given mode/data.
func (f *Fake) Seed(dev, ino uint32, mode uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[fakeKey{dev, ino}] = &record{mode: mode, size: uint64(len(data)), data: append([]byte(nil), data...)}
}

// ReadInode implements dcache.FilesystemDriver.
func (f *Fake) ReadInode(ctx context.Context, d *dcache.Dentry) error {
	dev, ino := d.Device(), d.Ino()
	if f.FailRead != nil {
		if err := f.FailRead(dev, ino); err != nil {
			return err
		}
	}

	f.mu.Lock()
	rec, ok := f.records[fakeKey{dev, ino}]
	f.mu.Unlock()
	if !ok {
		return kernerr.ErrNotFound
	}

	inode := d.Inode()
	if inode == nil {
		return kernerr.ErrNotFound
	}
	inode.Mode = rec.mode
	inode.Size = rec.size
	copy(inode.Data, rec.data)
	return nil
}

// WriteInode implements dcache.FilesystemDriver.
func (f *Fake) WriteInode(ctx context.Context, d *dcache.Dentry) error {
	dev, ino := d.Device(), d.Ino()
	inode := d.Inode()
	if inode == nil {
		return kernerr.ErrNotFound
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[fakeKey{dev, ino}]
	if !ok {
		rec = &record{}
		f.records[fakeKey{dev, ino}] = rec
	}
	rec.mode = inode.Mode
	rec.size = inode.Size
	rec.data = append(rec.data[:0], inode.Data...)
	return nil
}

// FreeInode implements dcache.FilesystemDriver.
func (f *Fake) FreeInode(ctx context.Context, d *dcache.Dentry) error {
	dev, ino := d.Device(), d.Ino()
	f.mu.Lock()
	delete(f.records, fakeKey{dev, ino})
	f.mu.Unlock()
	return nil
}

// FSData implements dcache.FilesystemDriver, handing out a stable random
// token per dentry the first time it's asked for one.
func (f *Fake) FSData(d *dcache.Dentry) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.fsdata[d]
	if !ok {
		id = uuid.New()
		f.fsdata[d] = id
	}
	return id
}
