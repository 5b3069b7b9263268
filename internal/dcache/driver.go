package dcache

import "context"

// FilesystemDriver is the filesystem-driver side of the VFS boundary:
// DCache consumes it to populate, flush and free inodes. A real driver
// wraps a FAT16 or similar on-disk implementation; tests and kernelctl use
// the in-memory fake in internal/vfsdriver.
type FilesystemDriver interface {
	// ReadInode fills d's inode from backing storage. A negative-style
	// failure is reported as a non-nil error; the caller fails the get.
	ReadInode(ctx context.Context, d *Dentry) error

	// WriteInode flushes d's current inode back to storage. Called by
	// Put (when DIRTY) and by the background flusher.
	WriteInode(ctx context.Context, d *Dentry) error

	// FreeInode removes the inode from backing storage. Called when a
	// dentry carrying INODE_TO_BE_DELETED reaches d_count == 0.
	FreeInode(ctx context.Context, d *Dentry) error

	// FSData returns driver-private state keyed by the dentry's
	// (device, inode) identity, stashed on the Dentry at allocation time.
	FSData(d *Dentry) any
}
