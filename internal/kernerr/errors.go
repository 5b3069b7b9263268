// Package kernerr defines the sentinel error kinds shared by the kernel's
// in-memory caches and dispatchers. Call sites wrap one of these with
// fmt.Errorf("...: %w", ...) so callers can still test with errors.Is while
// getting a message that names the failing operation.
package kernerr

import "errors"

var (
	// ErrInvalidArgument covers out-of-range signal numbers, a zero inode
	// index, or any other argument a caller should never have been able to
	// construct.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound covers a missing dentry or inode, a zone that isn't in
	// the map (so there's nothing to delete), no room for a random zone,
	// or a lookup that simply has no match.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyPresent covers a zone insertion that overlaps an existing
	// zone without room for fixup.
	ErrAlreadyPresent = errors.New("already present")

	// ErrOutOfMemory covers cache block/inode allocation failure.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrIOError covers a filesystem driver rejecting a read or write.
	ErrIOError = errors.New("i/o error")

	// ErrFatal covers a security-critical invariant violation (signal
	// stack checksum mismatch) that must terminate the owning process.
	ErrFatal = errors.New("fatal kernel invariant violation")
)
