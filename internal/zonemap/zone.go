// Package zonemap implements ZoneMap: a per-process ordered collection of
// non-overlapping virtual-address regions (ProcZone), with placement,
// fixup-on-overlap, random forward/backward placement, lookup and removal.
//
// A ZoneMap is not internally synchronized: the caller, a process manager
// owning one ZoneMap per process, is responsible for serializing access to
// a given map. This is unlike DCache, which is kernel-wide and therefore
// locks itself.
package zonemap

import (
	"golang.org/x/sys/unix"

	"github.com/opuntiaos/kernelcore/internal/dcache"
)

// ZoneFlags are a zone's access rights. The read/write/exec bits reuse the
// host's mmap protection constants; ZoneUser sits above them and marks the
// zone reachable from user mode.
type ZoneFlags uint32

const (
	ZoneReadable   = ZoneFlags(unix.PROT_READ)
	ZoneWritable   = ZoneFlags(unix.PROT_WRITE)
	ZoneExecutable = ZoneFlags(unix.PROT_EXEC)
	ZoneUser       ZoneFlags = 1 << 16
)

// ZoneType classifies what a zone holds.
type ZoneType uint32

const (
	ZoneTypeNull ZoneType = iota
	ZoneTypeCode
	ZoneTypeData
	ZoneTypeStack
	ZoneTypeBss
	ZoneTypeMapped
	ZoneTypeMappedFile
)

// ProcZone is a contiguous, page-aligned region of a process's virtual
// address space, optionally backed by a file through a DCache handle.
type ProcZone struct {
	Start uint64
	Len   uint64

	Flags ZoneFlags
	Type  ZoneType

	// File is the DCache dentry this zone maps, or nil for anonymous
	// memory; Offset is the zone's starting offset within that file.
	// ZoneMap never calls Get/Put on File; the reference is owned by the
	// process manager.
	File   *dcache.Dentry
	Offset uint64
}

// End returns the exclusive end address, Start+Len.
func (z *ProcZone) End() uint64 { return z.Start + z.Len }

// intersects reports whether z and other overlap at all.
func (z *ProcZone) intersects(start, length uint64) bool {
	end := start + length
	return start < z.End() && end > z.Start
}

func pageAlignRegion(pageSize, start, length uint64) (alignedStart, alignedLen uint64) {
	offset := start % pageSize
	alignedStart = start - offset
	total := length + offset
	if rem := total % pageSize; rem != 0 {
		total += pageSize - rem
	}
	return alignedStart, total
}
