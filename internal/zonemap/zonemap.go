package zonemap

import (
	"github.com/opuntiaos/kernelcore/internal/kernerr"
)

// ZoneMap is a dynamic, unsorted array of ProcZone belonging to one process
// (proc_new_zone et al. operate "_no_proc" on exactly this type; the
// process-manager-facing proc_* wrappers live in manager.go).
type ZoneMap struct {
	pageSize   uint64
	kernelBase uint64
	zones      []*ProcZone
}

// New returns an empty ZoneMap using pageSize for alignment and kernelBase
// as the starting point for backward (stack) placement.
func New(pageSize, kernelBase uint64) *ZoneMap {
	return &ZoneMap{pageSize: pageSize, kernelBase: kernelBase}
}

// Zones returns the live zones in map order. The returned slice aliases
// internal state and must not be mutated or retained across a write.
func (m *ZoneMap) Zones() []*ProcZone { return m.zones }

func (m *ZoneMap) overlapsAny(start, length uint64, skip *ProcZone) bool {
	for _, z := range m.zones {
		if z == skip {
			continue
		}
		if z.intersects(start, length) {
			return true
		}
	}
	return false
}

// NewZone page-aligns start down and len up (absorbing the sub-page offset
// lost from start), rejects the insertion if it overlaps any existing zone,
// and otherwise appends and returns the new zone (proc_new_zone / new_zone).
func (m *ZoneMap) NewZone(start, length uint64) (*ProcZone, error) {
	alignedStart, alignedLen := pageAlignRegion(m.pageSize, start, length)
	if alignedLen == 0 {
		return nil, kernerr.ErrInvalidArgument
	}
	if m.overlapsAny(alignedStart, alignedLen, nil) {
		return nil, kernerr.ErrAlreadyPresent
	}
	z := &ProcZone{Start: alignedStart, Len: alignedLen}
	m.zones = append(m.zones, z)
	return z, nil
}

// ExtendZone page-aligns start/len the same way as NewZone, then trims the
// requested region against every intersecting zone in map order (not just
// the first) before checking whether anything is left: if the request
// starts at or after a colliding zone's start, the request is pushed past
// that zone's end; otherwise the request is cut short at that zone's start.
// Only once every zone has had a chance to trim the region is a final
// len > 0 check made and the (possibly much smaller) zone inserted
// (proc_extend_zone / extend_zone, including _proc_can_fixup_zone's
// all-zones-in-one-pass behavior).
func (m *ZoneMap) ExtendZone(start, length uint64) (*ProcZone, error) {
	alignedStart, alignedLen := pageAlignRegion(m.pageSize, start, length)

	// Signed arithmetic: a colliding zone can swallow the request
	// entirely, driving len negative mid-pass, and only the final
	// len <= 0 check after every zone has had a chance to trim matters.
	s := int64(alignedStart)
	l := int64(alignedLen)

	for _, e := range m.zones {
		if !e.intersects(uint64(s), uint64(l)) {
			continue
		}
		es, ee := int64(e.Start), int64(e.End())
		if s >= es {
			newStart := ee
			l -= newStart - s
			s = newStart
		} else {
			l = es - s
		}
	}

	if l <= 0 {
		return nil, kernerr.ErrAlreadyPresent
	}

	z := &ProcZone{Start: uint64(s), Len: uint64(l)}
	m.zones = append(m.zones, z)
	return z, nil
}

// NewRandomZone tries (0, len) first, then (zone.End(), len) for each
// existing zone in map order, and inserts at the smallest start address
// where no overlap occurs (new_random_zone). ok is false if no placement
// fits anywhere.
func (m *ZoneMap) NewRandomZone(length uint64) (zone *ProcZone, ok bool) {
	_, length = pageAlignRegion(m.pageSize, 0, length)

	best := uint64(0)
	found := false
	try := func(start uint64) {
		if m.overlapsAny(start, length, nil) {
			return
		}
		if !found || start < best {
			best = start
			found = true
		}
	}

	try(0)
	for _, z := range m.zones {
		try(z.End())
	}
	if !found {
		return nil, false
	}

	z := &ProcZone{Start: best, Len: length}
	m.zones = append(m.zones, z)
	return z, true
}

// NewRandomZoneBackward tries (KernelBase-len, len) first, then
// (zone.Start-len, len) for each existing zone, and inserts at the largest
// start (closest to KernelBase) where no overlap occurs
// (new_random_zone_backward). Used for stack growth. ok is false if no
// placement fits anywhere below KernelBase.
func (m *ZoneMap) NewRandomZoneBackward(length uint64) (zone *ProcZone, ok bool) {
	_, length = pageAlignRegion(m.pageSize, 0, length)

	var best uint64
	found := false
	try := func(start uint64) {
		if length > start+length {
			return // underflow: start would be negative
		}
		if m.overlapsAny(start, length, nil) {
			return
		}
		if !found || start > best {
			best = start
			found = true
		}
	}

	if m.kernelBase >= length {
		try(m.kernelBase - length)
	}
	for _, z := range m.zones {
		if z.Start >= length {
			try(z.Start - length)
		}
	}
	if !found {
		return nil, false
	}

	z := &ProcZone{Start: best, Len: length}
	m.zones = append(m.zones, z)
	return z, true
}

// FindZone linear-scans for the zone containing addr (find_zone). ok is
// false if no zone contains it.
func (m *ZoneMap) FindZone(addr uint64) (zone *ProcZone, ok bool) {
	for _, z := range m.zones {
		if addr >= z.Start && addr < z.End() {
			return z, true
		}
	}
	return nil, false
}

// DeleteZone removes z by swapping it with the last element and popping
// (unordered removal, delete_zone). Reports whether z was present.
func (m *ZoneMap) DeleteZone(z *ProcZone) bool {
	for i, existing := range m.zones {
		if existing == z {
			last := len(m.zones) - 1
			m.zones[i] = m.zones[last]
			m.zones[last] = nil
			m.zones = m.zones[:last]
			return true
		}
	}
	return false
}
