package archsim

import (
	"fmt"
	"sync"
)

// PageFlags are the PAGE_* access bits the page-table backend understands
// (PAGE_READABLE | PAGE_WRITABLE | PAGE_EXECUTABLE | PAGE_USER).
type PageFlags uint32

const (
	PageReadable PageFlags = 1 << iota
	PageWritable
	PageExecutable
	PageUser
)

// PageTable is the map/unmap/load/tune surface of the page-table backend,
// which is out of scope here (the real one is per-architecture MMU code).
// SignalCore uses it to build the trampoline page: load it writable, copy
// the trampoline in, then tune it read+exec+user so it can never be written
// again.
type PageTable interface {
	// MapPage makes vaddr's page present with the given access bits,
	// allocating a backing frame if needed (vmm_map_page).
	MapPage(vaddr uint64, flags PageFlags) error

	// UnmapPage removes vaddr's page (vmm_unmap_page).
	UnmapPage(vaddr uint64) error

	// LoadPage allocates and maps a zeroed page at vaddr
	// (vmm_load_page).
	LoadPage(vaddr uint64, flags PageFlags) error

	// TunePage changes the access bits of an already-present page
	// (vmm_tune_page).
	TunePage(vaddr uint64, flags PageFlags) error

	// CopyToPage writes data through the mapping at vaddr, standing in
	// for the kernel's direct memcpy into a freshly loaded page. Fails
	// if the page is absent or not writable.
	CopyToPage(vaddr uint64, data []byte) error
}

type simPage struct {
	flags PageFlags
	data  []byte
}

// SimPageTable is an in-memory PageTable for tests and kernelctl: a page
// map keyed by page-aligned address, with access bits actually enforced on
// CopyToPage so "tune the trampoline page read-only" is observable.
type SimPageTable struct {
	pageSize uint64

	mu    sync.Mutex
	pages map[uint64]*simPage
}

// NewSimPageTable returns an empty simulated page table.
func NewSimPageTable(pageSize uint64) *SimPageTable {
	return &SimPageTable{pageSize: pageSize, pages: make(map[uint64]*simPage)}
}

func (pt *SimPageTable) alignDown(vaddr uint64) uint64 {
	return vaddr - vaddr%pt.pageSize
}

// MapPage implements PageTable.
func (pt *SimPageTable) MapPage(vaddr uint64, flags PageFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	base := pt.alignDown(vaddr)
	p, ok := pt.pages[base]
	if !ok {
		p = &simPage{data: make([]byte, pt.pageSize)}
		pt.pages[base] = p
	}
	p.flags = flags
	return nil
}

// UnmapPage implements PageTable.
func (pt *SimPageTable) UnmapPage(vaddr uint64) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	base := pt.alignDown(vaddr)
	if _, ok := pt.pages[base]; !ok {
		return fmt.Errorf("archsim: unmap of absent page %#x", base)
	}
	delete(pt.pages, base)
	return nil
}

// LoadPage implements PageTable.
func (pt *SimPageTable) LoadPage(vaddr uint64, flags PageFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	base := pt.alignDown(vaddr)
	pt.pages[base] = &simPage{flags: flags, data: make([]byte, pt.pageSize)}
	return nil
}

// TunePage implements PageTable.
func (pt *SimPageTable) TunePage(vaddr uint64, flags PageFlags) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	base := pt.alignDown(vaddr)
	p, ok := pt.pages[base]
	if !ok {
		return fmt.Errorf("archsim: tune of absent page %#x", base)
	}
	p.flags = flags
	return nil
}

// CopyToPage implements PageTable.
func (pt *SimPageTable) CopyToPage(vaddr uint64, data []byte) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	base := pt.alignDown(vaddr)
	p, ok := pt.pages[base]
	if !ok {
		return fmt.Errorf("archsim: write to absent page %#x", base)
	}
	if p.flags&PageWritable == 0 {
		return fmt.Errorf("archsim: write to read-only page %#x", base)
	}
	off := vaddr - base
	if off+uint64(len(data)) > pt.pageSize {
		return fmt.Errorf("archsim: write of %d bytes at %#x crosses page end", len(data), vaddr)
	}
	copy(p.data[off:], data)
	return nil
}

// ReadPage returns n bytes starting at vaddr, for tests inspecting what a
// CopyToPage left behind. Reads are allowed regardless of access bits.
func (pt *SimPageTable) ReadPage(vaddr uint64, n int) ([]byte, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	base := pt.alignDown(vaddr)
	p, ok := pt.pages[base]
	if !ok {
		return nil, fmt.Errorf("archsim: read of absent page %#x", base)
	}
	off := vaddr - base
	if off+uint64(n) > pt.pageSize {
		return nil, fmt.Errorf("archsim: read of %d bytes at %#x crosses page end", n, vaddr)
	}
	out := make([]byte, n)
	copy(out, p.data[off:])
	return out, nil
}

// FlagsAt returns the access bits of the page containing vaddr.
func (pt *SimPageTable) FlagsAt(vaddr uint64) (PageFlags, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.pages[pt.alignDown(vaddr)]
	if !ok {
		return 0, false
	}
	return p.flags, true
}
