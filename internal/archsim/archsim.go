// Package archsim stands in for the platform-specific primitives the C
// kernel calls directly (system_disable_interrupts/system_enable_interrupts,
// vmm_switch_pdir/vmm_get_active_pdir, vmm_prepare_active_pdir_for_copying_at).
// The real implementations are architecture assembly and page-table code;
// this package gives DCache's flusher and SignalCore's stack setup something
// concrete to call so their critical sections stay visible, without
// pretending to implement an MMU.
package archsim

import "sync"

// InterruptGuard models disabling interrupts for the duration of a narrow
// critical section, the system_disable_interrupts/system_enable_interrupts
// pair bracketing a single writeback or stack splice. It is not reentrant:
// nesting two guards on one CPU is a bug in the caller, not a feature.
type InterruptGuard struct {
	mu      sync.Mutex
	enabled bool
}

// NewInterruptGuard returns a guard in the "interrupts enabled" state.
func NewInterruptGuard() *InterruptGuard {
	return &InterruptGuard{enabled: true}
}

// Disable disables interrupts, returning a function that re-enables them.
// Callers use it as:
//
//	restore := g.Disable()
//	defer restore()
func (g *InterruptGuard) Disable() func() {
	g.mu.Lock()
	g.enabled = false
	return func() {
		g.enabled = true
		g.mu.Unlock()
	}
}

// Enabled reports whether interrupts are currently enabled on this guard.
func (g *InterruptGuard) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// PageDirectory identifies a process address space. SignalCore swaps the
// active one out and back while it builds a signal frame in the target
// process's address space.
type PageDirectory uint64

// PageDirectorySwitcher models vmm_get_active_pdir/vmm_switch_pdir: exactly
// one page directory is active at a time, representing the MMU state of the
// CPU running the calling goroutine.
type PageDirectorySwitcher struct {
	mu     sync.Mutex
	active PageDirectory
}

// NewPageDirectorySwitcher returns a switcher with the given directory
// active.
func NewPageDirectorySwitcher(active PageDirectory) *PageDirectorySwitcher {
	return &PageDirectorySwitcher{active: active}
}

// Active returns the currently loaded page directory.
func (s *PageDirectorySwitcher) Active() PageDirectory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SwitchTo loads target and returns a function that restores the previously
// active directory, mirroring:
//
//	prev_pdir := vmm_get_active_pdir()
//	vmm_switch_pdir(target)
//	...
//	vmm_switch_pdir(prev_pdir)
func (s *PageDirectorySwitcher) SwitchTo(target PageDirectory) func() {
	s.mu.Lock()
	prev := s.active
	s.active = target
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.active = prev
		s.mu.Unlock()
	}
}
