// Package signalcore implements SignalCore: per-thread signal state and
// dispatch, user-handler invocation by rewriting the thread's trapframe,
// and restoration after the handler returns, including the case where the
// signalled thread was blocked inside the kernel and needs a fresh stack
// frame spliced on top of its saved kernel state.
//
// A SignalState belongs to exactly one thread and is not shared, so it is
// not internally synchronized; callers (the scheduler, syscall dispatch)
// serialize access the way the rest of the kernel serializes per-thread
// state.
package signalcore

import (
	"golang.org/x/sys/unix"

	"github.com/opuntiaos/kernelcore/internal/kernerr"
)

// SignalsCount bounds signo to [0, SignalsCount) (SIGNALS_CNT).
const SignalsCount = 32

// Handler is a user-space handler address (0 means "use the default
// action").
type Handler uintptr

// Blocker describes why a thread is suspended and whether a signal may
// wake it, mirroring the per-thread blocker descriptor.
type Blocker struct {
	Reason                 string
	ShouldUnblockForSignal bool
}

// SignalState is the per-thread signal bookkeeping: handler table, allowed
// and pending masks, and the blocker descriptor.
type SignalState struct {
	handlers           [SignalsCount]Handler
	signalsMask        uint32 // bits of allowed signals
	pendingSignalsMask uint32 // bits of queued signals
	blocker            *Blocker
}

// New returns a SignalState with every signal defaulted (handler 0,
// disallowed, nothing pending).
func New() *SignalState {
	return &SignalState{}
}

func validSigno(signo int) bool {
	return signo >= 0 && signo < SignalsCount
}

// SetHandler installs handler for signo (signal_set_handler).
func (s *SignalState) SetHandler(signo int, handler Handler) error {
	if !validSigno(signo) {
		return kernerr.ErrInvalidArgument
	}
	s.handlers[signo] = handler
	return nil
}

// Handler returns the installed handler for signo, or an error if signo is
// out of range.
func (s *SignalState) Handler(signo int) (Handler, error) {
	if !validSigno(signo) {
		return 0, kernerr.ErrInvalidArgument
	}
	return s.handlers[signo], nil
}

// SetAllow sets or clears signo's bit in the allowed mask (signal_set_allow).
func (s *SignalState) SetAllow(signo int, allowed bool) error {
	if !validSigno(signo) {
		return kernerr.ErrInvalidArgument
	}
	if allowed {
		s.signalsMask |= 1 << uint(signo)
	} else {
		s.signalsMask &^= 1 << uint(signo)
	}
	return nil
}

// SetPrivate makes signo private: it can't be delivered until allowed again
// (signal_set_private).
func (s *SignalState) SetPrivate(signo int) error {
	if !validSigno(signo) {
		return kernerr.ErrInvalidArgument
	}
	s.signalsMask &^= 1 << uint(signo)
	return nil
}

// Mask returns the current allowed-signals bitmask.
func (s *SignalState) Mask() uint32 { return s.signalsMask }

// SetPending sets signo's bit in the pending mask (signal_set_pending).
func (s *SignalState) SetPending(signo int) error {
	if !validSigno(signo) {
		return kernerr.ErrInvalidArgument
	}
	s.pendingSignalsMask |= 1 << uint(signo)
	return nil
}

// RemPending clears signo's bit in the pending mask (signal_rem_pending).
func (s *SignalState) RemPending(signo int) error {
	if !validSigno(signo) {
		return kernerr.ErrInvalidArgument
	}
	s.pendingSignalsMask &^= 1 << uint(signo)
	return nil
}

// Pending returns the current pending-signals bitmask.
func (s *SignalState) Pending() uint32 { return s.pendingSignalsMask }

// SetBlocker installs or clears the thread's blocker descriptor.
func (s *SignalState) SetBlocker(b *Blocker) { s.blocker = b }

// BlockerState returns the thread's current blocker descriptor, or nil.
func (s *SignalState) BlockerState() *Blocker { return s.blocker }

// defaultAction mirrors signal_default_action: only SIGKILL has an effect
// (terminate); everything else has no default and dispatch must report
// EFAULT. Expressed with unix.Signal constants rather than bare ints so the
// one case that matters is self-documenting.
func defaultAction(signo int) (terminate bool, hasDefault bool) {
	if unix.Signal(signo) == unix.SIGKILL {
		return true, true
	}
	return false, false
}
