package signalcore

import (
	"math/bits"

	"github.com/opuntiaos/kernelcore/internal/archsim"
	"github.com/opuntiaos/kernelcore/internal/kernerr"
	"github.com/opuntiaos/kernelcore/internal/kernlog"
)

// Thread is the subset of per-thread kernel state SignalCore reads and
// rewrites: its signal bookkeeping, saved register frames, and which
// process's address space it belongs to. Running reports whether this
// thread is the one currently executing on some CPU (as opposed to
// descheduled/blocked), the distinction setup_stack_to_handle_signal uses
// to decide whether it's safe to build a signal frame directly on the
// thread's own kernel stack.
type Thread struct {
	Signals *SignalState
	TF      *Trapframe
	Context *Context
	Process archsim.PageDirectory
	Running bool

	// savedOldTF/savedOldCtx/checksum are populated only while a
	// NEW_STACK frame is in flight, between setup and restore.
	savedOldTF  *Trapframe
	savedOldCtx *Context
	checksum    uint64
}

// NewThread returns a Thread belonging to process, with a fresh
// SignalState and the given initial trapframe/context.
func NewThread(process archsim.PageDirectory, tf *Trapframe, ctx *Context) *Thread {
	return &Thread{Signals: New(), TF: tf, Context: ctx, Process: process, Running: true}
}

// Scheduler is the scheduler surface SignalCore consumes: sched_enqueue,
// sched_dequeue, resched_dont_save_context, and proc_die.
type Scheduler interface {
	Enqueue(thread *Thread)
	Dequeue(thread *Thread)
	RescheduleDontSaveContext()
	ProcDie(thread *Thread)
}

// dispatchResult is the internal process(thread, signo) outcome.
type dispatchResult int

const (
	resultEFault dispatchResult = iota
	resultUnblock
	resultTerminated
)

// DispatchMetrics is the narrow surface Dispatcher reports dispatch
// outcomes to; the Prometheus-backed implementation lives in
// internal/kmetrics so this package stays free of a hard dependency on the
// metrics registry.
type DispatchMetrics interface {
	IncDispatched(outcome string)
}

type noopDispatchMetrics struct{}

func (noopDispatchMetrics) IncDispatched(string) {}

// Dispatcher ties a Scheduler, a PlatformStack and the CPU-global interrupt/
// page-directory state together to run dispatch_pending/setup_stack_to_
// handle_signal/restore_thread_after_handling_signal for any thread.
type Dispatcher struct {
	scheduler  Scheduler
	platform   PlatformStack
	interrupts *archsim.InterruptGuard
	pdir       *archsim.PageDirectorySwitcher
	jumper     *Jumper
	metrics    DispatchMetrics
}

// NewDispatcher builds a Dispatcher. pdir models the single CPU-global
// active-page-directory register signal setup swaps in and out of; callers
// typically share one across every Dispatcher/thread on a given CPU.
func NewDispatcher(scheduler Scheduler, platform PlatformStack, pdir *archsim.PageDirectorySwitcher) *Dispatcher {
	return &Dispatcher{
		scheduler:  scheduler,
		platform:   platform,
		interrupts: archsim.NewInterruptGuard(),
		pdir:       pdir,
		metrics:    noopDispatchMetrics{},
	}
}

// SetJumper installs the trampoline page handler delivery resumes into.
// Until one is set, handler dispatch leaves the instruction pointer alone
// (only meaningful in tests that don't model user address space).
func (d *Dispatcher) SetJumper(j *Jumper) {
	d.jumper = j
}

// SetMetrics installs a metrics sink; nil restores the no-op sink.
func (d *Dispatcher) SetMetrics(m DispatchMetrics) {
	if m == nil {
		m = noopDispatchMetrics{}
	}
	d.metrics = m
}

// DispatchPending implements dispatch_pending: picks the lowest-numbered
// bit set in both pending and mask, starting the scan at signal 1 (signal 0
// is never dispatched), clears it, and processes it.
func (d *Dispatcher) DispatchPending(thread *Thread) error {
	candidates := thread.Signals.Pending() & thread.Signals.Mask() &^ 1
	if candidates == 0 {
		return kernerr.ErrNotFound
	}

	signo := bits.TrailingZeros32(candidates)
	if err := thread.Signals.RemPending(signo); err != nil {
		return err
	}

	result, err := d.process(thread, signo)
	if err != nil {
		d.metrics.IncDispatched("efault")
		return err
	}

	switch result {
	case resultUnblock:
		d.metrics.IncDispatched("unblock")
		if b := thread.Signals.BlockerState(); b != nil && b.ShouldUnblockForSignal {
			d.scheduler.Enqueue(thread)
		}
	case resultTerminated:
		d.metrics.IncDispatched("terminated")
	}
	return nil
}

// process implements process(thread, signo): invoke the user handler via a
// spliced/resumed stack if one is installed, else fall back to the default
// action table (only SIGKILL has one; everything else is EFAULT).
func (d *Dispatcher) process(thread *Thread, signo int) (dispatchResult, error) {
	handler, err := thread.Signals.Handler(signo)
	if err != nil {
		return resultEFault, err
	}

	if handler != 0 {
		if err := d.setupStackToHandleSignal(thread, signo); err != nil {
			return resultEFault, err
		}
		if d.jumper != nil {
			thread.TF.InstructionPointer = d.jumper.Start
		}
		return resultUnblock, nil
	}

	terminate, hasDefault := defaultAction(signo)
	if !hasDefault {
		return resultEFault, kernerr.ErrInvalidArgument
	}
	if terminate {
		d.scheduler.ProcDie(thread)
		return resultTerminated, nil
	}
	return resultEFault, kernerr.ErrInvalidArgument
}

// SetupStackToHandleSignal exposes setupStackToHandleSignal for direct use
// outside of DispatchPending (e.g. tests exercising scenario 6 in
// isolation).
func (d *Dispatcher) SetupStackToHandleSignal(thread *Thread, signo int) error {
	return d.setupStackToHandleSignal(thread, signo)
}

// RestoreThreadAfterHandlingSignal implements restore_thread_after_handling_
// signal, called in response to the signal-return syscall the trampoline
// issues once the user handler returns. The returned ret is the syscall's
// stashed "return trapframe" argument, to be handed back as that syscall's
// own return value once the caller confirms no reschedule happened.
func (d *Dispatcher) RestoreThreadAfterHandlingSignal(thread *Thread) (ret uint64, err error) {
	return d.restoreThreadAfterHandlingSignal(thread)
}

func (d *Dispatcher) logSPDivergence(thread *Thread, oldSP uint64) {
	kernlog.Warnf("signalcore: stack pointer diverged after signal restore: old=%#x new=%#x", oldSP, thread.TF.StackPointer)
}
