package signalcore

import (
	"fmt"

	"github.com/opuntiaos/kernelcore/internal/kernerr"
)

// StackMagic tags how a thread's kernel stack was left by setup_stack_to_
// handle_signal: MAGIC_STATE_JUST_TF / MAGIC_STATE_NEW_STACK as named
// constants rather than raw magic ints.
type StackMagic int

const (
	// JustTF means the signal frame was built directly on the running
	// thread's own kernel stack: no splice, no checksum.
	JustTF StackMagic = iota
	// NewStack means the thread was stopped inside the kernel and a
	// fresh kernel frame was spliced on top of its saved context; restore
	// must verify the checksum and reschedule without saving.
	NewStack
)

// Trapframe is the arch-agnostic rendering of a thread's saved register
// frame. ReturnValueRegister generalizes the per-architecture `return_tf`
// macro (ebx on i386, r[1] on arm) into a single accessor.
type Trapframe struct {
	StackPointer       uint64
	InstructionPointer uint64
	Registers          [16]uint64
}

// ReturnValueRegister returns the register the signal-return syscall uses
// to pass back the "return trapframe" pointer value.
func (tf *Trapframe) ReturnValueRegister() uint64 {
	if tf == nil {
		return 0
	}
	return tf.Registers[0]
}

func (tf *Trapframe) checksum(ctx *Context) uint64 {
	return trapframeHash(tf) ^ contextHash(ctx)
}

func trapframeHash(tf *Trapframe) uint64 {
	if tf == nil {
		return 0
	}
	h := tf.StackPointer ^ tf.InstructionPointer
	for _, r := range tf.Registers {
		h ^= r
	}
	return h
}

func contextHash(ctx *Context) uint64 {
	if ctx == nil {
		return 0
	}
	return ctx.StackPointer ^ uint64(len(ctx.Saved))
}

// Context is the kernel-side saved register context (callee-saved
// registers across a context switch), opaque to everything but the
// platform stack implementation.
type Context struct {
	StackPointer uint64
	Saved        []uint64
}

// PlatformStack is the platform-specific pair signal_impl_prepare_stack/
// signal_impl_restore_stack: laying out the user stack so the trampoline
// can read signo/old_sp/magic, and reading them back on return.
type PlatformStack interface {
	// PrepareStack lays out thread's user stack for the trampoline.
	PrepareStack(thread *Thread, signo int, oldSP uint64, magic StackMagic) error
	// RestoreStack reads back old_sp/magic the trampoline was given.
	RestoreStack(thread *Thread) (oldSP uint64, magic StackMagic, err error)
}

// setupStackToHandleSignal implements setup_stack_to_handle_signal: disable
// interrupts, switch to the target process's page directory, capture
// old_sp/magic, splice a fresh kernel frame when the target isn't the
// running thread, call the platform hook, then restore pdir and interrupts.
func (d *Dispatcher) setupStackToHandleSignal(thread *Thread, signo int) error {
	restoreInterrupts := d.interrupts.Disable()
	defer restoreInterrupts()

	restorePdir := d.pdir.SwitchTo(thread.Process)
	defer restorePdir()

	oldSP := thread.TF.StackPointer
	magic := JustTF

	if !thread.Running {
		// Stopped inside the kernel: building a frame on its own
		// kernel stack would corrupt saved state, so splice a fresh
		// frame on top instead.
		magic = NewStack
		oldTF := thread.TF
		oldCtx := thread.Context

		thread.savedOldTF = oldTF
		thread.savedOldCtx = oldCtx
		thread.TF = &Trapframe{StackPointer: oldCtx.StackPointer}
		thread.Context = &Context{StackPointer: oldCtx.StackPointer}
		thread.checksum = oldTF.checksum(oldCtx)
	}

	if err := d.platform.PrepareStack(thread, signo, oldSP, magic); err != nil {
		return fmt.Errorf("signalcore: prepare_stack: %w", err)
	}
	return nil
}

// restoreThreadAfterHandlingSignal implements restore_thread_after_
// handling_signal: read the syscall's "return trapframe" argument before
// touching any state, read back old_sp/magic, verify the checksum when a
// new stack was spliced (fatal on mismatch), restore tf/context, warn on SP
// divergence, reschedule without saving when the thread must not resume
// where it left off, and otherwise return the stashed ret so the syscall
// completes normally.
func (d *Dispatcher) restoreThreadAfterHandlingSignal(thread *Thread) (ret uint64, err error) {
	ret = thread.TF.ReturnValueRegister()

	oldSP, magic, err := d.platform.RestoreStack(thread)
	if err != nil {
		return 0, fmt.Errorf("signalcore: restore_stack: %w", err)
	}

	if magic == NewStack {
		oldTF, oldCtx := thread.savedOldTF, thread.savedOldCtx
		if oldTF == nil || oldCtx == nil || oldTF.checksum(oldCtx) != thread.checksum {
			d.scheduler.ProcDie(thread)
			d.scheduler.RescheduleDontSaveContext()
			return 0, kernerr.ErrFatal
		}
		thread.TF = oldTF
		thread.Context = oldCtx
		thread.savedOldTF = nil
		thread.savedOldCtx = nil
	}

	if oldSP != thread.TF.StackPointer {
		d.logSPDivergence(thread, oldSP)
	}

	if b := thread.Signals.BlockerState(); b != nil {
		d.scheduler.Dequeue(thread)
		thread.Running = false
		d.scheduler.RescheduleDontSaveContext()
	}

	if magic == NewStack {
		d.scheduler.RescheduleDontSaveContext()
	}
	return ret, nil
}
