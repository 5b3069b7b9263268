package signalcore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/opuntiaos/kernelcore/internal/archsim"
	"github.com/opuntiaos/kernelcore/internal/kernerr"
	"github.com/opuntiaos/kernelcore/internal/signalcore"
)

// fakePlatform is an in-memory PlatformStack: it just remembers the last
// (signo, oldSP, magic) it was given and hands it back on restore,
// standing in for the real per-architecture assembly.
type fakePlatform struct {
	signo int
	oldSP uint64
	magic signalcore.StackMagic
}

func (f *fakePlatform) PrepareStack(thread *signalcore.Thread, signo int, oldSP uint64, magic signalcore.StackMagic) error {
	f.signo, f.oldSP, f.magic = signo, oldSP, magic
	return nil
}

func (f *fakePlatform) RestoreStack(thread *signalcore.Thread) (uint64, signalcore.StackMagic, error) {
	return f.oldSP, f.magic, nil
}

type fakeScheduler struct {
	enqueued  []*signalcore.Thread
	dequeued  []*signalcore.Thread
	died      []*signalcore.Thread
	reschedDS int
}

func (s *fakeScheduler) Enqueue(t *signalcore.Thread) { s.enqueued = append(s.enqueued, t) }
func (s *fakeScheduler) Dequeue(t *signalcore.Thread) { s.dequeued = append(s.dequeued, t) }
func (s *fakeScheduler) RescheduleDontSaveContext()   { s.reschedDS++ }
func (s *fakeScheduler) ProcDie(t *signalcore.Thread) { s.died = append(s.died, t) }

func newDispatcher() (*signalcore.Dispatcher, *fakeScheduler, *fakePlatform) {
	sched := &fakeScheduler{}
	plat := &fakePlatform{}
	pdir := archsim.NewPageDirectorySwitcher(0)
	return signalcore.NewDispatcher(sched, plat, pdir), sched, plat
}

func TestSetHandlerAllowPendingBoundsChecked(t *testing.T) {
	s := signalcore.New()
	require.NoError(t, s.SetHandler(5, 0x1000))
	require.Error(t, s.SetHandler(-1, 0x1000))
	require.Error(t, s.SetHandler(signalcore.SignalsCount, 0x1000))
	require.NoError(t, s.SetAllow(5, true))
	require.Error(t, s.SetAllow(-1, true))
	require.Error(t, s.SetAllow(signalcore.SignalsCount, true))
	require.NoError(t, s.SetPending(5))
	assert.NotZero(t, s.Pending()&(1<<5))
	require.NoError(t, s.RemPending(5))
	assert.Zero(t, s.Pending()&(1<<5))
}

func TestSetPrivateClearsOneAllowedBit(t *testing.T) {
	s := signalcore.New()
	require.NoError(t, s.SetAllow(5, true))
	require.NoError(t, s.SetAllow(6, true))

	require.NoError(t, s.SetPrivate(5))
	assert.Zero(t, s.Mask()&(1<<5), "a private signal can't be delivered")
	assert.NotZero(t, s.Mask()&(1<<6), "other allowed signals are untouched")

	require.Error(t, s.SetPrivate(-1))
	require.Error(t, s.SetPrivate(signalcore.SignalsCount))
}

func TestDispatchPendingEmptyReturnsNotFound(t *testing.T) {
	d, _, _ := newDispatcher()
	th := signalcore.NewThread(0, &signalcore.Trapframe{}, &signalcore.Context{})
	assert.ErrorIs(t, d.DispatchPending(th), kernerr.ErrNotFound)
}

// Scenario 5: signal 9 (kill) to a running thread with no handler installed
// terminates the process; no UNBLOCK happens.
func TestSignalNineToRunningThreadWithNoHandlerTerminates(t *testing.T) {
	d, sched, _ := newDispatcher()
	th := signalcore.NewThread(0, &signalcore.Trapframe{}, &signalcore.Context{})
	th.Running = true

	require.NoError(t, th.Signals.SetAllow(int(unix.SIGKILL), true))
	require.NoError(t, th.Signals.SetPending(int(unix.SIGKILL)))

	require.NoError(t, d.DispatchPending(th))
	assert.Len(t, sched.died, 1)
	assert.Empty(t, sched.enqueued, "terminate must not also enqueue for UNBLOCK")
}

// Scenario 6: a blocked thread (should_unblock_for_signal = true) receives
// a signal with a handler installed: the kernel stack is spliced
// (NEW_STACK), the thread is enqueued, and on restore the checksum
// verifies, tf/ctx are restored, and the thread re-blocks.
func TestSignalToBlockedThreadSplicesAndRestores(t *testing.T) {
	d, sched, plat := newDispatcher()

	origTF := &signalcore.Trapframe{StackPointer: 0x1000, Registers: [16]uint64{1, 2, 3}}
	origCtx := &signalcore.Context{StackPointer: 0x2000, Saved: []uint64{9, 9}}
	th := signalcore.NewThread(0, origTF, origCtx)
	th.Running = false
	th.Signals.SetBlocker(&signalcore.Blocker{Reason: "waiting on pipe", ShouldUnblockForSignal: true})

	const sigusr1 = 10
	require.NoError(t, th.Signals.SetHandler(sigusr1, 0xDEAD))
	require.NoError(t, th.Signals.SetAllow(sigusr1, true))
	require.NoError(t, th.Signals.SetPending(sigusr1))

	require.NoError(t, d.DispatchPending(th))
	assert.Equal(t, signalcore.NewStack, plat.magic, "a stopped thread must get a spliced NEW_STACK frame")
	assert.Len(t, sched.enqueued, 1, "UNBLOCK with should_unblock_for_signal must enqueue the thread")

	_, err := d.RestoreThreadAfterHandlingSignal(th)
	require.NoError(t, err)
	assert.Equal(t, origTF, th.TF, "restore must put back the exact original trapframe")
	assert.Equal(t, origCtx, th.Context, "restore must put back the exact original context")
	assert.Len(t, sched.dequeued, 1, "a thread with a live blocker must be dequeued on restore")
	assert.Equal(t, 2, sched.reschedDS, "NEW_STACK restore reschedules without saving, plus the re-block reschedule")
}

// The non-blocked, JustTF restore path must hand back the syscall's stashed
// "return trapframe" register untouched, and must not reschedule at all,
// since nothing forced one.
func TestRestoreReturnsStashedRetOnNormalCompletion(t *testing.T) {
	d, sched, _ := newDispatcher()

	tf := &signalcore.Trapframe{StackPointer: 0x3000, Registers: [16]uint64{0xCAFE}}
	ctx := &signalcore.Context{StackPointer: 0x4000}
	th := signalcore.NewThread(0, tf, ctx)
	th.Running = true

	const sigusr2 = 11
	require.NoError(t, th.Signals.SetHandler(sigusr2, 0xDEAD))
	require.NoError(t, th.Signals.SetAllow(sigusr2, true))
	require.NoError(t, th.Signals.SetPending(sigusr2))

	require.NoError(t, d.DispatchPending(th))

	ret, err := d.RestoreThreadAfterHandlingSignal(th)
	require.NoError(t, err)
	assert.EqualValues(t, 0xCAFE, ret, "restore must hand back the syscall's stashed return-trapframe register")
	assert.Zero(t, sched.reschedDS, "a running thread with no blocker must not be rescheduled on restore")
}

