// Package scheduler provides the scheduler collaborator SignalCore consumes
// (sched_enqueue, sched_dequeue, resched_dont_save_context, proc_die).
// This is a minimal run queue standing in for the real scheduler, used by
// tests and kernelctl the same way internal/vfsdriver stands in for a real
// filesystem driver.
package scheduler

import (
	"sync"

	"github.com/opuntiaos/kernelcore/internal/kernlog"
	"github.com/opuntiaos/kernelcore/internal/signalcore"
)

// Scheduler is a FIFO run queue plus a dead-thread set, implementing
// signalcore.Scheduler.
type Scheduler struct {
	mu    sync.Mutex
	queue []*signalcore.Thread
	dead  map[*signalcore.Thread]bool

	reschedules int
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{dead: make(map[*signalcore.Thread]bool)}
}

// Enqueue implements sched_enqueue.
func (s *Scheduler) Enqueue(thread *signalcore.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.queue {
		if t == thread {
			return
		}
	}
	s.queue = append(s.queue, thread)
}

// Dequeue implements sched_dequeue.
func (s *Scheduler) Dequeue(thread *signalcore.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.queue {
		if t == thread {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// RescheduleDontSaveContext implements resched_dont_save_context. There is
// no real CPU context to switch away from here; it just counts the call so
// tests/metrics can observe it happened.
func (s *Scheduler) RescheduleDontSaveContext() {
	s.mu.Lock()
	s.reschedules++
	s.mu.Unlock()
}

// Reschedules reports how many times RescheduleDontSaveContext has run.
func (s *Scheduler) Reschedules() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reschedules
}

// ProcDie implements proc_die: marks the thread's process dead and removes
// it from the run queue.
func (s *Scheduler) ProcDie(thread *signalcore.Thread) {
	s.mu.Lock()
	s.dead[thread] = true
	s.mu.Unlock()
	s.Dequeue(thread)
	kernlog.Warnf("scheduler: process terminated by signal dispatch")
}

// Dead reports whether thread's process has been marked dead by ProcDie.
func (s *Scheduler) Dead(thread *signalcore.Thread) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead[thread]
}

// Queued returns a snapshot of the current run queue, for tests/kernelctl.
func (s *Scheduler) Queued() []*signalcore.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*signalcore.Thread, len(s.queue))
	copy(out, s.queue)
	return out
}
