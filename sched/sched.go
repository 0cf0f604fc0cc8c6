// Package sched implements the single-CPU preemptive round-robin
// scheduler with priority inheritance. The "current task" is a plain
// mutex-guarded package variable rather than goroutine-local storage:
// on a single CPU at most one task ever runs at a time, so that's sound.
package sched

import (
	"container/list"
	"sync"

	"oskernel/defs"
	"oskernel/klog"
	"oskernel/limits"
)

/// DEFAULT_PRIORITY is the base_priority new tasks start with.
const DEFAULT_PRIORITY = 50

/// Reason_t names why a task became blocked.
type Reason_t int

const (
	BlockNone Reason_t = iota
	BlockMutex
	BlockSem
	BlockCondvar
	BlockSleep
	BlockWait
)

/// Task_t is the scheduler unit.
type Task_t struct {
	Tid               defs.Tid_t
	OwningPid         defs.Pid_t
	State             defs.Pstate_t
	BasePriority      int
	InheritedPriority int // -1 means "no donation active"
	KernelStackBase   uintptr
	KernelStackSize   int
	SavedSp           uintptr
	WakeTick          uint64
	BlockedOn         Reason_t
	Entry             func()

	// CpuTime is the number of scheduler ticks charged to this task
	// while it was current. StartTick is the tick count at creation.
	CpuTime   uint64
	StartTick uint64

	elem *list.Element // backing element in the ready queue, if enqueued
}

/// EffectivePriority is min(base_priority, inherited_priority) when
/// inheritance is active, else base_priority.
func (t *Task_t) EffectivePriority() int {
	if t.InheritedPriority >= 0 && t.InheritedPriority < t.BasePriority {
		return t.InheritedPriority
	}
	return t.BasePriority
}

type scheduler_t struct {
	sync.Mutex
	ready   *list.List // ready queue: singly-linked in spirit, tail-insert/head-remove
	tasks   map[defs.Tid_t]*Task_t
	nexttid defs.Tid_t
	tick    uint64
	idle    *Task_t
	current *Task_t
}

var sc = &scheduler_t{ready: list.New(), tasks: make(map[defs.Tid_t]*Task_t)}

/// Init creates the idle task. It is never in the ready queue except
/// while dispatched.
func Init() {
	sc.Lock()
	defer sc.Unlock()
	sc.idle = &Task_t{Tid: 0, State: defs.PROC_READY, BasePriority: 1 << 30, InheritedPriority: -1, Entry: func() {}}
	sc.tasks[sc.idle.Tid] = sc.idle
	sc.current = sc.idle
}

/// Task_create records stackSize and entry in a new task and inserts it
// into the ready queue; no kernel stack memory is allocated and no
// initial register frame is built.
func Task_create(owner defs.Pid_t, entry func(), stackSize int) *Task_t {
	limits.Syslimit.Tasks.Take()
	sc.Lock()
	defer sc.Unlock()
	sc.nexttid++
	t := &Task_t{
		Tid:               sc.nexttid,
		OwningPid:         owner,
		State:             defs.PROC_READY,
		BasePriority:      DEFAULT_PRIORITY,
		InheritedPriority: -1,
		KernelStackSize:   stackSize,
		Entry:             entry,
		StartTick:         sc.tick,
	}
	sc.tasks[t.Tid] = t
	t.elem = sc.ready.PushBack(t)
	return t
}

/// Get returns the task for tid, if any.
func Get(tid defs.Tid_t) (*Task_t, bool) {
	sc.Lock()
	defer sc.Unlock()
	t, ok := sc.tasks[tid]
	return t, ok
}

/// Current returns the presently running task.
func Current() *Task_t {
	sc.Lock()
	defer sc.Unlock()
	return sc.current
}

// dequeueReady pops the ready-queue head, or nil if empty.
func (s *scheduler_t) dequeueReady() *Task_t {
	e := s.ready.Front()
	if e == nil {
		return nil
	}
	s.ready.Remove(e)
	t := e.Value.(*Task_t)
	t.elem = nil
	return t
}

func (s *scheduler_t) enqueueReady(t *Task_t) {
	t.elem = s.ready.PushBack(t)
}

/// Schedule pops the ready-queue head; if empty or identical to
// current, returns without switching;
// otherwise re-enqueue the current task (if still runnable and not idle)
// and perform the context switch. Returns the task now current.
func Schedule() *Task_t {
	sc.Lock()
	defer sc.Unlock()
	next := sc.dequeueReady()
	if next == nil || next == sc.current {
		if next != nil && next != sc.current {
			sc.enqueueReady(next)
		}
		return sc.current
	}
	prev := sc.current
	if prev != nil && prev != sc.idle && prev.State == defs.PROC_RUNNING {
		prev.State = defs.PROC_READY
		sc.enqueueReady(prev)
	}
	next.State = defs.PROC_RUNNING
	sc.current = next
	return next
}

/// Scheduler_tick is called on every timer interrupt by the trap
// dispatcher: charges one tick to the current task, wakes
// any sleeping task whose wake time has passed, and triggers Schedule if
// the ready queue is non-empty.
func Scheduler_tick() *Task_t {
	sc.Lock()
	sc.tick++
	now := sc.tick
	if sc.current != nil && sc.current != sc.idle {
		sc.current.CpuTime++
	}
	for _, t := range sc.tasks {
		if t.State == defs.PROC_BLOCKED && t.BlockedOn == BlockSleep && t.WakeTick != 0 && t.WakeTick <= now {
			t.State = defs.PROC_READY
			t.BlockedOn = BlockNone
			sc.enqueueReady(t)
		}
	}
	nonEmpty := sc.ready.Len() > 0
	sc.Unlock()
	if nonEmpty {
		return Schedule()
	}
	return Current()
}

/// Task_block marks the current task blocked for reason and schedules
// away from it.
func Task_block(reason Reason_t) {
	sc.Lock()
	t := sc.current
	t.State = defs.PROC_BLOCKED
	t.BlockedOn = reason
	sc.Unlock()
	Schedule()
}

/// Task_unblock re-enqueues t onto the ready queue.
func Task_unblock(t *Task_t) {
	sc.Lock()
	defer sc.Unlock()
	if t.State != defs.PROC_BLOCKED {
		return
	}
	t.State = defs.PROC_READY
	t.BlockedOn = BlockNone
	sc.enqueueReady(t)
}

/// Task_sleep marks the current task sleeping until tick wake. ms is translated by the caller into an absolute tick deadline.
func Task_sleep(wakeTick uint64) {
	sc.Lock()
	t := sc.current
	t.State = defs.PROC_BLOCKED
	t.BlockedOn = BlockSleep
	t.WakeTick = wakeTick
	sc.Unlock()
	Schedule()
}

/// Boost donates priority: holder's inherited priority becomes the
// minimum of its current inherited value and donor's effective priority.
func Boost(holder *Task_t, donorEffective int) {
	sc.Lock()
	defer sc.Unlock()
	if holder.InheritedPriority < 0 || donorEffective < holder.InheritedPriority {
		holder.InheritedPriority = donorEffective
	}
	klog.L().WithField("tid", holder.Tid).WithField("inherited", holder.InheritedPriority).Trace("sched: priority boosted")
}

/// Unboost clears holder's inherited priority, reverting it to base
// priority.
func Unboost(holder *Task_t) {
	sc.Lock()
	defer sc.Unlock()
	holder.InheritedPriority = -1
}

/// ReadyLen exposes the ready-queue length, for tests that check a task
// appears on it at most once.
func ReadyLen() int {
	sc.Lock()
	defer sc.Unlock()
	return sc.ready.Len()
}

/// AllTasks returns a snapshot slice of every live task.
func AllTasks() []*Task_t {
	sc.Lock()
	defer sc.Unlock()
	out := make([]*Task_t, 0, len(sc.tasks))
	for _, t := range sc.tasks {
		out = append(out, t)
	}
	return out
}

/// Destroy removes a finished task from the table. Tid 0 is the
// reserved idle task and is never destroyed: a Proc_t whose MainTid was
// never assigned a real task still holds that zero value.
func Destroy(tid defs.Tid_t) {
	if tid == 0 {
		return
	}
	sc.Lock()
	defer sc.Unlock()
	if _, ok := sc.tasks[tid]; ok {
		limits.Syslimit.Tasks.Give()
	}
	delete(sc.tasks, tid)
}
