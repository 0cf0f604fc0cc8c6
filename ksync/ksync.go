// Package ksync implements the synchronization primitives built atop the
// scheduler: mutex with priority inheritance, counting semaphore,
// condition variable, and a writer-priority read-write lock. Each
// primitive pairs an embedded sync.Mutex with an explicit waiter queue,
// built on sched.Task_block/Task_unblock instead of goroutine parking,
// since this core models blocking as an explicit scheduler state
// transition.
package ksync

import (
	"container/list"
	"sync"

	"oskernel/sched"
)

/// Mutex_t holds an owning task (or none) plus a waiter queue.
type Mutex_t struct {
	mu      sync.Mutex
	holder  *sched.Task_t
	waiters *list.List
}

/// NewMutex returns an unheld mutex.
func NewMutex() *Mutex_t {
	return &Mutex_t{waiters: list.New()}
}

/// Lock takes the mutex if unheld; else enqueues the current task,
// donates priority to the holder, and blocks.
func (m *Mutex_t) Lock() {
	cur := sched.Current()
	for {
		m.mu.Lock()
		if m.holder == nil {
			m.holder = cur
			m.mu.Unlock()
			return
		}
		holder := m.holder
		m.waiters.PushBack(cur)
		m.mu.Unlock()
		sched.Boost(holder, cur.EffectivePriority())
		sched.Task_block(sched.BlockMutex)
		// Unlock may have handed ownership straight to this task.
		m.mu.Lock()
		handed := m.holder == cur
		m.mu.Unlock()
		if handed {
			return
		}
	}
}

/// Unlock clears donation, hands ownership to one waiter (if any) and
// unblocks it — no re-contention race.
func (m *Mutex_t) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder := m.holder
	sched.Unboost(holder)
	e := m.waiters.Front()
	if e == nil {
		m.holder = nil
		return
	}
	m.waiters.Remove(e)
	next := e.Value.(*sched.Task_t)
	m.holder = next
	sched.Task_unblock(next)
}

/// Sem_t is a counting semaphore.
type Sem_t struct {
	mu      sync.Mutex
	count   int
	waiters *list.List
}

/// NewSem returns a semaphore initialized to n.
func NewSem(n int) *Sem_t {
	return &Sem_t{count: n, waiters: list.New()}
}

/// Wait decrements the count, blocking if it goes negative. A blocked
// waiter is released by exactly one matching Signal and does not
// re-contend for the count on wakeup.
func (s *Sem_t) Wait() {
	s.mu.Lock()
	s.count--
	if s.count >= 0 {
		s.mu.Unlock()
		return
	}
	cur := sched.Current()
	s.waiters.PushBack(cur)
	s.mu.Unlock()
	sched.Task_block(sched.BlockSem)
}

/// Signal increments the count and unblocks one waiter, if any.
func (s *Sem_t) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	e := s.waiters.Front()
	if e == nil {
		return
	}
	s.waiters.Remove(e)
	sched.Task_unblock(e.Value.(*sched.Task_t))
}

/// Condvar_t is a condition variable.
type Condvar_t struct {
	mu      sync.Mutex
	waiters *list.List
}

/// NewCondvar returns an empty condvar.
func NewCondvar() *Condvar_t {
	return &Condvar_t{waiters: list.New()}
}

/// Wait atomically releases m and blocks; it re-acquires m before
// returning.
func (c *Condvar_t) Wait(m *Mutex_t) {
	cur := sched.Current()
	c.mu.Lock()
	c.waiters.PushBack(cur)
	c.mu.Unlock()
	m.Unlock()
	sched.Task_block(sched.BlockCondvar)
	m.Lock()
}

/// Signal unblocks one waiter.
func (c *Condvar_t) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.waiters.Front()
	if e == nil {
		return
	}
	c.waiters.Remove(e)
	sched.Task_unblock(e.Value.(*sched.Task_t))
}

/// Broadcast unblocks every waiter.
func (c *Condvar_t) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.waiters.Front(); e != nil; e = c.waiters.Front() {
		c.waiters.Remove(e)
		sched.Task_unblock(e.Value.(*sched.Task_t))
	}
}

/// Rwlock_t is a read-write lock: multiple readers may hold
// concurrently; writers are exclusive and take priority on arrival to
// prevent writer starvation.
type Rwlock_t struct {
	mu          sync.Mutex
	readers     int
	writerHeld  bool
	waitWriters int
	waitQ       *list.List
}

/// NewRwlock returns an unheld rwlock.
func NewRwlock() *Rwlock_t {
	return &Rwlock_t{waitQ: list.New()}
}

func (rw *Rwlock_t) parkSelf() {
	cur := sched.Current()
	rw.waitQ.PushBack(cur)
	rw.mu.Unlock()
	sched.Task_block(sched.BlockMutex)
}

/// RLock blocks while a writer holds or is waiting (writer priority),
// else joins the reader set.
func (rw *Rwlock_t) RLock() {
	for {
		rw.mu.Lock()
		if !rw.writerHeld && rw.waitWriters == 0 {
			rw.readers++
			rw.mu.Unlock()
			return
		}
		rw.parkSelf()
	}
}

/// RUnlock leaves the reader set, waking a parked task if this was the
// last reader.
func (rw *Rwlock_t) RUnlock() {
	rw.mu.Lock()
	rw.readers--
	rw.wakeOneLocked()
	rw.mu.Unlock()
}

/// Lock blocks until no readers and no writer hold the lock.
func (rw *Rwlock_t) Lock() {
	rw.mu.Lock()
	rw.waitWriters++
	for rw.writerHeld || rw.readers > 0 {
		rw.parkSelf()
		rw.mu.Lock()
	}
	rw.waitWriters--
	rw.writerHeld = true
	rw.mu.Unlock()
}

/// Unlock releases exclusive ownership, waking parked tasks.
func (rw *Rwlock_t) Unlock() {
	rw.mu.Lock()
	rw.writerHeld = false
	for e := rw.waitQ.Front(); e != nil; e = rw.waitQ.Front() {
		rw.waitQ.Remove(e)
		sched.Task_unblock(e.Value.(*sched.Task_t))
	}
	rw.mu.Unlock()
}

func (rw *Rwlock_t) wakeOneLocked() {
	if rw.readers > 0 {
		return
	}
	e := rw.waitQ.Front()
	if e == nil {
		return
	}
	rw.waitQ.Remove(e)
	sched.Task_unblock(e.Value.(*sched.Task_t))
}
