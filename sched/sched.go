// Package sched is the thin seam between this substrate and the
// scheduler. The scheduler proper lives outside this module; the only
// operation consumed here is making a thread runnable, so the package
// stops at that seam instead of reaching into scheduler internals.
package sched

import "wasmkernel/thread"

// Scheduler is the one operation this substrate consumes from an external
// scheduler.
type Scheduler interface {
	Runnable(th *thread.Thread)
}

// Queue is a minimal in-process Scheduler: it records runnable threads in
// FIFO order. A real kernel's scheduler is out of scope; this exists so the
// pipeline in cmd/wasmkernel and its tests have a concrete, dependency-free
// Scheduler to hand threads to.
type Queue struct {
	threads []*thread.Thread
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue { return &Queue{} }

// Runnable appends th, making it eligible to run.
func (q *Queue) Runnable(th *thread.Thread) {
	th.SetStatus(thread.Runnable)
	q.threads = append(q.threads, th)
}

// Threads returns every thread handed to the queue, in submission order.
func (q *Queue) Threads() []*thread.Thread { return q.threads }
