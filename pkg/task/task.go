// Package task implements the deferred-computation / future-based chaining
// contract: a task owns a thunk returning an int status and
// a fulfilled-once promise over that value, with prerequisite futures it
// waits on before running.
//
// Go has no single idiomatic futures/promise type; a close(ch)-based future
// is used here because the contract requires a completion signal "cloneable"
// so many downstream tasks may await it — a closed channel can
// be read from any number of goroutines without consuming the signal, unlike
// a single-receiver channel.
package task

import "sync"

// Future is a read-only handle on a Task's eventual status. Many goroutines
// may call Wait concurrently; all observe the same result.
type Future struct {
	done   chan struct{}
	result int
}

// Wait blocks until the task completes and returns its status.
func (f *Future) Wait() int {
	<-f.done
	return f.result
}

// Done returns a channel that is closed when the future is fulfilled, for
// use in select statements alongside other events (e.g. a watchdog timer).
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Task is a deferred computation: constructed, then (once its prerequisites
// are satisfied) executed exactly once, fulfilling its future.
type Task struct {
	thunk func() int

	future *Future
	once   sync.Once

	mu    sync.Mutex
	front []*Future
}

// New constructs a Task wrapping thunk. The thunk is not run until Execute is called.
func New(thunk func() int) *Task {
	return &Task{
		thunk:  thunk,
		future: &Future{done: make(chan struct{})},
	}
}

// BindFrontTask adds front's completion future to this task's prerequisites.
func (t *Task) BindFrontTask(front *Task) {
	t.mu.Lock()
	t.front = append(t.front, front.future)
	t.mu.Unlock()
}

// BindFrontFuture adds an already-detached future as a prerequisite —
// useful when the front task is owned by another component that hands out
// only its future.
func (t *Task) BindFrontFuture(front *Future) {
	t.mu.Lock()
	t.front = append(t.front, front)
	t.mu.Unlock()
}

// WaitForFrontTasksComplete waits for every bound prerequisite future.
func (t *Task) WaitForFrontTasksComplete() {
	t.mu.Lock()
	front := t.front
	t.mu.Unlock()
	for _, f := range front {
		f.Wait()
	}
}

// Future returns this task's completion future. Safe to call before Execute.
func (t *Task) Future() *Future {
	return t.future
}

// WaitForTaskComplete waits for this task's own completion.
func (t *Task) WaitForTaskComplete() int {
	return t.future.Wait()
}

// Execute waits for prerequisites, runs the thunk exactly once, fulfils the
// promise, and returns the status. Calling Execute more than once returns
// the memoized result without re-running the thunk.
func (t *Task) Execute() int {
	t.once.Do(func() {
		t.WaitForFrontTasksComplete()
		t.future.result = t.thunk()
		t.thunk = nil // release captured resources
		close(t.future.done)
	})
	return t.future.Wait()
}
