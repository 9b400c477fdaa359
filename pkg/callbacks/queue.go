package callbacks

import (
	"context"
	"fmt"
	"sync"
)

// Func is the body of a deferred callback.
type Func func(ctx context.Context) error

// Callback is a queue entry. Equality is pointer identity, so keep the pointer
// around if the callback may need to be removed later.
type Callback struct {
	name string
	fn   Func
}

// New wraps fn in a Callback. The name shows up in logs and error messages.
func New(name string, fn Func) *Callback {
	return &Callback{name: name, fn: fn}
}

// Name returns the label given to New.
func (c *Callback) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Run invokes the callback body. A nil callback or body is a no-op.
func (c *Callback) Run(ctx context.Context) error {
	if c == nil || c.fn == nil {
		return nil
	}
	return c.fn(ctx)
}

// Queue is an ordered list of callbacks. The mutex guards the slice only and is
// never held while a callback runs, so callbacks may push onto or remove from
// the queue that is executing them.
type Queue struct {
	mu    sync.Mutex
	items []*Callback
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends cb to the end of the queue. Duplicates are allowed.
func (q *Queue) Push(cb *Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, cb)
}

// Remove deletes every entry equal to cb.
func (q *Queue) Remove(cb *Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, item := range q.items {
		if item != cb {
			kept = append(kept, item)
		}
	}
	// Drop references held by the tail so removed callbacks can be collected.
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
}

// Set replaces the whole queue with a copy of cbs.
func (q *Queue) Set(cbs []*Callback) {
	items := append([]*Callback(nil), cbs...)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = items
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Len reports the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued entries in execution order.
func (q *Queue) Snapshot() []*Callback {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Callback(nil), q.items...)
}

// ExecuteAll runs the callbacks queued at call time, one after another, without
// removing them. Entries pushed during the run are not executed by this call.
// The first error stops the run and is returned.
func (q *Queue) ExecuteAll(ctx context.Context) error {
	for _, cb := range q.Snapshot() {
		if err := cb.Run(ctx); err != nil {
			return fmt.Errorf("callback %q: %w", cb.Name(), err)
		}
	}
	return nil
}

// ExecuteAllAndClear removes the front callback and runs it until the queue is
// empty. Entries pushed while draining are run by the same call. The first error
// stops the drain; the failing callback has already been removed and the rest
// stay queued.
func (q *Queue) ExecuteAllAndClear(ctx context.Context) error {
	for {
		cb, ok := q.shift()
		if !ok {
			return nil
		}
		if err := cb.Run(ctx); err != nil {
			return fmt.Errorf("callback %q: %w", cb.Name(), err)
		}
	}
}

func (q *Queue) shift() (*Callback, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	cb := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return cb, true
}
