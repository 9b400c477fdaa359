package callbacks

// Handle is the subscription-only view of a Queue handed to code that must not
// trigger execution.
type Handle struct {
	queue *Queue
}

// NewHandle returns a Handle backed by q.
func NewHandle(q *Queue) *Handle {
	return &Handle{queue: q}
}

// Push appends cb to the underlying queue.
func (h *Handle) Push(cb *Callback) { h.queue.Push(cb) }

// Remove deletes every entry equal to cb.
func (h *Handle) Remove(cb *Callback) { h.queue.Remove(cb) }

// Set replaces the underlying queue contents.
func (h *Handle) Set(cbs []*Callback) { h.queue.Set(cbs) }

// Clear empties the underlying queue.
func (h *Handle) Clear() { h.queue.Clear() }

// Len reports the number of queued entries.
func (h *Handle) Len() int { return h.queue.Len() }
