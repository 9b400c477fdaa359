// Package callbacks provides the ordered callback queues the authorizer uses to
// defer work until its engine is ready.
//
// A Queue is owned by exactly one component, which alone may execute it. Other
// code receives a Handle: the same storage, but limited to subscription
// management (push, remove, replace, clear). Two drain modes exist on the same
// queue:
//
//   - ExecuteAll runs every stored callback in insertion order and leaves the
//     queue untouched, for subscribers that want to hear about every event.
//   - ExecuteAllAndClear pops the front callback, runs it, and repeats until
//     the queue is empty. Callbacks pushed while the drain is running are run
//     by the same drain.
//
// Callbacks are identified by pointer. Removing a callback removes every entry
// holding that pointer.
package callbacks
