// Package taskrt is a dispatch runtime that turns a background worker
// factory into a task whose handler methods can be called asynchronously,
// the way a browser page calls into a Web Worker: a Task Proxy makes
// ordinary-looking calls, a shared dispatch queue enforces bounded
// concurrency and admission policy per task, a Worker Supervisor owns
// lifecycle and crash recovery for the backing worker(s), and a Runtime
// aggregates snapshots and events across every registered task.
//
// # Architecture
//
// A call flows: TaskProxy.Call/Async materializes a *Call -> the
// task's queue core admits it (waiting -> pending -> in-flight, per
// QueuePolicy) -> an Executor (Singleton or Pool) hands it to a Worker
// Supervisor -> the WorkerHandle resolves or rejects it -> the queue
// core settles the result, emits an observability event, and promotes
// the next waiter.
//
// # Concurrency model
//
// Each task's queue core is owned by exactly one goroutine (its
// trampoline): admission, promotion, and settlement are all posted as
// closures onto an inbox channel and executed serially, so no caller ever
// observes a half-updated queue, even when settlement synchronously
// triggers promotion and re-dispatch (e.g. a crash-requeue cascading into
// an immediate re-send). See queue.go.
//
// # Cancellation
//
// AbortRegistry is the single shared owner of cancellation sources
// keyed by call-group key; it is read-only from every task but the one
// that first minted a given key's controller. A Call's effective abort
// source is always a composite of its external signal (if any), its
// key's registry signal (if any), and an internal timeout signal (if a
// deadline was configured); whichever fires first determines whether the
// call settles AbortError or TimeoutError.
//
// # Error taxonomy
//
// Every settled call resolves with either a user value or one of
// AbortError, TimeoutError, QueueFullError, DroppedError,
// WorkerCrashedError, TaskFailedError, or HandlerError (errors.go). All
// implement error and a stable Name() discriminator; those that carry a
// cause (AbortError, WorkerCrashedError, TaskFailedError, HandlerError)
// also implement Unwrap() for errors.Is/errors.As.
package taskrt
