package taskrt

import (
	"errors"
	"fmt"
)

// namedError is satisfied by every member of the wire-visible error
// taxonomy: each carries a stable discriminator so host code can
// branch on Name() without relying on Go type identity or errors.As.
type namedError interface {
	error
	Name() string
}

var (
	_ namedError = (*AbortError)(nil)
	_ namedError = (*TimeoutError)(nil)
	_ namedError = (*QueueFullError)(nil)
	_ namedError = (*DroppedError)(nil)
	_ namedError = (*WorkerCrashedError)(nil)
	_ namedError = (*TaskFailedError)(nil)
	_ namedError = (*HandlerError)(nil)
)

// AbortError indicates a call was aborted, either by an external signal,
// a key-registry abort, or a composite abort source whose cause was not a
// timeout (timeouts surface as TimeoutError instead).
type AbortError struct {
	// Reason is whatever was passed to the abort call; may be nil.
	Reason any
}

func (e *AbortError) Name() string { return "AbortError" }

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return "taskrt: call aborted"
	}
	if s, ok := e.Reason.(string); ok {
		return "taskrt: call aborted: " + s
	}
	if err, ok := e.Reason.(error); ok {
		return "taskrt: call aborted: " + err.Error()
	}
	return fmt.Sprintf("taskrt: call aborted: %v", e.Reason)
}

// Is reports whether target is also an *AbortError, regardless of reason.
func (e *AbortError) Is(target error) bool {
	_, ok := target.(*AbortError)
	return ok
}

// Unwrap exposes Reason for errors.Is/errors.As when it is itself an error.
func (e *AbortError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

// TimeoutError indicates a call's per-call timeout elapsed before any
// other abort cause fired. First-cause wins: if an external or key abort
// fired first, that settles as AbortError instead.
type TimeoutError struct {
	TimeoutMs int64
}

func (e *TimeoutError) Name() string { return "TimeoutError" }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("taskrt: call timed out after %dms", e.TimeoutMs)
}

func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// QueueFullError indicates a call was rejected on admission because the
// pending (or waiting) queue was at capacity under a rejecting policy.
type QueueFullError struct {
	Depth int
	Cap   int
}

func (e *QueueFullError) Name() string { return "QueueFullError" }

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("taskrt: queue full (depth %d, cap %d)", e.Depth, e.Cap)
}

func (e *QueueFullError) Is(target error) bool {
	_, ok := target.(*QueueFullError)
	return ok
}

// DroppedError indicates a call was evicted (drop-oldest) or refused
// (drop-latest) by the queue policy to make room for another call.
type DroppedError struct {
	// OldestEvicted is true when this call was the head of pending, evicted
	// to admit a newer call; false when this call was itself the incoming
	// call refused under drop-latest.
	OldestEvicted bool
}

func (e *DroppedError) Name() string { return "DroppedError" }

func (e *DroppedError) Error() string {
	if e.OldestEvicted {
		return "taskrt: call dropped (evicted by drop-oldest policy)"
	}
	return "taskrt: call dropped (refused by drop-latest policy)"
}

func (e *DroppedError) Is(target error) bool {
	_, ok := target.(*DroppedError)
	return ok
}

// WorkerCrashedError indicates a call was settled because its worker's
// transport failed and the task's crash policy could not (or would not)
// recover it: either the policy is restart-fail-in-flight, or
// restart-requeue-in-flight exhausted crashMaxRetries.
type WorkerCrashedError struct {
	Cause    error
	Attempts int
}

func (e *WorkerCrashedError) Name() string { return "WorkerCrashedError" }

func (e *WorkerCrashedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("taskrt: worker crashed after %d attempt(s): %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("taskrt: worker crashed after %d attempt(s)", e.Attempts)
}

func (e *WorkerCrashedError) Unwrap() error { return e.Cause }

func (e *WorkerCrashedError) Is(target error) bool {
	_, ok := target.(*WorkerCrashedError)
	return ok
}

// TaskFailedError indicates a task has been marked poisoned (crashPolicy
// fail-task) and is rejecting all further enqueues until an explicit
// restart; it is also used to settle any in-flight/pending/waiting calls
// at the moment the task is poisoned.
type TaskFailedError struct {
	Cause error
}

func (e *TaskFailedError) Name() string { return "TaskFailedError" }

func (e *TaskFailedError) Error() string {
	if e.Cause != nil {
		return "taskrt: task failed: " + e.Cause.Error()
	}
	return "taskrt: task failed"
}

func (e *TaskFailedError) Unwrap() error { return e.Cause }

func (e *TaskFailedError) Is(target error) bool {
	_, ok := target.(*TaskFailedError)
	return ok
}

// HandlerError wraps any rejection returned by the worker-side handler
// itself (as opposed to a transport crash). The original message is
// preserved for diagnostics; Unwrap exposes the original error for
// errors.Is/errors.As.
type HandlerError struct {
	Message string
	Stack   string
	Cause   error
}

func (e *HandlerError) Name() string { return "HandlerError" }

func (e *HandlerError) Error() string {
	if e.Message != "" {
		return "taskrt: handler error: " + e.Message
	}
	if e.Cause != nil {
		return "taskrt: handler error: " + e.Cause.Error()
	}
	return "taskrt: handler error"
}

func (e *HandlerError) Unwrap() error { return e.Cause }

func (e *HandlerError) Is(target error) bool {
	_, ok := target.(*HandlerError)
	return ok
}

// wrapHandlerError wraps an arbitrary error returned by a worker handler,
// unless it is already a member of the taxonomy (in which case it is
// passed through unchanged, since the handler-side helper may itself
// construct a taxonomy error, e.g. to propagate a cooperative abort).
func wrapHandlerError(err error) error {
	if err == nil {
		return nil
	}
	var named namedError
	if errors.As(err, &named) {
		return err
	}
	return &HandlerError{Message: err.Error(), Cause: err}
}
