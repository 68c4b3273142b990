package taskrt

import "context"

// WorkerHandle is the external collaborator a WorkerFactory produces: a
// background worker's message-channel endpoint. A supervisor calls
// Dispatch once per admitted call and Cancel at most
// once per call that has an outstanding Dispatch; Close is called exactly
// once when the slot is torn down (graceful stop, crash cleanup, or
// Runtime shutdown).
type WorkerHandle interface {
	// Dispatch sends one call to the worker and blocks until it resolves,
	// rejects, or ctx is canceled. A non-nil error with no taxonomy Name()
	// is treated as a worker-side handler rejection (wrapped HandlerError);
	// returning a transportErr (see MarkTransportError) instead signals a
	// transport-level crash, triggering the task's CrashPolicy.
	Dispatch(ctx context.Context, callID CallID, method string, args []any) (any, error)
	// Cancel requests cooperative cancellation of an in-flight call; it
	// must not block, and may be a no-op if the worker has already
	// resolved or does not support cooperative cancellation.
	Cancel(callID CallID)
	// Close releases any resources held by the worker. It must be
	// idempotent-safe to call from supervisor teardown after a crash.
	Close() error
}

// transportErr marks an error returned from WorkerHandle.Dispatch as a
// transport-level failure (the worker process/goroutine itself is gone or
// broken), as opposed to a handler rejection. The Worker Supervisor treats
// any error satisfying this interface as a crash trigger.
type transportErr interface {
	error
	TransportFailure() bool
}

// transportError is the concrete transportErr used by MarkTransportError.
type transportError struct{ cause error }

func (e *transportError) Error() string { return "taskrt: transport failure: " + e.cause.Error() }
func (e *transportError) Unwrap() error { return e.cause }
func (e *transportError) TransportFailure() bool { return true }

// MarkTransportError wraps err so the supervisor recognizes it as a
// transport-level crash rather than a handler rejection. WorkerHandle
// implementations call this when their underlying channel/goroutine/
// connection has failed, as opposed to when the handler method itself
// rejected the call.
func MarkTransportError(err error) error {
	if err == nil {
		return nil
	}
	return &transportError{cause: err}
}

func isTransportFailure(err error) bool {
	var te transportErr
	return asTransportErr(err, &te)
}

func asTransportErr(err error, target *transportErr) bool {
	for err != nil {
		if te, ok := err.(transportErr); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
