package taskrt

import (
	"context"
	"errors"
	"sync/atomic"
)

var errDownstream = errors.New("downstream unavailable")

// fakeWorker is a minimal WorkerHandle for tests: Dispatch/Cancel are
// pluggable funcs, and Close just records that it ran.
type fakeWorker struct {
	dispatchFn func(ctx context.Context, id CallID, method string, args []any) (any, error)
	cancelFn   func(id CallID)
	closed     atomic.Bool
	canceled   atomic.Int32
}

func (w *fakeWorker) Dispatch(ctx context.Context, id CallID, method string, args []any) (any, error) {
	if w.dispatchFn != nil {
		return w.dispatchFn(ctx, id, method, args)
	}
	return nil, nil
}

func (w *fakeWorker) Cancel(id CallID) {
	w.canceled.Add(1)
	if w.cancelFn != nil {
		w.cancelFn(id)
	}
}

func (w *fakeWorker) Close() error {
	w.closed.Store(true)
	return nil
}

// echoFactory produces a WorkerFactory whose workers echo back args[0].
func echoFactory() (WorkerFactory, *fakeWorker) {
	w := &fakeWorker{}
	w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
		if len(args) > 0 {
			return args[0], nil
		}
		return nil, nil
	}
	return func() (WorkerHandle, error) { return w, nil }, w
}

// blockingFactory produces a WorkerFactory whose workers block on a
// release channel before resolving, letting tests control in-flight
// timing precisely.
func blockingFactory(release <-chan struct{}) WorkerFactory {
	return func() (WorkerHandle, error) {
		w := &fakeWorker{}
		w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
			select {
			case <-release:
				return "done", nil
			case <-ctx.Done():
				return nil, &AbortError{Reason: ctx.Err()}
			}
		}
		return w, nil
	}
}

// crashingFactory produces workers whose first Dispatch call always
// returns a transport failure, so the supervisor crashes immediately.
func crashingFactory() WorkerFactory {
	return func() (WorkerHandle, error) {
		w := &fakeWorker{}
		w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
			return nil, MarkTransportError(errDownstream)
		}
		return w, nil
	}
}
