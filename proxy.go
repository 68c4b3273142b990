package taskrt

import "context"

// TaskProxy is the caller-facing handle a Runtime hands back from
// DefineTask: local-looking asynchronous method calls, the Go way.
// There is no dynamic property access in Go, so
// every call names its method explicitly.
type TaskProxy struct {
	task *Task
}

// Call dispatches method with args and blocks for the result, honoring
// ctx cancellation as an additional abort source alongside any
// WithSignal/WithTimeout options. It is the Go analogue of awaiting the
// proxy's returned promise.
func (p *TaskProxy) Call(ctx context.Context, method string, args []any, opts ...CallOption) (any, error) {
	call := p.Async(ctx, method, args, opts...)
	select {
	case res, ok := <-call.resultCh:
		if !ok {
			// resultCh is closed only after settle sends exactly once, so a
			// closed-without-value read cannot observe a meaningful result.
			return nil, &AbortError{}
		}
		return res.value, res.err
	case <-ctx.Done():
		p.task.queue.cancel(call, ctx.Err())
		res := <-waitSettled(call)
		return res.value, res.err
	}
}

// Async dispatches method with args and returns immediately with the
// *Call future, for callers that want to manage the result or
// cancellation independently of the call that issued it.
func (p *TaskProxy) Async(ctx context.Context, method string, args []any, opts ...CallOption) *Call {
	cfg := resolveCallConfig(opts)
	key := cfg.key
	if key == "" && p.task.Config.KeyOf != nil {
		key = p.task.Config.KeyOf(args)
	}
	call := &Call{
		Task:     p.task,
		Method:   method,
		Args:     args,
		Key:      key,
		Timeout:  cfg.timeout,
		Transfer: cfg.transfer,
		external: cfg.signal,
		resultCh: make(chan callResult, 1),
	}
	p.task.queue.submit(call)
	return call
}

// waitSettled returns a channel that yields call's result once settled,
// even if it has already settled by the time this is invoked (e.g. a
// race between ctx.Done and the worker resolving).
func waitSettled(call *Call) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		for res := range call.resultCh {
			out <- res
			return
		}
	}()
	return out
}
