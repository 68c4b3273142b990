package taskrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_KeyedRoutingIsSticky(t *testing.T) {
	rt := NewRuntime()
	var seenWorkers []int
	factory := func() (WorkerHandle, error) {
		w := &fakeWorker{}
		w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
			return nil, nil
		}
		return w, nil
	}
	proxy := rt.DefineTask(TaskConfig{
		Name:          "pool-sticky",
		Kind:          KindPool,
		PoolSize:      4,
		WorkerFactory: factory,
	})

	for i := 0; i < 5; i++ {
		call := proxy.Async(context.Background(), "m", nil, WithKey("alice"))
		<-call.resultCh
		seenWorkers = append(seenWorkers, call.WorkerIdx)
	}
	for _, idx := range seenWorkers {
		assert.Equal(t, seenWorkers[0], idx)
	}
}

func TestPool_KeyedRouting_FallsThroughWhenStickySlotAtCapacity(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "pool-overflow",
		Kind:          KindPool,
		PoolSize:      2,
		MaxInFlight:   2,
		WorkerFactory: blockingFactory(release),
	})

	// perWorkerCap for 2 slots / MaxInFlight 2 is 1: a second concurrent
	// call sharing the same key can't stack onto the first call's slot,
	// so it must be routed to the other slot instead.
	firstDispatched := make(chan *Call, 1)
	go func() {
		call := proxy.Async(context.Background(), "m", nil, WithKey("hot"))
		firstDispatched <- call
	}()

	task := rt.Task("pool-overflow")
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().InFlightDepth >= 1 })
	first := <-firstDispatched

	second := proxy.Async(context.Background(), "m", nil, WithKey("hot"))
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().InFlightDepth == 2 })

	assert.NotEqual(t, first.WorkerIdx, second.WorkerIdx)
}

func TestSingleton_CrashRequeue_RetriesThenSucceeds(t *testing.T) {
	rt := NewRuntime()
	attempts := 0
	factory := func() (WorkerHandle, error) {
		w := &fakeWorker{}
		w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
			attempts++
			if attempts < 2 {
				return nil, MarkTransportError(errDownstream)
			}
			return "ok", nil
		}
		return w, nil
	}
	proxy := rt.DefineTask(TaskConfig{
		Name:            "requeue",
		WorkerFactory:   factory,
		Crash:           CrashRestartRequeueInFlight,
		CrashMaxRetries: 3,
	})

	res, err := proxy.Call(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestSingleton_CrashRequeue_ExhaustsRetries(t *testing.T) {
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:            "always-crashes",
		WorkerFactory:   crashingFactory(),
		Crash:           CrashRestartRequeueInFlight,
		CrashMaxRetries: 1,
	})

	_, err := proxy.Call(context.Background(), "m", nil)
	var wce *WorkerCrashedError
	require.ErrorAs(t, err, &wce)
	assert.GreaterOrEqual(t, wce.Attempts, 1)
}

func TestSingleton_CrashRestartFailInFlight_SettlesImmediately(t *testing.T) {
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "fail-in-flight",
		WorkerFactory: crashingFactory(),
		Crash:         CrashRestartFailInFlight,
	})

	_, err := proxy.Call(context.Background(), "m", nil)
	var wce *WorkerCrashedError
	require.ErrorAs(t, err, &wce)

	// The worker restarts, so a following call is admitted normally (and
	// crashes again under this always-failing factory).
	_, err = proxy.Call(context.Background(), "m", nil)
	require.ErrorAs(t, err, &wce)
}

func TestLazyInit_StartsOnFirstDispatchAndIdleStops(t *testing.T) {
	rt := NewRuntime()
	factory, _ := echoFactory()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "lazy",
		WorkerFactory: factory,
		Init:          InitLazy,
		IdleStop:      20 * time.Millisecond,
	})

	task := rt.Task("lazy")
	assert.Equal(t, SupervisorStopped, task.executor.workerStatus()[0])

	_, err := proxy.Call(context.Background(), "m", []any{"x"})
	require.NoError(t, err)
	assert.Equal(t, SupervisorRunning, task.executor.workerStatus()[0])

	waitForCondition(t, time.Second, func() bool {
		return task.executor.workerStatus()[0] == SupervisorTerminated
	})
}
