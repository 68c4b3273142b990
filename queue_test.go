package taskrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestQueue_SingletonEchoRoundTrip(t *testing.T) {
	rt := NewRuntime()
	factory, _ := echoFactory()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "echo",
		WorkerFactory: factory,
	})

	res, err := proxy.Call(context.Background(), "echo", []any{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res)
}

func TestQueue_Singleton_MaxInFlightSerializes(t *testing.T) {
	release := make(chan struct{})
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "serial",
		WorkerFactory: blockingFactory(release),
	})

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = proxy.Call(context.Background(), "m", nil)
			done <- struct{}{}
		}()
	}

	task := rt.Task("serial")
	waitForCondition(t, time.Second, func() bool {
		snap := task.Snapshot()
		return snap.InFlightDepth == 1 && snap.PendingDepth == 1
	})

	close(release)
	<-done
	<-done
}

func TestQueue_Reject_WhenPendingFull(t *testing.T) {
	release := make(chan struct{})
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "reject",
		WorkerFactory: blockingFactory(release),
		MaxPending:    1,
		Policy:        QueueReject,
	})

	go func() { _, _ = proxy.Call(context.Background(), "m", nil) }() // occupies in-flight
	task := rt.Task("reject")
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().InFlightDepth == 1 })

	go func() { _, _ = proxy.Call(context.Background(), "m", nil) }() // occupies pending
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().PendingDepth == 1 })

	_, err := proxy.Call(context.Background(), "m", nil)
	var qfe *QueueFullError
	assert.ErrorAs(t, err, &qfe)

	close(release)
}

func TestQueue_DropOldest_EvictsLowestID(t *testing.T) {
	release := make(chan struct{})
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "drop-oldest",
		WorkerFactory: blockingFactory(release),
		MaxPending:    1,
		Policy:        QueueDropOldest,
	})

	go func() { _, _ = proxy.Call(context.Background(), "m", nil) }() // in-flight
	task := rt.Task("drop-oldest")
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().InFlightDepth == 1 })

	oldestResult := make(chan error, 1)
	go func() {
		_, err := proxy.Call(context.Background(), "m", nil)
		oldestResult <- err
	}()
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().PendingDepth == 1 })

	go func() { _, _ = proxy.Call(context.Background(), "m", nil) }() // evicts the above

	err := <-oldestResult
	var de *DroppedError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.OldestEvicted)

	close(release)
}

func TestQueue_DropLatest_RefusesIncoming(t *testing.T) {
	release := make(chan struct{})
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "drop-latest",
		WorkerFactory: blockingFactory(release),
		MaxPending:    1,
		Policy:        QueueDropLatest,
	})

	go func() { _, _ = proxy.Call(context.Background(), "m", nil) }()
	task := rt.Task("drop-latest")
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().InFlightDepth == 1 })

	go func() { _, _ = proxy.Call(context.Background(), "m", nil) }()
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().PendingDepth == 1 })

	_, err := proxy.Call(context.Background(), "m", nil)
	var de *DroppedError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.OldestEvicted)

	close(release)
}

func TestQueue_Timeout_SettlesTimeoutError(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "timeout",
		WorkerFactory: blockingFactory(release),
	})

	_, err := proxy.Call(context.Background(), "m", nil, WithTimeout(10*time.Millisecond))
	var te *TimeoutError
	assert.ErrorAs(t, err, &te)
}

func TestQueue_ExternalAbort_SettlesAbortError(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "abort",
		WorkerFactory: blockingFactory(release),
	})

	ctrl := NewAbortController()
	done := make(chan error, 1)
	go func() {
		_, err := proxy.Call(context.Background(), "m", nil, WithSignal(ctrl.Signal()))
		done <- err
	}()

	task := rt.Task("abort")
	waitForCondition(t, time.Second, func() bool { return task.Snapshot().InFlightDepth == 1 })
	ctrl.Abort("caller gave up")

	err := <-done
	var ae *AbortError
	assert.ErrorAs(t, err, &ae)
}

func TestQueue_KeyedCancellation_AbortsAllSharingKey(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "keyed",
		Kind:          KindPool,
		PoolSize:      2,
		WorkerFactory: blockingFactory(release),
	})

	r1 := make(chan error, 1)
	r2 := make(chan error, 1)
	go func() {
		_, err := proxy.Call(context.Background(), "m", nil, WithKey("group-a"))
		r1 <- err
	}()
	go func() {
		_, err := proxy.Call(context.Background(), "m", nil, WithKey("group-a"))
		r2 <- err
	}()

	task := rt.Task("keyed")
	waitForCondition(t, time.Second, func() bool {
		snap := task.Snapshot()
		return snap.InFlightDepth+snap.PendingDepth == 2
	})

	rt.AbortTaskController("keyed", "group-a", "cancel group")

	e1, e2 := <-r1, <-r2
	var ae *AbortError
	assert.ErrorAs(t, e1, &ae)
	assert.ErrorAs(t, e2, &ae)
}

func TestQueue_KeyOf_DerivesKeyWhenNoExplicitOverride(t *testing.T) {
	rt := NewRuntime()
	factory := func() (WorkerHandle, error) {
		w := &fakeWorker{}
		w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
			return nil, nil
		}
		return w, nil
	}
	proxy := rt.DefineTask(TaskConfig{
		Name:          "keyof",
		Kind:          KindPool,
		PoolSize:      4,
		WorkerFactory: factory,
		KeyOf: func(args []any) string {
			return args[0].(string)
		},
	})

	var seenWorkers []int
	for i := 0; i < 5; i++ {
		call := proxy.Async(context.Background(), "m", []any{"tenant-1"})
		<-call.resultCh
		seenWorkers = append(seenWorkers, call.WorkerIdx)
	}
	for _, idx := range seenWorkers {
		assert.Equal(t, seenWorkers[0], idx)
	}
}

func TestQueue_KeyOf_ExplicitWithKeyOverridesDerived(t *testing.T) {
	rt := NewRuntime()
	var gotKey string
	factory := func() (WorkerHandle, error) {
		w := &fakeWorker{}
		w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
			return nil, nil
		}
		return w, nil
	}
	proxy := rt.DefineTask(TaskConfig{
		Name:          "keyof-override",
		WorkerFactory: factory,
		KeyOf: func(args []any) string {
			return "derived"
		},
	})

	call := proxy.Async(context.Background(), "m", []any{"x"}, WithKey("explicit"))
	<-call.resultCh
	gotKey = call.Key
	assert.Equal(t, "explicit", gotKey)
}

func TestQueue_ResultTransferable_ClosedOnSuccessfulSettle(t *testing.T) {
	rt := NewRuntime()
	tr := &fakeTransferable{}
	factory := func() (WorkerHandle, error) {
		w := &fakeWorker{}
		w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
			return tr, nil
		}
		return w, nil
	}
	proxy := rt.DefineTask(TaskConfig{
		Name:          "result-transfer",
		WorkerFactory: factory,
	})

	res, err := proxy.Call(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Same(t, tr, res)
	assert.True(t, tr.closed)
	assert.False(t, tr.invalidated)
}

func TestQueue_ResultTransferable_KeepPolicySkipsExtraction(t *testing.T) {
	rt := NewRuntime()
	tr := &fakeTransferable{}
	factory := func() (WorkerHandle, error) {
		w := &fakeWorker{}
		w.dispatchFn = func(ctx context.Context, id CallID, method string, args []any) (any, error) {
			return tr, nil
		}
		return w, nil
	}
	proxy := rt.DefineTask(TaskConfig{
		Name:          "result-transfer-keep",
		WorkerFactory: factory,
		DefaultTransfer: TransferPolicy{
			Result: "keep",
		},
	})

	_, err := proxy.Call(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.False(t, tr.closed)
	assert.False(t, tr.invalidated)
}

func TestTask_Restart_ClearsPoison(t *testing.T) {
	rt := NewRuntime()
	proxy := rt.DefineTask(TaskConfig{
		Name:          "poisoned",
		WorkerFactory: crashingFactory(),
		Crash:         CrashFailTask,
	})

	// First call crashes its worker, which poisons the task per CrashFailTask.
	_, err := proxy.Call(context.Background(), "m", nil)
	assert.Error(t, err)

	// Subsequent calls are rejected at admission without reaching a worker.
	_, err = proxy.Call(context.Background(), "m", nil)
	var tfe *TaskFailedError
	require.ErrorAs(t, err, &tfe)

	task := rt.Task("poisoned")
	require.True(t, task.Snapshot().Poisoned)

	task.Restart()
	assert.False(t, task.Snapshot().Poisoned)
}
