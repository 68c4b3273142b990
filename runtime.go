package taskrt

import (
	"fmt"
	"sync"
	"time"
)

// Runtime aggregates every registered Task: shared cancellation registry,
// a runtime-wide event stream, and cross-task snapshot polling.
type Runtime struct {
	opts *runtimeOptions

	abortRegistry *AbortRegistry
	events        *eventBus
	tracer        *tracer

	mu     sync.RWMutex
	tasks  []*Task
	byName map[string]*Task
	nextID uint64
}

// NewRuntime constructs a Runtime ready to accept DefineTask calls.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	resolved := resolveRuntimeOptions(opts)
	return &Runtime{
		opts:          resolved,
		abortRegistry: NewAbortRegistry(),
		events:        newEventBus(),
		byName:        make(map[string]*Task),
		tracer:        newTracer(resolved.traceMode, resolved.sampleRate),
	}
}

// DefineTask validates cfg, applies defaults, and registers a new Task,
// starting its worker(s) eagerly unless cfg.Init is InitLazy. Malformed
// configuration panics synchronously: misconfiguration is a programmer
// error, not a recoverable runtime condition.
func (rt *Runtime) DefineTask(cfg TaskConfig) *TaskProxy {
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	cfg.applyDefaults()

	rt.mu.Lock()
	if _, dup := rt.byName[cfg.Name]; dup {
		rt.mu.Unlock()
		panic(fmt.Errorf("taskrt: task %q already defined", cfg.Name))
	}
	rt.nextID++
	id := TaskID(rt.nextID)
	rt.mu.Unlock()

	t, err := newTask(rt, id, cfg)
	if err != nil {
		panic(err)
	}

	rt.mu.Lock()
	rt.tasks = append(rt.tasks, t)
	rt.byName[cfg.Name] = t
	rt.mu.Unlock()

	return t.Proxy()
}

// Task returns the registered task named name, or nil if none exists.
func (rt *Runtime) Task(name string) *Task {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.byName[name]
}

// GetRuntimeSnapshot returns a point-in-time view across every
// registered task.
func (rt *Runtime) GetRuntimeSnapshot() RuntimeSnapshot {
	rt.mu.RLock()
	tasks := make([]*Task, len(rt.tasks))
	copy(tasks, rt.tasks)
	rt.mu.RUnlock()

	out := make([]TaskSnapshot, len(tasks))
	for i, t := range tasks {
		out[i] = t.Snapshot()
	}
	return RuntimeSnapshot{Tasks: out}
}

// SnapshotSubscribeOptions configures SubscribeRuntimeSnapshot.
type SnapshotSubscribeOptions struct {
	// Interval overrides the Runtime's default polling interval.
	Interval time.Duration
	// EmitImmediately sends one snapshot synchronously before the first
	// tick.
	EmitImmediately bool
	// OnlyOnChange suppresses callbacks when the snapshot's hash matches
	// the previously emitted one.
	OnlyOnChange bool
}

// SubscribeRuntimeSnapshot polls GetRuntimeSnapshot on an interval and
// invokes fn, optionally only when the snapshot changed. The returned
// func stops polling.
func (rt *Runtime) SubscribeRuntimeSnapshot(fn func(RuntimeSnapshot), opts SnapshotSubscribeOptions) (stop func()) {
	interval := opts.Interval
	if interval <= 0 {
		interval = rt.opts.snapshotTick
	}

	stopCh := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(stopCh) }) }

	var lastHash uint64
	var haveLast bool

	emit := func() {
		snap := rt.GetRuntimeSnapshot()
		if opts.OnlyOnChange {
			h := snap.hash()
			if haveLast && h == lastHash {
				return
			}
			lastHash = h
			haveLast = true
		}
		fn(snap)
	}

	if opts.EmitImmediately {
		emit()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				emit()
			case <-stopCh:
				return
			}
		}
	}()

	return stop
}

// SubscribeEvents registers a runtime-wide EventListener (every task's
// events, not just one), returning an unsubscribe func.
func (rt *Runtime) SubscribeEvents(fn EventListener) (unsubscribe func()) {
	return rt.events.Subscribe(fn)
}

// AbortRegistry exposes the Runtime's shared Abort Controller Registry,
// so callers can mint/abort/clear cancellation sources by key without
// going through a specific task's calls.
func (rt *Runtime) AbortRegistry() *AbortRegistry {
	return rt.abortRegistry
}

// AbortTaskController aborts the cancellation source shared by every call
// on the named task using key, applying the same task-name namespacing
// queueCore uses internally so callers never reconstruct the registry's
// key separator themselves. A no-op if taskName is unknown.
func (rt *Runtime) AbortTaskController(taskName, key string, reason any) {
	t := rt.Task(taskName)
	if t == nil {
		return
	}
	rt.abortRegistry.Abort(t.queue.keyNamespace(key), reason)
}

// RunWithTrace wraps fn in a named trace span: it forces TraceOn for the
// duration of fn (restoring the Runtime's configured trace mode
// afterward) and always emits a start and a completion EventTrace on the
// runtime's event bus, regardless of whether fn dispatches any calls.
// The completion event's Err carries fn's returned status; a panic inside
// fn is recorded the same way and then re-raised.
func (rt *Runtime) RunWithTrace(name string, fn func() error) (err error) {
	prev := rt.tracer.mode
	rt.tracer.mode = TraceOn
	rt.tracer.active.Store(true)

	start := time.Now()
	rt.events.emit(Event{Kind: EventTrace, Time: start, Span: name})

	defer func() {
		rt.tracer.mode = prev
		rt.tracer.active.Store(prev != TraceOff)

		r := recover()
		if r != nil {
			err = fmt.Errorf("taskrt: panic in traced scope %q: %v", name, r)
		}
		rt.events.emit(Event{Kind: EventTrace, Time: time.Now(), Span: name, Duration: time.Since(start), Err: err})
		if r != nil {
			panic(r)
		}
	}()

	err = fn()
	return err
}

// Shutdown stops every registered task's workers and closes their queue
// cores' trampolines. It does not wait for in-flight calls to settle;
// callers that need drained shutdown should first stop submitting calls
// and poll GetRuntimeSnapshot until all depths are zero.
func (rt *Runtime) Shutdown() error {
	rt.mu.RLock()
	tasks := make([]*Task, len(rt.tasks))
	copy(tasks, rt.tasks)
	rt.mu.RUnlock()

	var firstErr error
	for _, t := range tasks {
		if err := t.executor.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		if t.requeueBatcher != nil {
			_ = t.requeueBatcher.Close()
		}
		t.queue.close()
	}
	return firstErr
}
