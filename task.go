package taskrt

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microbatch"
)

// requeueJob is one crashed in-flight call awaiting re-admission to
// pending, coalesced by Task.requeueBatcher so a multi-worker crash
// burst (a Pool losing several slots around the same moment) produces
// one trampoline pass instead of one per call.
type requeueJob struct {
	call  *Call
	cause error
}

// TaskID uniquely identifies a Task within a Runtime. IDs are assigned in
// registration order, starting at 1.
type TaskID uint64

// TaskKind selects the Executor Strategy backing a task.
type TaskKind int

const (
	// KindSingleton backs a task with exactly one persistent worker; every
	// call is serialized onto it in admission order.
	KindSingleton TaskKind = iota
	// KindPool backs a task with a fixed-size pool of workers, routing a
	// keyed call to the worker that last took its key while that worker
	// has spare capacity, and otherwise picking the worker with fewest
	// in-flight calls.
	KindPool
)

func (k TaskKind) String() string {
	switch k {
	case KindSingleton:
		return "singleton"
	case KindPool:
		return "pool"
	default:
		return "unknown"
	}
}

// InitMode selects when a task's worker(s) are started.
type InitMode int

const (
	// InitEager starts all workers as soon as the task is defined.
	InitEager InitMode = iota
	// InitLazy starts workers on first dispatch, and (if IdleStop is set)
	// stops them again after IdleStop of inactivity.
	InitLazy
)

func (m InitMode) String() string {
	switch m {
	case InitEager:
		return "eager"
	case InitLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

// QueuePolicy governs admission once a task's pending queue is at
// capacity.
type QueuePolicy int

const (
	// QueueBlock makes Call wait (honoring ctx/timeout) until room is
	// available; Async still enqueues, waiting in the StateWaiting phase.
	QueueBlock QueuePolicy = iota
	// QueueReject immediately settles the incoming call with
	// QueueFullError.
	QueueReject
	// QueueDropOldest evicts the lowest-ID pending call (settling it
	// DroppedError) to admit the incoming call.
	QueueDropOldest
	// QueueDropLatest immediately settles the incoming call with
	// DroppedError, leaving the existing pending queue untouched.
	QueueDropLatest
)

func (p QueuePolicy) String() string {
	switch p {
	case QueueBlock:
		return "block"
	case QueueReject:
		return "reject"
	case QueueDropOldest:
		return "drop-oldest"
	case QueueDropLatest:
		return "drop-latest"
	default:
		return "unknown"
	}
}

// CrashPolicy governs how a task's in-flight calls are treated when their
// worker's transport fails.
type CrashPolicy int

const (
	// CrashRestartFailInFlight restarts the crashed worker but immediately
	// settles every call that was in flight on it with WorkerCrashedError.
	CrashRestartFailInFlight CrashPolicy = iota
	// CrashRestartRequeueInFlight restarts the crashed worker and re-admits
	// in-flight calls to the front of pending, up to CrashMaxRetries
	// attempts each, after which they settle WorkerCrashedError.
	CrashRestartRequeueInFlight
	// CrashFailTask marks the task poisoned: every waiting, pending, and
	// in-flight call settles TaskFailedError, and further Call/Async calls
	// are rejected TaskFailedError until an explicit Task.Restart.
	CrashFailTask
)

func (p CrashPolicy) String() string {
	switch p {
	case CrashRestartFailInFlight:
		return "restart-fail-in-flight"
	case CrashRestartRequeueInFlight:
		return "restart-requeue-in-flight"
	case CrashFailTask:
		return "fail-task"
	default:
		return "unknown"
	}
}

// SupervisorState is the lifecycle state of one worker slot.
type SupervisorState int32

const (
	SupervisorStopped SupervisorState = iota
	SupervisorStarting
	SupervisorRunning
	SupervisorCrashing
	SupervisorTerminated
)

func (s SupervisorState) String() string {
	switch s {
	case SupervisorStopped:
		return "stopped"
	case SupervisorStarting:
		return "starting"
	case SupervisorRunning:
		return "running"
	case SupervisorCrashing:
		return "crashing"
	case SupervisorTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WorkerFactory produces one WorkerHandle backing a single worker slot. It
// is called once per slot at startup (InitEager), on first dispatch
// (InitLazy), and once per restart after a crash.
type WorkerFactory func() (WorkerHandle, error)

// TaskConfig is the declarative description of a task, the options
// object passed to DefineTask; it validates and defaults it
// synchronously.
type TaskConfig struct {
	// Name identifies the task in snapshots, events, and logs. Required.
	Name string

	// Kind selects Singleton vs Pool. Defaults to KindSingleton.
	Kind TaskKind
	// PoolSize is the worker count for KindPool; ignored (treated as 1)
	// for KindSingleton. Must be >= 1 for KindPool.
	PoolSize int

	// WorkerFactory constructs each worker slot's handle. Required.
	WorkerFactory WorkerFactory
	// Init selects eager vs lazy worker startup. Defaults to InitEager.
	Init InitMode
	// IdleStop is the inactivity duration after which a lazily-started
	// worker is stopped; zero disables idle-stop.
	IdleStop time.Duration

	// MaxInFlight bounds concurrently-dispatched calls; defaults to
	// PoolSize for KindPool, 1 for KindSingleton.
	MaxInFlight int
	// MaxPending bounds the pending queue depth; zero means unbounded.
	MaxPending int
	// MaxWaiting bounds the waiting queue depth under QueueBlock; zero
	// means unbounded.
	MaxWaiting int
	// Policy governs admission once MaxPending is reached. Defaults to
	// QueueBlock.
	Policy QueuePolicy

	// DefaultTimeout is applied to calls that don't set WithTimeout; zero
	// disables the default timeout.
	DefaultTimeout time.Duration

	// Crash governs in-flight call handling on worker transport failure.
	// Defaults to CrashRestartFailInFlight.
	Crash CrashPolicy
	// CrashMaxRetries bounds CrashRestartRequeueInFlight re-admission
	// attempts per call; defaults to 3.
	CrashMaxRetries int

	// KeyOf derives a routing/cancellation key from a call's arguments,
	// applied by TaskProxy.Async whenever a call doesn't supply an
	// explicit WithKey override. Optional; nil leaves such calls unkeyed.
	KeyOf func(args []any) string

	// DefaultTransfer is the task-wide transferable extraction policy,
	// overridden per call by CallOption WithTransfer.
	DefaultTransfer TransferPolicy

	// DispatchRateLimit, if non-empty, bounds how fast pending calls are
	// promoted to in-flight via a github.com/joeycumines/go-catrate sliding
	// window, independent of MaxInFlight.
	DispatchRateLimit map[time.Duration]int

	// Logger overrides the runtime's default logger for this task only.
	Logger Logger
}

func (c *TaskConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("taskrt: TaskConfig.Name is required")
	}
	if c.WorkerFactory == nil {
		return fmt.Errorf("taskrt: TaskConfig.WorkerFactory is required")
	}
	if c.Kind == KindPool && c.PoolSize < 1 {
		return fmt.Errorf("taskrt: TaskConfig.PoolSize must be >= 1 for KindPool, got %d", c.PoolSize)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("taskrt: TaskConfig.MaxPending must be >= 0, got %d", c.MaxPending)
	}
	if c.MaxWaiting < 0 {
		return fmt.Errorf("taskrt: TaskConfig.MaxWaiting must be >= 0, got %d", c.MaxWaiting)
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("taskrt: TaskConfig.MaxInFlight must be >= 0, got %d", c.MaxInFlight)
	}
	if c.CrashMaxRetries < 0 {
		return fmt.Errorf("taskrt: TaskConfig.CrashMaxRetries must be >= 0, got %d", c.CrashMaxRetries)
	}
	for d, n := range c.DispatchRateLimit {
		if d <= 0 || n <= 0 {
			return fmt.Errorf("taskrt: TaskConfig.DispatchRateLimit entries must be positive, got %v: %d", d, n)
		}
	}
	return nil
}

func (c *TaskConfig) applyDefaults() {
	if c.Kind == KindPool {
		if c.PoolSize < 1 {
			c.PoolSize = 1
		}
	} else {
		c.PoolSize = 1
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = c.PoolSize
	}
	if c.CrashMaxRetries <= 0 {
		c.CrashMaxRetries = 3
	}
}

// Task is a registered, running unit of dispatch: one queue core, one
// executor strategy instance, and the worker slot(s) it supervises.
type Task struct {
	ID     TaskID
	Config TaskConfig

	runtime  *Runtime
	queue    *queueCore
	executor executor
	limiter  *catrate.Limiter

	requeueBatcher *microbatch.Batcher[*requeueJob]

	counters Counters
	events   *eventBus
}

// newTask constructs and starts (if InitEager) a Task from a validated,
// defaulted TaskConfig. Only called from DefineTask/Runtime.DefineTask.
func newTask(rt *Runtime, id TaskID, cfg TaskConfig) (*Task, error) {
	if cfg.Logger == nil {
		cfg.Logger = rt.opts.logger
	}
	t := &Task{
		ID:      id,
		Config:  cfg,
		runtime: rt,
		events:  newEventBus(),
	}
	if len(cfg.DispatchRateLimit) > 0 {
		t.limiter = catrate.NewLimiter(cfg.DispatchRateLimit)
	}

	var ex executor
	if cfg.Kind == KindPool {
		ex = newPoolExecutor(t, cfg.PoolSize)
	} else {
		ex = newSingletonExecutor(t)
	}
	t.executor = ex
	t.queue = newQueueCore(t)

	if cfg.Crash == CrashRestartRequeueInFlight {
		q := t.queue
		t.requeueBatcher = microbatch.NewBatcher(
			&microbatch.BatcherConfig{MaxSize: 32, FlushInterval: 5 * time.Millisecond},
			func(ctx context.Context, jobs []*requeueJob) error {
				q.post(func() { q.applyRequeueBatch(jobs) })
				return nil
			},
		)
	}

	if cfg.Init == InitEager {
		if err := t.executor.start(); err != nil {
			return nil, fmt.Errorf("taskrt: starting task %q: %w", cfg.Name, err)
		}
	}
	return t, nil
}

// Proxy returns a TaskProxy bound to this task's Call/Async methods.
func (t *Task) Proxy() *TaskProxy {
	return &TaskProxy{task: t}
}

// Restart clears a poisoned (CrashFailTask) task, allowing new calls to be
// admitted again; it is a no-op on a healthy task.
func (t *Task) Restart() {
	t.queue.restart()
}

// Snapshot returns a point-in-time view of this task's state.
func (t *Task) Snapshot() TaskSnapshot {
	return t.queue.snapshot()
}
