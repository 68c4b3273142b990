package taskrt

import (
	"context"
	"time"
)

// queueCore is the Queue Core: the three ordered phases of a
// task's calls (waiting, pending, in-flight) plus the trampoline that
// serializes every transition. Every field below is touched only from
// the goroutine running (*queueCore).run; all external access is
// mediated by posting a closure onto inbox, the same ping/submit shape
// used by a batching run loop.
type queueCore struct {
	task *Task

	inbox chan func()
	done  chan struct{}

	nextCallID uint64

	waiting  []*Call
	pending  []*Call
	inFlight map[CallID]*Call

	poisoned  bool
	poisonErr error

	idleTimer *time.Timer
}

func newQueueCore(t *Task) *queueCore {
	q := &queueCore{
		task:     t,
		inbox:    make(chan func(), 256),
		done:     make(chan struct{}),
		inFlight: make(map[CallID]*Call),
	}
	go q.run()
	return q
}

// run is the trampoline: every admission/promotion/settlement transition
// is a closure drained from inbox, one at a time, so a settlement that
// synchronously triggers a promotion (e.g. crash-requeue cascading into
// an immediate re-dispatch) never races a concurrent admit.
func (q *queueCore) run() {
	for {
		select {
		case fn := <-q.inbox:
			fn()
		case <-q.done:
			return
		}
	}
}

func (q *queueCore) post(fn func()) {
	select {
	case q.inbox <- fn:
	case <-q.done:
	}
}

func (q *queueCore) keyNamespace(key string) string {
	if key == "" {
		return ""
	}
	return q.task.Config.Name + "\x00" + key
}

// submit is called from TaskProxy.Async; it posts the call for admission
// on the trampoline and returns immediately.
func (q *queueCore) submit(call *Call) {
	q.post(func() { q.admit(call) })
}

// cancel posts a request to abort call with cause, mirroring an external
// ctx cancellation racing the worker's own resolution.
func (q *queueCore) cancel(call *Call, cause error) {
	q.post(func() { q.settleAborted(call, cause) })
}

// restart clears a CrashFailTask-poisoned task so new calls are admitted
// again.
func (q *queueCore) restart() {
	q.post(func() {
		q.poisoned = false
		q.poisonErr = nil
	})
}

func (q *queueCore) admit(call *Call) {
	cfg := &q.task.Config
	if q.poisoned {
		q.reject(call, &TaskFailedError{Cause: q.poisonErr})
		return
	}

	q.nextCallID++
	call.ID = CallID(q.nextCallID)
	call.createdAt = time.Now()
	call.transferable = extractTransferables(call.effectiveTransferPolicy(), call.Args...)

	q.arm(call)
	if call.abort != nil && call.abort.Aborted() {
		q.settleAborted(call, call.abort.Reason())
		return
	}

	if cfg.MaxPending > 0 && len(q.pending) >= cfg.MaxPending {
		switch cfg.Policy {
		case QueueReject:
			q.reject(call, &QueueFullError{Depth: len(q.pending), Cap: cfg.MaxPending})
			return
		case QueueDropLatest:
			q.finish(call, nil, &DroppedError{OldestEvicted: false})
			q.task.counters.TotalDropped.Add(1)
			q.emit(EventDrop, call, nil)
			return
		case QueueDropOldest:
			oldest := q.pending[0]
			q.pending = q.pending[1:]
			q.finish(oldest, nil, &DroppedError{OldestEvicted: true})
			q.task.counters.TotalDropped.Add(1)
			q.emit(EventDrop, oldest, nil)
		case QueueBlock:
			if cfg.MaxWaiting > 0 && len(q.waiting) >= cfg.MaxWaiting {
				q.reject(call, &QueueFullError{Depth: len(q.waiting), Cap: cfg.MaxWaiting})
				return
			}
			call.setState(StateWaiting)
			q.waiting = append(q.waiting, call)
			call.admitted = true
			return
		}
	}

	q.admitPending(call)
}

func (q *queueCore) admitPending(call *Call) {
	if call.spanFinish == nil && q.task.runtime.tracer != nil {
		call.spanFinish = q.task.runtime.tracer.start(q, call, "call")
	}
	call.setState(StatePending)
	call.admitted = true
	q.pending = append(q.pending, call)
	q.task.counters.TotalDispatched.Add(1)
	q.emit(EventDispatch, call, nil)
	q.promote()
}

func (q *queueCore) reject(call *Call, err error) {
	q.task.counters.TotalRejected.Add(1)
	q.emit(EventReject, call, err)
	q.finish(call, nil, err)
}

// arm sets up call's composite abort signal and (if configured) its
// per-call timeout, wiring both to settle the call the moment they fire,
// regardless of queue phase.
func (q *queueCore) arm(call *Call) {
	var sources []*AbortSignal
	if call.external != nil {
		sources = append(sources, call.external)
	}
	if call.Key != "" {
		sources = append(sources, q.task.runtime.abortRegistry.SignalFor(q.keyNamespace(call.Key)))
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = q.task.Config.DefaultTimeout
	}
	if timeout > 0 {
		ctrl := NewAbortController()
		ms := timeout.Milliseconds()
		call.timeoutTimer = time.AfterFunc(timeout, func() {
			ctrl.Abort(&TimeoutError{TimeoutMs: ms})
		})
		sources = append(sources, ctrl.Signal())
	}

	if len(sources) == 0 {
		return
	}
	call.abort = abortAny(sources...)
	call.abort.OnAbort(func(reason any) {
		q.post(func() { q.settleAborted(call, reason) })
	})
}

func (q *queueCore) settleAborted(call *Call, reason any) {
	if call.Done() {
		return
	}
	var err error
	if te, ok := reason.(*TimeoutError); ok {
		err = te
	} else if e, ok := reason.(error); ok {
		err = &AbortError{Reason: e}
	} else {
		err = &AbortError{Reason: reason}
	}
	q.removeFromQueues(call)
	if call.State() == StateInFlight {
		q.task.executor.cancelInFlight(call)
	}
	q.task.counters.TotalCanceled.Add(1)
	q.emit(EventCancel, call, err)
	q.finish(call, nil, err)
	q.promote()
}

func (q *queueCore) removeFromQueues(call *Call) {
	q.waiting = removeCall(q.waiting, call)
	q.pending = removeCall(q.pending, call)
	delete(q.inFlight, call.ID)
}

func removeCall(s []*Call, target *Call) []*Call {
	for i, c := range s {
		if c == target {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}

// promote advances waiting -> pending and pending -> in-flight as far as
// current capacity (and any DispatchRateLimit token) allows. It is
// re-entrant safe: it only ever runs on the trampoline goroutine, and a
// nested promote (promote -> admitPending -> promote while draining
// waiting) simply continues the same serialized pass.
func (q *queueCore) promote() {
	cfg := &q.task.Config

	for len(q.waiting) > 0 && (cfg.MaxPending <= 0 || len(q.pending) < cfg.MaxPending) {
		call := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.admitPending(call)
	}

	for len(q.pending) > 0 && len(q.inFlight) < cfg.MaxInFlight {
		if q.task.limiter != nil {
			if _, ok := q.task.limiter.Allow(q.task.Config.Name); !ok {
				break
			}
		}
		call := q.pending[0]
		q.pending = q.pending[1:]
		q.dispatch(call)
	}
}

func (q *queueCore) dispatch(call *Call) {
	call.setState(StateInFlight)
	call.dispatched = true
	q.inFlight[call.ID] = call
	q.task.executor.dispatch(call)
}

// finish settles call exactly once and runs its terminal bookkeeping.
func (q *queueCore) finish(call *Call, value any, err error) {
	if !call.settle(value, err) {
		return
	}
	if call.spanFinish != nil {
		call.spanFinish()
	}
	if len(call.transferable) > 0 {
		if call.dispatched {
			for _, t := range call.transferable {
				_ = t.Close()
			}
		} else {
			invalidateTransferables(call.transferable)
		}
	}
	if len(call.resultTransferable) > 0 {
		if err == nil {
			for _, t := range call.resultTransferable {
				_ = t.Close()
			}
		} else {
			invalidateTransferables(call.resultTransferable)
		}
	}
	delete(q.inFlight, call.ID)
	if err == nil {
		q.task.counters.TotalSettled.Add(1)
	}
	q.emit(EventSettle, call, err)
	logSettle(q.task.Config.Logger, q.task.Config.Name, call.Method, call.ID, err)
}

// onResult is invoked by an executor once a dispatched call's
// WorkerHandle resolves or rejects; it always runs as a posted closure so
// it participates in the trampoline. A successful value is walked for
// transferables before posting, the same way admit walks Args; if the
// call has already settled by the time the post runs (e.g. raced by an
// abort), those transferables are invalidated rather than closed since
// the caller never sees the value.
func (q *queueCore) onResult(call *Call, value any, err error) {
	var resultTransferable []Transferable
	if err == nil {
		resultTransferable = extractTransferables(call.effectiveResultTransferPolicy(), value)
	}
	q.post(func() {
		if call.Done() {
			invalidateTransferables(resultTransferable)
			return
		}
		call.resultTransferable = resultTransferable
		delete(q.inFlight, call.ID)
		q.finish(call, value, err)
		q.promote()
	})
}

// onWorkerCrash is invoked by an executor/supervisor when a worker's
// transport fails while calls are in flight on it; inFlightOnWorker is
// every call this crashed worker was actively running.
func (q *queueCore) onWorkerCrash(inFlightOnWorker []*Call, cause error) {
	q.post(func() {
		q.task.counters.WorkerCrashes.Add(1)
		logWorkerCrash(q.task.Config.Logger, q.task.Config.Name, 0, cause)

		switch q.task.Config.Crash {
		case CrashFailTask:
			q.poisoned = true
			q.poisonErr = cause
			all := append(append(append([]*Call{}, q.waiting...), q.pending...), inFlightOnWorker...)
			for _, c := range q.inFlight {
				all = append(all, c) // in flight on other (pool) workers
			}
			q.waiting = nil
			q.pending = nil
			for _, c := range all {
				delete(q.inFlight, c.ID)
				q.finish(c, nil, &TaskFailedError{Cause: cause})
			}
		case CrashRestartRequeueInFlight:
			for _, c := range inFlightOnWorker {
				delete(q.inFlight, c.ID)
			}
			go q.submitRequeueBatch(inFlightOnWorker, cause)
		default: // CrashRestartFailInFlight
			for _, c := range inFlightOnWorker {
				delete(q.inFlight, c.ID)
				q.finish(c, nil, &WorkerCrashedError{Cause: cause, Attempts: c.attempts + 1})
			}
			q.promote()
		}
	})
}

// submitRequeueBatch hands each crashed call to the task's requeue
// batcher, coalescing concurrent crashes into one trampoline pass via
// Task.requeueBatcher's BatchProcessor (applyRequeueBatch). Runs off the
// trampoline goroutine: Batcher.Submit blocks only until the job is
// accepted into a batch (its ping/pong handshake), not until that batch
// finishes processing, so this never stalls the queue.
func (q *queueCore) submitRequeueBatch(calls []*Call, cause error) {
	ctx := context.Background()
	for _, c := range calls {
		if _, err := q.task.requeueBatcher.Submit(ctx, &requeueJob{call: c, cause: cause}); err != nil {
			q.post(func() { q.applyRequeueBatch([]*requeueJob{{call: c, cause: cause}}) })
		}
	}
}

// applyRequeueBatch runs on the trampoline: it re-admits each job's call
// to the front of pending (retrying up to CrashMaxRetries) or settles it
// WorkerCrashedError once exhausted, then promotes once for the whole
// batch.
func (q *queueCore) applyRequeueBatch(jobs []*requeueJob) {
	for _, j := range jobs {
		c := j.call
		if c.Done() {
			continue
		}
		c.attempts++
		if c.attempts > q.task.Config.CrashMaxRetries {
			q.finish(c, nil, &WorkerCrashedError{Cause: j.cause, Attempts: c.attempts})
			continue
		}
		q.task.counters.TotalRequeued.Add(1)
		q.emit(EventRequeue, c, j.cause)
		c.setState(StatePending)
		q.pending = append([]*Call{c}, q.pending...)
	}
	q.promote()
}

// snapshot synchronously computes a TaskSnapshot by posting a closure and
// waiting on its reply, so readers see a state that existed at a single
// trampoline tick.
func (q *queueCore) snapshot() TaskSnapshot {
	reply := make(chan TaskSnapshot, 1)
	q.post(func() { reply <- q.buildSnapshot() })
	select {
	case s := <-reply:
		return s
	case <-q.done:
		return TaskSnapshot{}
	}
}

func (q *queueCore) buildSnapshot() TaskSnapshot {
	cfg := &q.task.Config
	var perWorker []int
	if pe, ok := q.task.executor.(*poolExecutor); ok {
		perWorker = make([]int, len(pe.sups))
		for i, s := range pe.sups {
			perWorker[i] = s.activeInFlight()
		}
	}
	return TaskSnapshot{
		PerWorkerInFlight: perWorker,
		TaskID:        q.task.ID,
		TaskName:      cfg.Name,
		Kind:          cfg.Kind,
		Init:          cfg.Init,
		PoolSize:      cfg.PoolSize,
		WorkerStatus:  q.task.executor.workerStatus(),
		ActiveWorkers: q.task.executor.activeWorkers(),
		InFlightDepth: len(q.inFlight),
		PendingDepth:  len(q.pending),
		WaitingDepth:  len(q.waiting),
		MaxInFlight:   cfg.MaxInFlight,
		MaxPending:    cfg.MaxPending,
		MaxWaiting:    cfg.MaxWaiting,
		QueuePolicy:   cfg.Policy,
		Poisoned:      q.poisoned,
		Counters:      q.task.counters.snapshot(),
	}
}

func (q *queueCore) emit(kind EventKind, call *Call, err error) {
	ev := Event{
		Kind:     kind,
		Time:     time.Now(),
		TaskID:   q.task.ID,
		TaskName: q.task.Config.Name,
		Err:      err,
	}
	if call != nil {
		ev.CallID = call.ID
		ev.Method = call.Method
	}
	q.task.events.emit(ev)
	if q.task.runtime != nil {
		q.task.runtime.events.emit(ev)
	}
}

func (q *queueCore) close() {
	close(q.done)
}
