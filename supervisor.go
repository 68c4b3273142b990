package taskrt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// supervisor owns one worker slot's lifecycle: constructing its
// WorkerHandle, tracking which calls are currently dispatched to it, and
// reacting to transport failures per the task's CrashPolicy. A Singleton
// executor owns exactly one supervisor; a Pool executor owns PoolSize.
type supervisor struct {
	task *Task
	idx  int

	state atomic.Int32 // SupervisorState

	mu       sync.Mutex
	handle   WorkerHandle
	inFlight map[CallID]*Call

	idleTimer *time.Timer
}

func newSupervisor(t *Task, idx int) *supervisor {
	return &supervisor{
		task:     t,
		idx:      idx,
		inFlight: make(map[CallID]*Call),
	}
}

func (s *supervisor) setState(to SupervisorState) {
	from := SupervisorState(s.state.Swap(int32(to)))
	if from != to {
		logWorkerLifecycle(s.task.Config.Logger, s.task.Config.Name, s.idx, from, to)
	}
}

func (s *supervisor) Snapshot() SupervisorState {
	return SupervisorState(s.state.Load())
}

// start constructs the backing WorkerHandle via the task's WorkerFactory.
func (s *supervisor) start() error {
	s.setState(SupervisorStarting)
	h, err := s.task.Config.WorkerFactory()
	if err != nil {
		s.setState(SupervisorStopped)
		return err
	}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	s.setState(SupervisorRunning)
	s.emitLifecycle(EventWorkerStart)
	return nil
}

// stop closes the backing WorkerHandle and transitions to terminated.
func (s *supervisor) stop() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	s.setState(SupervisorTerminated)
	s.emitLifecycle(EventWorkerStop)
	if h != nil {
		return h.Close()
	}
	return nil
}

func (s *supervisor) emitLifecycle(kind EventKind) {
	ev := Event{Kind: kind, Time: time.Now(), TaskID: s.task.ID, TaskName: s.task.Config.Name, WorkerIdx: s.idx}
	s.task.events.emit(ev)
	if s.task.runtime != nil {
		s.task.runtime.events.emit(ev)
	}
}

// dispatch hands call to this slot's WorkerHandle on a dedicated
// goroutine, reporting the outcome back to the queue core's trampoline
// via onResult/onWorkerCrash, never from the caller's own goroutine.
func (s *supervisor) dispatch(call *Call) {
	s.mu.Lock()
	h := s.handle
	s.inFlight[call.ID] = call
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()

	if h == nil {
		s.task.queue.onResult(call, nil, &WorkerCrashedError{Attempts: call.attempts + 1})
		return
	}

	logDispatch(s.task.Config.Logger, s.task.Config.Name, call.Method, call.ID, call.Key)

	ctx := context.Background()
	if call.abort != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		call.abort.OnAbort(func(any) { cancel() })
	}

	go func() {
		value, err := h.Dispatch(ctx, call.ID, call.Method, call.Args)

		s.mu.Lock()
		delete(s.inFlight, call.ID)
		s.mu.Unlock()

		if err != nil && isTransportFailure(err) {
			s.crash(err)
			return
		}
		if err != nil {
			err = wrapHandlerError(err)
		}
		s.task.queue.onResult(call, value, err)
		s.maybeScheduleIdleStop()
	}()
}

// maybeScheduleIdleStop arms a one-shot timer that stops this slot after
// Config.IdleStop of inactivity, for lazily-started tasks. It is a
// no-op for InitEager tasks, for IdleStop <= 0, or while the slot still
// has other calls in flight.
func (s *supervisor) maybeScheduleIdleStop() {
	cfg := &s.task.Config
	if cfg.Init != InitLazy || cfg.IdleStop <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inFlight) > 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(cfg.IdleStop, func() { _ = s.stop() })
}

// cancelInFlight best-effort-cancels call on this slot's WorkerHandle.
func (s *supervisor) cancelInFlight(call *Call) {
	s.mu.Lock()
	h := s.handle
	_, ok := s.inFlight[call.ID]
	s.mu.Unlock()
	if ok && h != nil {
		h.Cancel(call.ID)
	}
}

// crash transitions this slot to crashing, collects every call it had in
// flight, reports the crash to the queue core so the task's CrashPolicy
// can settle/requeue those calls, and then restarts its WorkerHandle
// (under CrashFailTask the slot is left stopped instead).
func (s *supervisor) crash(cause error) {
	s.setState(SupervisorCrashing)
	ev := Event{Kind: EventWorkerCrash, Time: time.Now(), TaskID: s.task.ID, TaskName: s.task.Config.Name, WorkerIdx: s.idx, Err: cause}
	s.task.events.emit(ev)
	if s.task.runtime != nil {
		s.task.runtime.events.emit(ev)
	}

	s.mu.Lock()
	inFlight := make([]*Call, 0, len(s.inFlight))
	for _, c := range s.inFlight {
		inFlight = append(inFlight, c)
	}
	s.inFlight = make(map[CallID]*Call)
	old := s.handle
	s.handle = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	s.task.queue.onWorkerCrash(inFlight, cause)

	if s.task.Config.Crash != CrashFailTask {
		if err := s.start(); err != nil {
			s.setState(SupervisorStopped)
		}
	} else {
		s.setState(SupervisorStopped)
	}
}

// activeInFlight reports how many calls this slot is currently running,
// used by the Pool executor's fewest-in-flight routing tie-break.
func (s *supervisor) activeInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
