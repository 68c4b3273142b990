package taskrt

import (
	"golang.org/x/exp/slices"
)

// poolExecutor backs a KindPool task with a fixed-size supervisor pool.
// Routing: a keyed call sticks to whichever slot last ran that key, but
// only while that slot still has spare capacity; once it's at its even
// share of MaxInFlight, routing falls through to the slot with the
// fewest in-flight calls (ties broken by lowest index), the same rule an
// unkeyed call or a key seen for the first time always uses.
type poolExecutor struct {
	sups   []*supervisor
	keyIdx map[string]int
}

func newPoolExecutor(t *Task, size int) *poolExecutor {
	sups := make([]*supervisor, size)
	for i := range sups {
		sups[i] = newSupervisor(t, i)
	}
	return &poolExecutor{sups: sups, keyIdx: make(map[string]int)}
}

func (e *poolExecutor) start() error {
	for _, s := range e.sups {
		if err := s.start(); err != nil {
			return err
		}
	}
	return nil
}

func (e *poolExecutor) stop() error {
	var firstErr error
	for _, s := range e.sups {
		if err := s.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// pick selects the slot index for call, per the routing rule above.
func (e *poolExecutor) pick(call *Call) int {
	if call.Key != "" {
		if idx, ok := e.keyIdx[call.Key]; ok && e.hasSpareCapacity(idx) {
			return idx
		}
	}
	idxs := make([]int, len(e.sups))
	for i := range idxs {
		idxs[i] = i
	}
	slices.SortFunc(idxs, func(a, b int) int {
		la, lb := e.sups[a].activeInFlight(), e.sups[b].activeInFlight()
		switch {
		case la < lb:
			return -1
		case la > lb:
			return 1
		default:
			return a - b
		}
	})
	chosen := idxs[0]
	if call.Key != "" {
		e.keyIdx[call.Key] = chosen
	}
	return chosen
}

// hasSpareCapacity reports whether slot idx is still under its even share
// of the task's MaxInFlight, so a hot key can't pile unbounded concurrent
// dispatches onto one supervisor.
func (e *poolExecutor) hasSpareCapacity(idx int) bool {
	return e.sups[idx].activeInFlight() < e.perWorkerCap()
}

// perWorkerCap divides the task's MaxInFlight evenly across slots,
// rounding up so every slot gets at least one.
func (e *poolExecutor) perWorkerCap() int {
	cfg := &e.sups[0].task.Config
	n := len(e.sups)
	share := (cfg.MaxInFlight + n - 1) / n
	if share < 1 {
		share = 1
	}
	return share
}

func (e *poolExecutor) dispatch(call *Call) {
	idx := e.pick(call)
	sup := e.sups[idx]
	if sup.Snapshot() != SupervisorRunning {
		if err := sup.start(); err != nil {
			sup.task.queue.onResult(call, nil, &WorkerCrashedError{Cause: err, Attempts: call.attempts + 1})
			return
		}
	}
	call.WorkerIdx = idx
	sup.dispatch(call)
}

func (e *poolExecutor) cancelInFlight(call *Call) {
	if call.WorkerIdx >= 0 && call.WorkerIdx < len(e.sups) {
		e.sups[call.WorkerIdx].cancelInFlight(call)
	}
}

func (e *poolExecutor) workerStatus() []SupervisorState {
	out := make([]SupervisorState, len(e.sups))
	for i, s := range e.sups {
		out[i] = s.Snapshot()
	}
	return out
}

func (e *poolExecutor) activeWorkers() int {
	n := 0
	for _, s := range e.sups {
		if s.Snapshot() == SupervisorRunning {
			n++
		}
	}
	return n
}
