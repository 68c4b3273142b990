package taskrt

import (
	"hash/fnv"
	"strconv"
	"sync/atomic"
)

// Counters are the O(1) per-task bookkeeping Snapshot needs. Every field
// is updated with a single atomic op from the queue core's trampoline
// goroutine; Snapshot-ing copies the values, never the struct, so readers
// never torn-read across fields.
type Counters struct {
	TotalDispatched atomic.Int64
	TotalSettled    atomic.Int64
	TotalRejected   atomic.Int64
	TotalCanceled   atomic.Int64
	TotalDropped    atomic.Int64
	TotalRequeued   atomic.Int64
	WorkerCrashes   atomic.Int64
}

// CountersSnapshot is a pure-data copy of Counters, safe to retain.
type CountersSnapshot struct {
	TotalDispatched int64
	TotalSettled    int64
	TotalRejected   int64
	TotalCanceled   int64
	TotalDropped    int64
	TotalRequeued   int64
	WorkerCrashes   int64
}

func (c *Counters) snapshot() CountersSnapshot {
	return CountersSnapshot{
		TotalDispatched: c.TotalDispatched.Load(),
		TotalSettled:    c.TotalSettled.Load(),
		TotalRejected:   c.TotalRejected.Load(),
		TotalCanceled:   c.TotalCanceled.Load(),
		TotalDropped:    c.TotalDropped.Load(),
		TotalRequeued:   c.TotalRequeued.Load(),
		WorkerCrashes:   c.WorkerCrashes.Load(),
	}
}

// TaskSnapshot is a pure-data, point-in-time view of one task.
type TaskSnapshot struct {
	TaskID          TaskID
	TaskName        string
	Kind            TaskKind
	Init            InitMode
	PoolSize        int
	WorkerStatus    []SupervisorState
	ActiveWorkers   int
	InFlightDepth   int
	PendingDepth    int
	WaitingDepth    int
	MaxInFlight     int
	MaxPending      int
	MaxWaiting      int
	QueuePolicy     QueuePolicy
	Poisoned        bool
	PerWorkerInFlight []int // histogram, pool kind only
	Counters        CountersSnapshot
}

// hash produces a cheap, stable fingerprint of the mutable fields of a
// TaskSnapshot, used by onlyOnChange to skip emitting unchanged
// snapshots.
func (s TaskSnapshot) hash() uint64 {
	h := fnv.New64a()
	write := func(v int64) {
		var buf [20]byte
		b := strconv.AppendInt(buf[:0], v, 10)
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{0})
	}
	write(int64(s.InFlightDepth))
	write(int64(s.PendingDepth))
	write(int64(s.WaitingDepth))
	write(int64(s.ActiveWorkers))
	if s.Poisoned {
		write(1)
	} else {
		write(0)
	}
	for _, st := range s.WorkerStatus {
		write(int64(st))
	}
	for _, n := range s.PerWorkerInFlight {
		write(int64(n))
	}
	c := s.Counters
	write(c.TotalDispatched)
	write(c.TotalSettled)
	write(c.TotalRejected)
	write(c.TotalCanceled)
	write(c.TotalDropped)
	write(c.TotalRequeued)
	write(c.WorkerCrashes)
	return h.Sum64()
}

// RuntimeSnapshot aggregates every registered task's TaskSnapshot.
type RuntimeSnapshot struct {
	Tasks []TaskSnapshot
}

func (s RuntimeSnapshot) hash() uint64 {
	h := fnv.New64a()
	for _, t := range s.Tasks {
		var buf [20]byte
		b := strconv.AppendUint(buf[:0], t.hash(), 10)
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
