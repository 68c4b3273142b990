package taskrt

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// TraceMode selects how aggressively a Runtime emits EventTrace spans.
type TraceMode int

const (
	// TraceOff never emits spans.
	TraceOff TraceMode = iota
	// TraceOn emits a span for every call.
	TraceOn
	// TraceSampled emits a span for a random fraction of calls, per
	// RuntimeOption WithSampleRate.
	TraceSampled
)

// Span is one sampled timing record, delivered as an Event with
// Kind == EventTrace and Span set to Name.
type Span struct {
	Name     string
	TaskName string
	CallID   CallID
	Start    time.Time
	Duration time.Duration
}

// tracer decides, per call, whether to emit a span, and records it via
// the runtime's event bus when it does. active is an atomic fast-path
// gate: a Runtime with TraceOff (the default) pays one atomic load per
// call and nothing else, matching the doc's "near-zero when unobserved"
// design note.
type tracer struct {
	mode   TraceMode
	rate   float64
	active atomic.Bool
}

func newTracer(mode TraceMode, rate float64) *tracer {
	t := &tracer{mode: mode, rate: rate}
	t.active.Store(mode != TraceOff)
	return t
}

// shouldSample reports whether this invocation should be traced.
func (t *tracer) shouldSample() bool {
	if !t.active.Load() {
		return false
	}
	switch t.mode {
	case TraceOn:
		return true
	case TraceSampled:
		return rand.Float64() < t.rate
	default:
		return false
	}
}

// start begins a span for call, returning a finish func that records the
// span's duration once invoked. If tracing is disabled, finish is a
// cheap no-op.
func (t *tracer) start(q *queueCore, call *Call, name string) func() {
	if !t.shouldSample() {
		return func() {}
	}
	begin := time.Now()
	return func() {
		d := time.Since(begin)
		q.task.runtime.events.emit(Event{
			Kind:     EventTrace,
			Time:     begin,
			TaskID:   q.task.ID,
			TaskName: q.task.Config.Name,
			CallID:   call.ID,
			Method:   call.Method,
			Span:     name,
			Duration: d,
		})
	}
}
