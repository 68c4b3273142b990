package taskrt

import "time"

// runtimeOptions holds configuration applied to a Runtime at construction.
type runtimeOptions struct {
	logger       Logger
	traceMode    TraceMode
	sampleRate   float64
	snapshotTick time.Duration
}

// RuntimeOption configures a Runtime instance, in the same functional-
// option idiom used by CallOption for per-call configuration.
type RuntimeOption interface {
	applyRuntime(*runtimeOptions)
}

type runtimeOptionFunc func(*runtimeOptions)

func (f runtimeOptionFunc) applyRuntime(opts *runtimeOptions) { f(opts) }

// WithLogger overrides the package-level default logger for every task
// registered on this Runtime.
func WithLogger(l Logger) RuntimeOption {
	return runtimeOptionFunc(func(opts *runtimeOptions) {
		if l != nil {
			opts.logger = l
		}
	})
}

// WithTraceMode sets the runtime's span tracing mode: off, on, or
// sampled at a given rate.
func WithTraceMode(mode TraceMode) RuntimeOption {
	return runtimeOptionFunc(func(opts *runtimeOptions) {
		opts.traceMode = mode
	})
}

// WithSampleRate sets the sampling rate used when TraceMode is
// TraceSampled; rate is clamped to [0, 1].
func WithSampleRate(rate float64) RuntimeOption {
	return runtimeOptionFunc(func(opts *runtimeOptions) {
		if rate < 0 {
			rate = 0
		}
		if rate > 1 {
			rate = 1
		}
		opts.sampleRate = rate
	})
}

// WithSnapshotInterval sets the default polling interval used by
// SubscribeRuntimeSnapshot callers that don't specify one explicitly.
func WithSnapshotInterval(d time.Duration) RuntimeOption {
	return runtimeOptionFunc(func(opts *runtimeOptions) {
		opts.snapshotTick = d
	})
}

func resolveRuntimeOptions(opts []RuntimeOption) *runtimeOptions {
	cfg := &runtimeOptions{
		logger:       getLogger(),
		traceMode:    TraceOff,
		sampleRate:   0,
		snapshotTick: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyRuntime(cfg)
		}
	}
	return cfg
}
