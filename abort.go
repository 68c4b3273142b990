package taskrt

import (
	"sync"
)

// AbortSignal communicates that an asynchronous operation should stop,
// following the shape of the W3C DOM AbortController/AbortSignal pair
// this package's cancellation model is modeled after.
//
// Thread Safety: AbortSignal is safe for concurrent use from multiple
// goroutines; all state mutation is protected by an internal mutex.
type AbortSignal struct {
	mu       sync.Mutex
	handlers []func(reason any)
	reason   any
	aborted  bool
}

func newAbortSignal() *AbortSignal {
	return &AbortSignal{}
}

// Aborted reports whether the signal has fired.
func (s *AbortSignal) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Reason returns the abort reason, or nil if not aborted.
func (s *AbortSignal) Reason() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// OnAbort registers a callback invoked when the signal fires. If the
// signal has already fired, the callback runs immediately (outside the
// lock) with the existing reason.
func (s *AbortSignal) OnAbort(handler func(reason any)) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	if s.aborted {
		reason := s.reason
		s.mu.Unlock()
		handler(reason)
		return
	}
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

func (s *AbortSignal) abort(reason any) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.reason = reason
	handlers := make([]func(reason any), len(s.handlers))
	copy(handlers, s.handlers)
	s.handlers = nil
	s.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
}

// AbortController owns an AbortSignal and can fire it.
type AbortController struct {
	signal *AbortSignal
}

// NewAbortController returns a controller with a fresh, unfired signal.
func NewAbortController() *AbortController {
	return &AbortController{signal: newAbortSignal()}
}

// Signal returns the controller's signal. Always the same instance.
func (c *AbortController) Signal() *AbortSignal {
	return c.signal
}

// Abort fires the controller's signal with the given reason. A nil
// reason is replaced with a generic *AbortError. Subsequent calls are a
// no-op (double-abort is idempotent, per the queue core's invariants).
func (c *AbortController) Abort(reason any) {
	if reason == nil {
		reason = &AbortError{Reason: "aborted"}
	}
	c.signal.abort(reason)
}

// abortAny returns a signal that fires when any of the given signals
// fire, with the composite reason equal to whichever fired first.
// Downstream handlers are attached as one-shot observers via sync.Once,
// so only the first cause is ever propagated, avoiding cyclic fan-out.
func abortAny(signals ...*AbortSignal) *AbortSignal {
	composite := newAbortSignal()
	var once sync.Once
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		if sig.Aborted() {
			composite.abort(sig.Reason())
			return composite
		}
	}
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		sig.OnAbort(func(reason any) {
			once.Do(func() { composite.abort(reason) })
		})
	}
	return composite
}

// keySource is the Abort Controller Registry's bookkeeping for a single
// key: the live controller (if any) plus a generation counter used to
// detach externally-linked signals on clear, since Go function
// values can't be compared to implement a real RemoveEventListener.
type keySource struct {
	controller *AbortController
	generation uint64
}

// AbortRegistry fans cancellation out to every call sharing a key.
// A key maps to at most one live AbortController at a time; the registry
// is the exclusive owner of that controller, and Calls only ever hold a
// weak (read-only) relation to it: a call's settlement never destroys
// the shared source.
//
// AbortRegistry is safe for concurrent use; it is shared across every
// Task registered with a Runtime, but is single-writer per key (whichever
// Task first calls SignalFor "owns" that key's controller).
type AbortRegistry struct {
	mu      sync.Mutex
	sources map[string]*keySource
}

// NewAbortRegistry returns an empty registry.
func NewAbortRegistry() *AbortRegistry {
	return &AbortRegistry{sources: make(map[string]*keySource)}
}

// SignalFor returns the signal tied to key, creating a fresh controller
// if the key is not yet known. Idempotent per key: repeated calls with
// the same (live) key return signals backed by the same controller.
func (r *AbortRegistry) SignalFor(key string) *AbortSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.sources[key]
	if src == nil {
		src = &keySource{controller: NewAbortController()}
		r.sources[key] = src
	}
	return src.controller.Signal()
}

// Abort fires the stored controller for key, if any. A no-op if the key
// is unknown (never registered, or previously cleared).
func (r *AbortRegistry) Abort(key string, reason any) {
	r.mu.Lock()
	src := r.sources[key]
	r.mu.Unlock()
	if src == nil {
		return
	}
	src.controller.Abort(reason)
}

// Clear discards the stored controller for key without aborting it. Any
// signal obtained via a prior SignalFor call remains exactly as it was
// (aborted if it had already fired); a subsequent SignalFor mints a
// fresh controller and signal. This is the "fresh run under the same
// key" pattern used by call sites that reuse keys across retries.
func (r *AbortRegistry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src := r.sources[key]; src != nil {
		src.generation++ // detaches any LinkExternal handler still pending
		delete(r.sources, key)
	}
}

// LinkExternal merges an externally-provided signal into key's
// cancellation source: aborting either one triggers the composite, and
// the link is torn down (stops forwarding) the next time Clear(key) is
// called. Like SignalFor, it creates key's controller if key is not yet
// known.
func (r *AbortRegistry) LinkExternal(key string, external *AbortSignal) {
	if external == nil {
		return
	}
	r.mu.Lock()
	src := r.sources[key]
	if src == nil {
		src = &keySource{controller: NewAbortController()}
		r.sources[key] = src
	}
	gen := src.generation
	ctrl := src.controller
	r.mu.Unlock()

	external.OnAbort(func(reason any) {
		r.mu.Lock()
		cur := r.sources[key]
		stillLinked := cur != nil && cur.controller == ctrl && cur.generation == gen
		r.mu.Unlock()
		if stillLinked {
			ctrl.Abort(reason)
		}
	})
}
