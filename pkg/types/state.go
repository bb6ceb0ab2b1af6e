package types

import (
	"sync"
)

// DetectionState is the mutable per-request working set shared by every
// detector wave: the signal map, the ran/completed/failed detector sets and
// the AI-tier flag. It is pooled; a state must never be retained past the
// request that acquired it.
type DetectionState struct {
	Request *RequestContext
	Signals SignalMap

	ran       map[string]struct{}
	completed map[string]struct{}
	failed    map[string]struct{}

	mu    sync.Mutex
	aiRan bool

	released bool
}

var statePool = sync.Pool{
	New: func() interface{} {
		return &DetectionState{
			Signals:   make(SignalMap),
			ran:       make(map[string]struct{}),
			completed: make(map[string]struct{}),
			failed:    make(map[string]struct{}),
		}
	},
}

// AcquireState checks a cleared state out of the pool and binds it to the
// request.
func AcquireState(req *RequestContext) *DetectionState {
	s, _ := statePool.Get().(*DetectionState)
	s.Request = req
	s.released = false
	return s
}

// Release clears every mutable field and returns the state to the pool.
// The reset is exhaustive: stale keys from one request must never leak into
// the next. Releasing twice is a no-op.
func (s *DetectionState) Release() {
	if s.released {
		return
	}
	s.released = true
	s.Request = nil
	for k := range s.Signals {
		delete(s.Signals, k)
	}
	for k := range s.ran {
		delete(s.ran, k)
	}
	for k := range s.completed {
		delete(s.completed, k)
	}
	for k := range s.failed {
		delete(s.failed, k)
	}
	s.aiRan = false
	statePool.Put(s)
}

// MarkRan records that a detector has been scheduled. Set before the wave
// executes so a detector cannot retrigger itself from signals it produces.
func (s *DetectionState) MarkRan(name string) {
	s.mu.Lock()
	s.ran[name] = struct{}{}
	s.mu.Unlock()
}

func (s *DetectionState) HasRan(name string) bool {
	s.mu.Lock()
	_, ok := s.ran[name]
	s.mu.Unlock()
	return ok
}

func (s *DetectionState) MarkCompleted(name string) {
	s.mu.Lock()
	s.completed[name] = struct{}{}
	s.mu.Unlock()
}

func (s *DetectionState) MarkFailed(name string) {
	s.mu.Lock()
	s.failed[name] = struct{}{}
	s.mu.Unlock()
}

func (s *DetectionState) MarkAIRan() {
	s.mu.Lock()
	s.aiRan = true
	s.mu.Unlock()
}

func (s *DetectionState) AIRan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aiRan
}

func (s *DetectionState) CompletedDetectors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.completed))
	for name := range s.completed {
		out = append(out, name)
	}
	return out
}

func (s *DetectionState) FailedDetectors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.failed))
	for name := range s.failed {
		out = append(out, name)
	}
	return out
}

// MergeSignals folds a detector's signal output into the shared map.
// Last writer wins; no cross-detector ordering is guaranteed inside a wave.
func (s *DetectionState) MergeSignals(signals SignalMap) {
	if len(signals) == 0 {
		return
	}
	s.mu.Lock()
	s.Signals.Merge(signals)
	s.mu.Unlock()
}

// SignalSnapshot returns a copy of the current signal map for consumers that
// outlive the request.
func (s *DetectionState) SignalSnapshot() SignalMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Signals.Clone()
}

// HasSignal is the trigger-condition read path.
func (s *DetectionState) HasSignal(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Signals.Has(key)
}

// Signal returns a single signal under the state lock.
func (s *DetectionState) Signal(key string) (Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.Signals[key]
	return sig, ok
}
