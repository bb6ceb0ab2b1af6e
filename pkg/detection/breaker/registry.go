package breaker

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/scottgal/stylobot-sub006/pkg/config"
)

// Registry holds one circuit breaker per detector name. The state is
// process-wide, mutated by every concurrent request, and never persisted:
// a restart resets all breakers.
//
// A detector trips Open after FailureThreshold consecutive failures, moves
// to HalfOpen once Cooldown elapses, and MaxRequests=1 means exactly one
// probe is admitted before the breaker commits to Closed or back to Open.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	cfg      config.BreakerConfig
	logger   *logrus.Logger

	onStateChange func(name string, from, to gobreaker.State)
}

func NewRegistry(cfg config.BreakerConfig, logger *logrus.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

// OnStateChange installs a transition hook (used for metrics). Must be set
// before the first AllowRequest for a given detector.
func (r *Registry) OnStateChange(fn func(name string, from, to gobreaker.State)) {
	r.onStateChange = fn
}

// AllowRequest reports whether the named detector may be offered a wave
// slot. When allowed it returns a done callback that must be invoked with
// the execution outcome; when refused the callback is nil.
func (r *Registry) AllowRequest(name string) (func(success bool), bool) {
	cb := r.breaker(name)
	done, err := cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

// State exposes the breaker state for a detector, creating the breaker if it
// does not exist yet.
func (r *Registry) State(name string) gobreaker.State {
	return r.breaker(name).State()
}

func (r *Registry) breaker(name string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	threshold := r.cfg.FailureThreshold
	cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if r.logger != nil {
				r.logger.WithFields(logrus.Fields{
					"detector": name,
					"from":     from.String(),
					"to":       to.String(),
				}).Warn("detector circuit breaker state change")
			}
			if r.onStateChange != nil {
				r.onStateChange(name, from, to)
			}
		},
	})
	r.breakers[name] = cb
	return cb
}
