package detectoriface

import (
	"context"
	"time"

	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// TriggerCondition is a predicate over the shared signal map. A detector
// with trigger conditions is only offered a wave slot once every condition
// holds; a detector with none is eligible from wave zero.
type TriggerCondition struct {
	SignalKey string
	// Matches, when set, further constrains the signal value. Nil means
	// presence alone satisfies the condition.
	Matches func(types.Signal) bool
}

func (c TriggerCondition) Satisfied(state *types.DetectionState) bool {
	if c.Matches == nil {
		return state.HasSignal(c.SignalKey)
	}
	sig, ok := state.Signal(c.SignalKey)
	if !ok {
		return false
	}
	return c.Matches(sig)
}

// Detector is the plugin boundary of the detection engine: a unit of
// evidence production consulted during a wave.
type Detector interface {
	Name() string
	// Priority orders detectors inside a wave; lower runs earlier.
	Priority() int
	IsEnabled() bool
	// IsOptional detectors fail silently; required detectors log an error
	// and degrade coverage confidence when they fail.
	IsOptional() bool
	ExecutionTimeout() time.Duration
	TriggerConditions() []TriggerCondition
	// Contribute consumes the shared request state and produces zero or more
	// contributions. It must honor ctx cancellation.
	Contribute(ctx context.Context, state *types.DetectionState) ([]types.Contribution, error)
}
