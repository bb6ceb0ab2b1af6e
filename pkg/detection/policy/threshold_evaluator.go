package policy

import (
	"fmt"

	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// ThresholdEvaluator is the default evaluator: allow early when the
// probability is low with enough confidence, block when it is high, and
// escalate to the AI tier once while the probability sits in the ambiguous
// band.
type ThresholdEvaluator struct {
	AllowBelow    float64
	BlockAbove    float64
	MinConfidence float64
	AmbiguousLow  float64
	AmbiguousHigh float64
}

func NewThresholdEvaluator() *ThresholdEvaluator {
	return &ThresholdEvaluator{
		AllowBelow:    0.15,
		BlockAbove:    0.85,
		MinConfidence: 0.5,
		AmbiguousLow:  0.35,
		AmbiguousHigh: 0.65,
	}
}

func (e *ThresholdEvaluator) Evaluate(p *Policy, s Snapshot) Decision {
	// An early-exit verdict already collapsed the pipeline; nothing to add.
	if s.EarlyExit != types.VerdictNone {
		return Decision{ShouldContinue: false, Reason: "early exit verdict recorded"}
	}

	if s.Confidence >= e.MinConfidence {
		if s.Probability >= e.BlockAbove {
			return Decision{
				Action: types.ActionBlock,
				Reason: fmt.Sprintf("probability %.2f above block threshold %.2f", s.Probability, e.BlockAbove),
			}
		}
		if s.Probability <= e.AllowBelow {
			return Decision{
				Action: types.ActionAllow,
				Reason: fmt.Sprintf("probability %.2f below allow threshold %.2f", s.Probability, e.AllowBelow),
			}
		}
	}

	if !s.AIRan && len(p.AIDetectors) > 0 &&
		s.Probability >= e.AmbiguousLow && s.Probability <= e.AmbiguousHigh &&
		s.Wave >= 1 {
		return Decision{
			ShouldContinue: true,
			EscalateAI:     true,
			Reason:         "ambiguous probability, escalating to AI tier",
		}
	}

	return Decision{ShouldContinue: true, Reason: "continue"}
}
