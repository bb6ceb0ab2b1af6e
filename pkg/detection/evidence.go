package detection

import (
	"time"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

const threatScoreSignal = "threat.score"

// Aggregator turns a finished ledger plus the request state into the
// immutable AggregatedEvidence verdict.
type Aggregator struct {
	cfg *config.DetectionConfig
}

func NewAggregator(cfg *config.DetectionConfig) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate builds the final verdict. aiRan lifts the probability clamp and
// switches to the tighter band table: AI confirmation is required to assert
// extreme confidence in either direction.
func (a *Aggregator) Aggregate(ledger *Ledger, state *types.DetectionState, started time.Time) types.AggregatedEvidence {
	aiRan := state.AIRan()
	signals := state.SignalSnapshot()

	ev := types.AggregatedEvidence{
		TraceID:               ledger.traceID,
		ContributingDetectors: state.CompletedDetectors(),
		FailedDetectors:       state.FailedDetectors(),
		Signals:               signals,
		CategoryScores:        ledger.CategoryScores(),
		AIRan:                 aiRan,
		ProcessingTime:        time.Since(started),
		CompletedAt:           time.Now(),
	}

	ev.ThreatScore, ev.ThreatBand = threatFromSignals(signals)

	// An early-exit contribution short-circuits the aggregation math.
	if verdict := ledger.EarlyExit(); verdict != types.VerdictNone {
		ev.EarlyExit = true
		ev.EarlyExitVerdict = verdict
		ev.Confidence = 1
		if verdict.IsBot() {
			ev.BotProbability = 1
		} else {
			ev.BotProbability = 0
		}
		if verdict.IsPositive() {
			ev.RiskBand = types.RiskVerified
		} else {
			ev.RiskBand = types.RiskVeryHigh
		}
		ev.BotType = ledger.botType
		ev.BotName = ledger.botName
		return ev
	}

	prob := ledger.Probability()
	if !aiRan {
		if prob < a.cfg.ProbabilityFloor {
			prob = a.cfg.ProbabilityFloor
		}
		if prob > a.cfg.ProbabilityCeil {
			prob = a.cfg.ProbabilityCeil
		}
	}

	coverage := a.coverageConfidence(ledger, aiRan)
	confidence := ledger.Confidence()
	if coverage < confidence {
		confidence = coverage
	}

	ev.BotProbability = prob
	ev.Confidence = confidence
	ev.RiskBand = a.band(prob, confidence, aiRan)
	ev.BotType = ledger.botType
	ev.BotName = ledger.botName
	return ev
}

// coverageConfidence is the ratio of family weights that actually reported a
// contribution to the weights of all expected families. The AI family is
// excluded from the denominator unless AI actually ran, so absent optional
// AI detectors do not silently deflate confidence.
func (a *Aggregator) coverageConfidence(ledger *Ledger, aiRan bool) float64 {
	ran := ledger.RanFamilies()

	var got, expected float64
	for family, weight := range a.cfg.CoverageWeights {
		if family == string(types.CategoryAI) && !aiRan {
			continue
		}
		expected += weight
		if _, ok := ran[types.Category(family)]; ok {
			got += weight
		}
	}
	if expected == 0 {
		return 0
	}
	return got / expected
}

func (a *Aggregator) band(prob, confidence float64, aiRan bool) types.RiskBand {
	if confidence < a.cfg.LowConfidenceCutoff {
		// Insufficient evidence: classify by probability alone.
		if prob >= 0.5 {
			return types.RiskMedium
		}
		return types.RiskUnknown
	}

	table := a.cfg.BandsPreAI
	if aiRan {
		table = a.cfg.BandsPostAI
	}
	switch {
	case prob < table.VeryLow:
		return types.RiskVeryLow
	case prob < table.Low:
		return types.RiskLow
	case prob < table.Medium:
		return types.RiskMedium
	case prob < table.High:
		return types.RiskHigh
	default:
		return types.RiskVeryHigh
	}
}

func threatFromSignals(signals types.SignalMap) (float64, types.ThreatBand) {
	score, ok := signals.GetNumber(threatScoreSignal)
	if !ok {
		return 0, types.ThreatNone
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	switch {
	case score < 0.25:
		return score, types.ThreatNone
	case score < 0.5:
		return score, types.ThreatLow
	case score < 0.75:
		return score, types.ThreatElevated
	default:
		return score, types.ThreatSevere
	}
}
