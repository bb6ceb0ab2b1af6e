package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

func newTestState() *types.DetectionState {
	return types.AcquireState(&types.RequestContext{TraceID: "trace-1"})
}

func TestAggregator_ClampWithoutAI(t *testing.T) {
	cfg := config.NewDefaultConfig()
	agg := NewAggregator(&cfg.Detection)

	tests := []struct {
		name     string
		delta    float64
		expected float64
	}{
		{"ceiling applies", 1, cfg.Detection.ProbabilityCeil},
		{"floor applies", -1, cfg.Detection.ProbabilityFloor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewLedger("trace-1")
			ledger.Submit(types.Contribution{
				DetectorName:    "a",
				Category:        types.CategoryUserAgent,
				ConfidenceDelta: tt.delta,
				Weight:          1,
			})
			state := newTestState()
			defer state.Release()

			ev := agg.Aggregate(ledger, state, time.Now())
			assert.Equal(t, tt.expected, ev.BotProbability)
			assert.False(t, ev.AIRan)
		})
	}
}

func TestAggregator_AILiftsClamp(t *testing.T) {
	cfg := config.NewDefaultConfig()
	agg := NewAggregator(&cfg.Detection)

	ledger := NewLedger("trace-1")
	ledger.Submit(types.Contribution{
		DetectorName:    "ai",
		Category:        types.CategoryAI,
		ConfidenceDelta: 1,
		Weight:          2,
	})
	state := newTestState()
	defer state.Release()
	state.MarkAIRan()

	ev := agg.Aggregate(ledger, state, time.Now())
	assert.True(t, ev.AIRan)
	assert.Equal(t, 1.0, ev.BotProbability)
}

func TestAggregator_CoverageConfidenceCapsLedgerConfidence(t *testing.T) {
	cfg := config.NewDefaultConfig()
	agg := NewAggregator(&cfg.Detection)

	// Only one of the five non-AI families reports; heavy evidence from
	// that single family must not produce high confidence.
	ledger := NewLedger("trace-1")
	ledger.Submit(types.Contribution{
		DetectorName:    "ua",
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: 0.9,
		Weight:          3,
	})
	state := newTestState()
	defer state.Release()

	ev := agg.Aggregate(ledger, state, time.Now())

	// user_agent weight 1 over expected 1+1+1.5+1.5+1 (AI excluded).
	assert.InDelta(t, 1.0/6.0, ev.Confidence, 0.001)
}

func TestAggregator_AIFamilyInDenominatorOnlyWhenRan(t *testing.T) {
	cfg := config.NewDefaultConfig()
	agg := NewAggregator(&cfg.Detection)

	ledger := NewLedger("trace-1")
	for _, cat := range []types.Category{
		types.CategoryUserAgent, types.CategoryHeaders, types.CategoryNetwork,
		types.CategoryBehavior, types.CategoryFingerprint,
	} {
		ledger.Submit(types.Contribution{
			DetectorName:    string(cat),
			Category:        cat,
			ConfidenceDelta: 0.5,
			Weight:          1,
		})
	}
	state := newTestState()
	defer state.Release()

	ev := agg.Aggregate(ledger, state, time.Now())
	// All expected families ran; absent AI does not deflate coverage.
	assert.Equal(t, 1.0, ev.Confidence)
}

func TestAggregator_LowConfidenceBandsByProbabilityAlone(t *testing.T) {
	cfg := config.NewDefaultConfig()
	agg := NewAggregator(&cfg.Detection)

	tests := []struct {
		name     string
		delta    float64
		expected types.RiskBand
	}{
		{"high probability, thin evidence", 0.4, types.RiskMedium},
		{"low probability, thin evidence", -0.4, types.RiskUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewLedger("trace-1")
			ledger.Submit(types.Contribution{
				DetectorName:    "a",
				Category:        types.CategoryUserAgent,
				ConfidenceDelta: tt.delta,
				Weight:          0.2,
			})
			state := newTestState()
			defer state.Release()

			ev := agg.Aggregate(ledger, state, time.Now())
			require.Less(t, ev.Confidence, cfg.Detection.LowConfidenceCutoff)
			assert.Equal(t, tt.expected, ev.RiskBand)
		})
	}
}

func TestAggregator_EarlyExitShortCircuits(t *testing.T) {
	cfg := config.NewDefaultConfig()
	agg := NewAggregator(&cfg.Detection)

	tests := []struct {
		name         string
		verdict      types.EarlyExitVerdict
		expectedProb float64
		expectedBand types.RiskBand
	}{
		{"verified good bot", types.VerdictVerifiedGoodBot, 1, types.RiskVerified},
		{"whitelisted", types.VerdictWhitelisted, 0, types.RiskVerified},
		{"blacklisted", types.VerdictBlacklisted, 1, types.RiskVeryHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewLedger("trace-1")
			ledger.Submit(types.Contribution{
				DetectorName: "gate",
				Category:     types.CategoryNetwork,
				EarlyExit:    tt.verdict,
			})
			state := newTestState()
			defer state.Release()

			ev := agg.Aggregate(ledger, state, time.Now())
			assert.True(t, ev.EarlyExit)
			assert.Equal(t, tt.verdict, ev.EarlyExitVerdict)
			assert.Equal(t, tt.expectedProb, ev.BotProbability)
			assert.Equal(t, 1.0, ev.Confidence)
			assert.Equal(t, tt.expectedBand, ev.RiskBand)
		})
	}
}

func TestAggregator_ThreatBandFromSignals(t *testing.T) {
	cfg := config.NewDefaultConfig()
	agg := NewAggregator(&cfg.Detection)

	ledger := NewLedger("trace-1")
	state := newTestState()
	defer state.Release()
	state.MergeSignals(types.SignalMap{
		threatScoreSignal: types.NumberSignal(0.8),
	})

	ev := agg.Aggregate(ledger, state, time.Now())
	assert.Equal(t, types.ThreatSevere, ev.ThreatBand)
	assert.InDelta(t, 0.8, ev.ThreatScore, 0.001)
}

func TestAggregator_BandTablesDifferWithAI(t *testing.T) {
	cfg := config.NewDefaultConfig()
	agg := NewAggregator(&cfg.Detection)

	build := func(aiRan bool) types.AggregatedEvidence {
		ledger := NewLedger("trace-1")
		for _, cat := range []types.Category{
			types.CategoryUserAgent, types.CategoryHeaders, types.CategoryNetwork,
			types.CategoryBehavior, types.CategoryFingerprint,
		} {
			ledger.Submit(types.Contribution{
				DetectorName:    string(cat),
				Category:        cat,
				ConfidenceDelta: 0.55,
				Weight:          1,
			})
		}
		state := newTestState()
		defer state.Release()
		if aiRan {
			state.MarkAIRan()
			ledger.Submit(types.Contribution{
				DetectorName:    "ai",
				Category:        types.CategoryAI,
				ConfidenceDelta: 0.55,
				Weight:          1,
			})
		}
		return agg.Aggregate(ledger, state, time.Now())
	}

	pre := build(false)
	post := build(true)

	// Probability ~0.775: clamps to 0.775 either way but bands differ
	// between the pre-AI (High < 0.8) and post-AI (VeryHigh >= 0.75) tables.
	assert.Equal(t, types.RiskHigh, pre.RiskBand)
	assert.Equal(t, types.RiskVeryHigh, post.RiskBand)
}
