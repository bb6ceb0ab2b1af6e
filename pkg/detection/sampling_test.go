package detection

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

func TestSampler_ShouldSample(t *testing.T) {
	s := NewSampler(config.SamplingConfig{
		HighConfidenceBadRate: 0.05,
		LowRiskBaseRate:       0.01,
		AmbiguousLow:          0.35,
		AmbiguousHigh:         0.65,
		LowConfidenceCutoff:   0.3,
	}, config.EventsConfig{}, nil, quietLogger())

	tests := []struct {
		name         string
		probability  float64
		confidence   float64
		newSignature bool
		wantReason   string
		wantAlways   bool // deterministic outcome regardless of the random roll
		wantSampled  bool
	}{
		{
			name:         "new signature always sampled",
			probability:  0.05,
			confidence:   0.9,
			newSignature: true,
			wantReason:   "new signature",
			wantAlways:   true,
			wantSampled:  true,
		},
		{
			name:        "low confidence always sampled",
			probability: 0.1,
			confidence:  0.1,
			wantReason:  "low confidence",
			wantAlways:  true,
			wantSampled: true,
		},
		{
			name:        "ambiguous probability always sampled",
			probability: 0.5,
			confidence:  0.9,
			wantReason:  "ambiguous probability",
			wantAlways:  true,
			wantSampled: true,
		},
		{
			name:        "band edges are inclusive",
			probability: 0.35,
			confidence:  0.9,
			wantReason:  "ambiguous probability",
			wantAlways:  true,
			wantSampled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &types.AggregatedEvidence{
				BotProbability: tt.probability,
				Confidence:     tt.confidence,
			}
			reason, sampled := s.ShouldSample(ev, tt.newSignature)
			assert.Equal(t, tt.wantSampled, sampled)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestSampler_SpotCheckIsProbabilistic(t *testing.T) {
	// Rate 1.0 means every confident-bot verdict is spot-checked, rate 0
	// means none is; the deterministic endpoints pin the branch without
	// depending on the RNG.
	always := NewSampler(config.SamplingConfig{
		HighConfidenceBadRate: 1.0,
		LowRiskBaseRate:       0,
		AmbiguousLow:          0.35,
		AmbiguousHigh:         0.65,
		LowConfidenceCutoff:   0.3,
	}, config.EventsConfig{}, nil, quietLogger())

	never := NewSampler(config.SamplingConfig{
		HighConfidenceBadRate: 0.000000001,
		LowRiskBaseRate:       0.000000001,
		AmbiguousLow:          0.35,
		AmbiguousHigh:         0.65,
		LowConfidenceCutoff:   0.3,
	}, config.EventsConfig{}, nil, quietLogger())

	bot := &types.AggregatedEvidence{BotProbability: 0.95, Confidence: 0.9}
	reason, sampled := always.ShouldSample(bot, false)
	assert.True(t, sampled)
	assert.Equal(t, "high confidence bot spot-check", reason)

	sampledOnce := false
	for i := 0; i < 20; i++ {
		if _, ok := never.ShouldSample(bot, false); ok {
			sampledOnce = true
		}
	}
	assert.False(t, sampledOnce, "near-zero rate should not fire in 20 rolls")

	human := &types.AggregatedEvidence{BotProbability: 0.05, Confidence: 0.9}
	reason, sampled = always.ShouldSample(human, false)
	assert.False(t, sampled)
	assert.Empty(t, reason)
}

func TestSampler_LowRiskRateAdaptsToDrift(t *testing.T) {
	base := 0.01
	s := NewSampler(config.SamplingConfig{
		HighConfidenceBadRate: 0.05,
		LowRiskBaseRate:       base,
		AmbiguousLow:          0.35,
		AmbiguousHigh:         0.65,
		LowConfidenceCutoff:   0.3,
	}, config.EventsConfig{}, nil, quietLogger())

	// Stable traffic: both means track the same value, no boost.
	for i := 0; i < 50; i++ {
		assert.InDelta(t, base, s.lowRiskRate(0.1), 1e-12)
	}

	// The mix shifts: the fast mean runs ahead of the slow one and the rate
	// climbs above the baseline.
	drifted := s.lowRiskRate(0.3)
	for i := 0; i < 5; i++ {
		drifted = s.lowRiskRate(0.3)
	}
	assert.Greater(t, drifted, base)

	// An extreme swing saturates at the cap.
	fresh := NewSampler(config.SamplingConfig{LowRiskBaseRate: base}, config.EventsConfig{}, nil, quietLogger())
	fresh.lowRiskRate(0.0)
	var capped float64
	for i := 0; i < 10; i++ {
		capped = fresh.lowRiskRate(1.0)
	}
	assert.InDelta(t, base*driftBoostMax, capped, 1e-12)
}

func TestSampler_EnqueueNilClientIsNoop(t *testing.T) {
	s := NewSampler(config.SamplingConfig{}, config.EventsConfig{}, nil, quietLogger())
	// Must not panic.
	s.Enqueue(context.Background(), QueuedSample{TraceID: "t"})
}

func TestSampler_EnqueuePushesAndTrims(t *testing.T) {
	client, mock := redismock.NewClientMock()
	events := config.EventsConfig{QueueKey: "stylobot:ai_queue", QueueCap: 100}
	s := NewSampler(config.SamplingConfig{}, events, client, quietLogger())

	sample := QueuedSample{
		TraceID:        "trace-1",
		SignatureID:    "sig-1",
		Path:           "/login",
		UserAgent:      "curl/8.0",
		BotProbability: 0.5,
		Confidence:     0.2,
		RiskBand:       types.RiskMedium,
		Reason:         "ambiguous probability",
	}

	mock.CustomMatch(func(expected, actual []interface{}) error {
		return nil
	}).ExpectRPush("stylobot:ai_queue", "ignored").SetVal(1)
	mock.ExpectLTrim("stylobot:ai_queue", -100, -1).SetVal("OK")

	s.Enqueue(context.Background(), sample)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueuedSample_WireShape(t *testing.T) {
	raw, err := json.Marshal(QueuedSample{TraceID: "t", RiskBand: types.RiskLow})
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "t", decoded["trace_id"])
	assert.Equal(t, "low", decoded["risk_band"])
}
