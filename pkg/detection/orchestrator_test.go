package detection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/detection/breaker"
	"github.com/scottgal/stylobot-sub006/pkg/detection/policy"
	"github.com/scottgal/stylobot-sub006/pkg/detectoriface"
	"github.com/scottgal/stylobot-sub006/pkg/detectoriface/mocks"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newMockDetector(name string, priority int, triggers []detectoriface.TriggerCondition) *mocks.MockDetector {
	d := new(mocks.MockDetector)
	d.On("Name").Return(name)
	d.On("Priority").Return(priority)
	d.On("IsEnabled").Return(true)
	d.On("IsOptional").Return(true)
	d.On("ExecutionTimeout").Return(100 * time.Millisecond)
	d.On("TriggerConditions").Return(triggers)
	return d
}

type testHarness struct {
	scheduler *WaveScheduler
	breakers  *breaker.Registry
	policies  *policy.Registry
}

func newHarness(t *testing.T, evaluator policy.Evaluator, pol *policy.Policy) *testHarness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	logger := quietLogger()
	breakers := breaker.NewRegistry(cfg.Breaker, logger)
	policies := policy.NewRegistry()
	require.NoError(t, policies.Register(pol))
	return &testHarness{
		scheduler: NewScheduler(&cfg.Detection, breakers, policies, evaluator, logger),
		breakers:  breakers,
		policies:  policies,
	}
}

// continueEvaluator never terminates; the loop runs until no detectors are
// ready.
type continueEvaluator struct{}

func (continueEvaluator) Evaluate(*policy.Policy, policy.Snapshot) policy.Decision {
	return policy.Decision{ShouldContinue: true}
}

type scriptedEvaluator struct {
	fn func(p *policy.Policy, s policy.Snapshot) policy.Decision
}

func (e scriptedEvaluator) Evaluate(p *policy.Policy, s policy.Snapshot) policy.Decision {
	return e.fn(p, s)
}

func testRequest() *types.RequestContext {
	return &types.RequestContext{
		Context:   context.Background(),
		TraceID:   "trace-1",
		Method:    "GET",
		Path:      "/index",
		IP:        "203.0.113.9",
		UserAgent: "test-agent",
	}
}

func TestWaveScheduler_SingleWave(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"a", "b"}}
	h := newHarness(t, continueEvaluator{}, pol)

	a := newMockDetector("a", 10, nil)
	a.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: 0.2,
		Weight:          1,
	}}, nil)
	b := newMockDetector("b", 20, nil)
	b.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryHeaders,
		ConfidenceDelta: 0.6,
		Weight:          2,
	}}, nil)

	require.NoError(t, h.scheduler.RegisterDetector(a))
	require.NoError(t, h.scheduler.RegisterDetector(b))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.Equal(t, 1, ev.WavesExecuted)
	assert.ElementsMatch(t, []string{"a", "b"}, ev.ContributingDetectors)
	assert.InDelta(t, 0.7333, ev.BotProbability, 0.001)
	assert.Positive(t, ev.ProcessingTime)
	a.AssertNumberOfCalls(t, "Contribute", 1)
	b.AssertNumberOfCalls(t, "Contribute", 1)
}

func TestWaveScheduler_TriggerGatedSecondWave(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"first"}, SlowDetectors: []string{"second"}}
	h := newHarness(t, continueEvaluator{}, pol)

	first := newMockDetector("first", 10, nil)
	first.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: 0.1,
		Weight:          1,
		Signals:         types.SignalMap{"ua.analyzed": types.BoolSignal(true)},
	}}, nil)

	second := newMockDetector("second", 10, []detectoriface.TriggerCondition{{SignalKey: "ua.analyzed"}})
	second.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryNetwork,
		ConfidenceDelta: 0.3,
		Weight:          1,
	}}, nil)

	require.NoError(t, h.scheduler.RegisterDetector(first))
	require.NoError(t, h.scheduler.RegisterDetector(second))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.Equal(t, 2, ev.WavesExecuted)
	assert.ElementsMatch(t, []string{"first", "second"}, ev.ContributingDetectors)
	// Pre-marked ran-set: neither detector executes twice even though the
	// trigger signal stays present.
	first.AssertNumberOfCalls(t, "Contribute", 1)
	second.AssertNumberOfCalls(t, "Contribute", 1)
}

func TestWaveScheduler_TriggerNeverSatisfied(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"gated"}}
	h := newHarness(t, continueEvaluator{}, pol)

	gated := newMockDetector("gated", 10, []detectoriface.TriggerCondition{{SignalKey: "never.set"}})
	require.NoError(t, h.scheduler.RegisterDetector(gated))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.Equal(t, 0, ev.WavesExecuted)
	assert.Equal(t, 0.5, ev.BotProbability)
	gated.AssertNotCalled(t, "Contribute", mock.Anything, mock.Anything)
}

func TestWaveScheduler_BypassTriggerConditions(t *testing.T) {
	pol := &policy.Policy{
		Name:                    "strict",
		FastDetectors:           []string{"gated"},
		BypassTriggerConditions: true,
	}
	h := newHarness(t, continueEvaluator{}, pol)

	gated := newMockDetector("gated", 10, []detectoriface.TriggerCondition{{SignalKey: "never.set"}})
	gated.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryFingerprint,
		ConfidenceDelta: 0.2,
		Weight:          1,
	}}, nil)
	require.NoError(t, h.scheduler.RegisterDetector(gated))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "strict")
	assert.Equal(t, 1, ev.WavesExecuted)
	gated.AssertNumberOfCalls(t, "Contribute", 1)
}

func TestWaveScheduler_EarlyExitIsTerminal(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"gate", "noise"}}
	h := newHarness(t, continueEvaluator{}, pol)

	gate := newMockDetector("gate", 5, nil)
	gate.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:  types.CategoryNetwork,
		EarlyExit: types.VerdictBlacklisted,
	}}, nil)
	noise := newMockDetector("noise", 10, nil)
	noise.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryHeaders,
		ConfidenceDelta: -0.9,
		Weight:          5,
	}}, nil)

	require.NoError(t, h.scheduler.RegisterDetector(gate))
	require.NoError(t, h.scheduler.RegisterDetector(noise))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.True(t, ev.EarlyExit)
	assert.Equal(t, types.VerdictBlacklisted, ev.EarlyExitVerdict)
	assert.Equal(t, 1.0, ev.BotProbability)
	assert.Equal(t, 1.0, ev.Confidence)
	assert.Equal(t, types.RiskVeryHigh, ev.RiskBand)
	assert.Equal(t, 1, ev.WavesExecuted)
	assert.True(t, ev.Blocked())
}

func TestWaveScheduler_EarlyExitStillEvaluatesPolicyOnce(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"gate"}}

	evaluations := 0
	eval := scriptedEvaluator{fn: func(p *policy.Policy, s policy.Snapshot) policy.Decision {
		evaluations++
		assert.Equal(t, types.VerdictWhitelisted, s.EarlyExit)
		return policy.Decision{ShouldContinue: false}
	}}
	h := newHarness(t, eval, pol)

	gate := newMockDetector("gate", 5, nil)
	gate.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:  types.CategoryNetwork,
		EarlyExit: types.VerdictWhitelisted,
	}}, nil)
	require.NoError(t, h.scheduler.RegisterDetector(gate))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.Equal(t, 1, evaluations, "early exit on wave 0 still gets one policy evaluation")
	assert.True(t, ev.EarlyExit)
	assert.False(t, ev.Blocked())
}

func TestWaveScheduler_PolicyBlockAction(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"a"}, SlowDetectors: []string{"b"}}

	eval := scriptedEvaluator{fn: func(p *policy.Policy, s policy.Snapshot) policy.Decision {
		return policy.Decision{Action: types.ActionBlock, Reason: "threshold exceeded"}
	}}
	h := newHarness(t, eval, pol)

	a := newMockDetector("a", 10, nil)
	a.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: 0.9,
		Weight:          1,
		Signals:         types.SignalMap{"go": types.BoolSignal(true)},
	}}, nil)
	b := newMockDetector("b", 10, []detectoriface.TriggerCondition{{SignalKey: "go"}})
	b.On("Contribute", mock.Anything, mock.Anything).Return(nil, nil)

	require.NoError(t, h.scheduler.RegisterDetector(a))
	require.NoError(t, h.scheduler.RegisterDetector(b))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.Equal(t, types.ActionBlock, ev.PolicyAction)
	assert.Equal(t, "threshold exceeded", ev.PolicyReason)
	assert.True(t, ev.Blocked())
}

func TestWaveScheduler_PolicyEvaluationSkippedOnWaveZero(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"a"}, SlowDetectors: []string{"b"}}

	var waves []int
	eval := scriptedEvaluator{fn: func(p *policy.Policy, s policy.Snapshot) policy.Decision {
		waves = append(waves, s.Wave)
		return policy.Decision{ShouldContinue: true}
	}}
	h := newHarness(t, eval, pol)

	a := newMockDetector("a", 10, nil)
	a.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: 0.2,
		Weight:          1,
		Signals:         types.SignalMap{"go": types.BoolSignal(true)},
	}}, nil)
	b := newMockDetector("b", 10, []detectoriface.TriggerCondition{{SignalKey: "go"}})
	b.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryNetwork,
		ConfidenceDelta: 0.2,
		Weight:          1,
	}}, nil)

	require.NoError(t, h.scheduler.RegisterDetector(a))
	require.NoError(t, h.scheduler.RegisterDetector(b))

	h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.Equal(t, []int{1}, waves, "wave 0 must not be evaluated")
}

func TestWaveScheduler_AIEscalation(t *testing.T) {
	pol := &policy.Policy{
		Name:          "default",
		FastDetectors: []string{"a"},
		AIDetectors:   []string{"ai"},
	}

	escalated := false
	eval := scriptedEvaluator{fn: func(p *policy.Policy, s policy.Snapshot) policy.Decision {
		if !s.AIRan && !escalated {
			escalated = true
			return policy.Decision{ShouldContinue: true, EscalateAI: true}
		}
		return policy.Decision{ShouldContinue: true}
	}}
	h := newHarness(t, eval, pol)

	a := newMockDetector("a", 10, nil)
	a.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: 0.2,
		Weight:          1,
		Signals:         types.SignalMap{"go": types.BoolSignal(true)},
	}}, nil)

	ai := newMockDetector("ai", 100, nil)
	ai.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryAI,
		ConfidenceDelta: 1,
		Weight:          4,
	}}, nil)

	// Second regular detector keeps the loop alive past wave 0 so the
	// evaluator gets a chance to escalate.
	b := newMockDetector("b", 10, []detectoriface.TriggerCondition{{SignalKey: "go"}})
	b.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryNetwork,
		ConfidenceDelta: 0.1,
		Weight:          1,
	}}, nil)
	pol.SlowDetectors = []string{"b"}

	require.NoError(t, h.scheduler.RegisterDetector(a))
	require.NoError(t, h.scheduler.RegisterDetector(b))
	require.NoError(t, h.scheduler.RegisterDetector(ai))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.True(t, ev.AIRan)
	assert.Contains(t, ev.ContributingDetectors, "ai")
	// AI confirmation lifts the ceiling clamp.
	assert.Greater(t, ev.BotProbability, 0.80)
	ai.AssertNumberOfCalls(t, "Contribute", 1)
}

func TestWaveScheduler_PolicySwitch(t *testing.T) {
	defaultPol := &policy.Policy{Name: "default", FastDetectors: []string{"a"}}
	strictPol := &policy.Policy{Name: "strict", FastDetectors: []string{"a", "extra"}}

	eval := scriptedEvaluator{fn: func(p *policy.Policy, s policy.Snapshot) policy.Decision {
		if p.Name == "default" {
			return policy.Decision{ShouldContinue: true, NextPolicyName: "strict"}
		}
		return policy.Decision{ShouldContinue: true}
	}}
	h := newHarness(t, eval, defaultPol)
	require.NoError(t, h.policies.Register(strictPol))

	a := newMockDetector("a", 10, nil)
	a.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: 0.2,
		Weight:          1,
		Signals:         types.SignalMap{"go": types.BoolSignal(true)},
	}}, nil)
	keepalive := newMockDetector("keepalive", 10, []detectoriface.TriggerCondition{{SignalKey: "go"}})
	keepalive.On("Contribute", mock.Anything, mock.Anything).Return(nil, nil)
	defaultPol.SlowDetectors = []string{"keepalive"}

	extra := newMockDetector("extra", 10, nil)
	extra.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryFingerprint,
		ConfidenceDelta: 0.1,
		Weight:          1,
	}}, nil)

	require.NoError(t, h.scheduler.RegisterDetector(a))
	require.NoError(t, h.scheduler.RegisterDetector(keepalive))
	require.NoError(t, h.scheduler.RegisterDetector(extra))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.Contains(t, ev.ContributingDetectors, "extra", "switched policy's allow-list takes effect")
	assert.Equal(t, "strict", ev.PolicyName)
}

func TestWaveScheduler_FailedDetectorDegradesNotAborts(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"ok", "broken"}}
	h := newHarness(t, continueEvaluator{}, pol)

	ok := newMockDetector("ok", 10, nil)
	ok.On("Contribute", mock.Anything, mock.Anything).Return([]types.Contribution{{
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: 0.2,
		Weight:          1,
	}}, nil)
	broken := newMockDetector("broken", 10, nil)
	broken.On("Contribute", mock.Anything, mock.Anything).Return(nil, errors.New("upstream down"))

	require.NoError(t, h.scheduler.RegisterDetector(ok))
	require.NoError(t, h.scheduler.RegisterDetector(broken))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.ElementsMatch(t, []string{"ok"}, ev.ContributingDetectors)
	assert.ElementsMatch(t, []string{"broken"}, ev.FailedDetectors)
}

func TestWaveScheduler_PanickingDetectorIsFailed(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"panicky"}}
	h := newHarness(t, continueEvaluator{}, pol)

	panicky := newMockDetector("panicky", 10, nil)
	panicky.On("Contribute", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("boom")
	}).Return(nil, nil)
	require.NoError(t, h.scheduler.RegisterDetector(panicky))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")
	assert.ElementsMatch(t, []string{"panicky"}, ev.FailedDetectors)
}

func TestWaveScheduler_OpenBreakerSkipsDetector(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"flaky"}}
	h := newHarness(t, continueEvaluator{}, pol)

	// Trip the breaker before the request arrives.
	for i := 0; i < 5; i++ {
		done, allowed := h.breakers.AllowRequest("flaky")
		require.True(t, allowed)
		done(false)
	}

	flaky := newMockDetector("flaky", 10, nil)
	require.NoError(t, h.scheduler.RegisterDetector(flaky))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "default")

	assert.ElementsMatch(t, []string{"flaky"}, ev.FailedDetectors)
	flaky.AssertNotCalled(t, "Contribute", mock.Anything, mock.Anything)
}

func TestWaveScheduler_UnknownPolicyRunsNothing(t *testing.T) {
	pol := &policy.Policy{Name: "default", FastDetectors: []string{"a"}}
	h := newHarness(t, continueEvaluator{}, pol)

	a := newMockDetector("a", 10, nil)
	require.NoError(t, h.scheduler.RegisterDetector(a))

	ev := h.scheduler.Detect(context.Background(), testRequest(), "missing")

	assert.Equal(t, 0, ev.WavesExecuted)
	a.AssertNotCalled(t, "Contribute", mock.Anything, mock.Anything)
}

func TestWaveScheduler_DuplicateRegistrationRejected(t *testing.T) {
	pol := &policy.Policy{Name: "default"}
	h := newHarness(t, continueEvaluator{}, pol)

	a := newMockDetector("a", 10, nil)
	require.NoError(t, h.scheduler.RegisterDetector(a))
	assert.Error(t, h.scheduler.RegisterDetector(a))
}
