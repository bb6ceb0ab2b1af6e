package detection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/detection/breaker"
	"github.com/scottgal/stylobot-sub006/pkg/detection/policy"
	"github.com/scottgal/stylobot-sub006/pkg/detectoriface"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// Scheduler runs the per-request wave loop: pick eligible detectors, execute
// them under the pipeline deadline, fold contributions into the ledger and
// consult the policy evaluator between waves.
type Scheduler interface {
	Detect(ctx context.Context, req *types.RequestContext, policyName string) types.AggregatedEvidence
}

// WaveObserver receives lifecycle callbacks for metrics. All methods may be
// called concurrently.
type WaveObserver interface {
	DetectorFinished(name string, elapsed time.Duration, err error)
	WaveExecuted(wave, detectors int)
	RequestFinished(ev *types.AggregatedEvidence)
}

type WaveScheduler struct {
	mu        sync.RWMutex
	detectors map[string]detectoriface.Detector

	cfg        *config.DetectionConfig
	breakers   *breaker.Registry
	policies   *policy.Registry
	evaluator  policy.Evaluator
	aggregator *Aggregator
	logger     *logrus.Logger
	observer   WaveObserver
}

func NewScheduler(
	cfg *config.DetectionConfig,
	breakers *breaker.Registry,
	policies *policy.Registry,
	evaluator policy.Evaluator,
	logger *logrus.Logger,
) *WaveScheduler {
	return &WaveScheduler{
		detectors:  make(map[string]detectoriface.Detector),
		cfg:        cfg,
		breakers:   breakers,
		policies:   policies,
		evaluator:  evaluator,
		aggregator: NewAggregator(cfg),
		logger:     logger,
	}
}

// SetObserver installs the metrics hook. Must be called before serving.
func (s *WaveScheduler) SetObserver(o WaveObserver) {
	s.observer = o
}

// RegisterDetector adds a detector under its own name. Registration after
// serving has started is not supported.
func (s *WaveScheduler) RegisterDetector(d detectoriface.Detector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := d.Name()
	if name == "" {
		return fmt.Errorf("detector has empty name")
	}
	if _, exists := s.detectors[name]; exists {
		return fmt.Errorf("detector %s already registered", name)
	}
	s.detectors[name] = d
	return nil
}

func (s *WaveScheduler) detector(name string) (detectoriface.Detector, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.detectors[name]
	return d, ok
}

// Detect runs the bounded wave loop for one request and returns the final
// verdict. The pipeline deadline is a soft timeout: when it elapses the loop
// stops and whatever evidence exists is aggregated, never an error.
func (s *WaveScheduler) Detect(ctx context.Context, req *types.RequestContext, policyName string) types.AggregatedEvidence {
	started := time.Now()

	pol, ok := s.policies.Get(policyName)
	if !ok {
		s.logger.WithField("policy", policyName).Error("unknown detection policy, no detectors will run")
		pol = &policy.Policy{Name: policyName}
	}
	activePolicy := pol

	timeout := s.cfg.PipelineTimeout
	if activePolicy.PipelineTimeout > 0 {
		timeout = activePolicy.PipelineTimeout
	}
	deadline := started.Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	state := types.AcquireState(req)
	defer state.Release()

	ledger := NewLedger(req.TraceID)

	var (
		waves        int
		policyAction types.PolicyAction
		actionPolicy string
		policyReason string
	)

	for wave := 0; wave < s.cfg.MaxWaves; wave++ {
		if ctx.Err() != nil {
			// Soft pipeline timeout: use what we have.
			break
		}

		ready := s.eligibleDetectors(activePolicy, state)
		if len(ready) == 0 {
			break
		}

		// Mark before execution so a detector cannot retrigger itself from
		// signals it produces this wave.
		for _, d := range ready {
			state.MarkRan(d.Name())
		}

		s.executeWave(ctx, wave, ready, state, ledger, deadline)
		waves++

		earlyExit := ledger.EarlyExit() != types.VerdictNone

		// Wave 0 lets first-wave detectors contribute before any threshold
		// check fires, unless an early-exit verdict already landed: that
		// still gets one policy evaluation so a transition can fire on the
		// same wave.
		if wave == 0 && !earlyExit {
			continue
		}

		decision := s.evaluator.Evaluate(activePolicy, policy.Snapshot{
			Wave:               wave,
			Probability:        ledger.Probability(),
			Confidence:         ledger.Confidence(),
			EarlyExit:          ledger.EarlyExit(),
			AIRan:              state.AIRan(),
			CompletedDetectors: len(state.CompletedDetectors()),
			FailedDetectors:    len(state.FailedDetectors()),
		})

		if decision.Action != types.ActionNone {
			policyAction = decision.Action
			actionPolicy = decision.ActionPolicyName
			if actionPolicy == "" {
				actionPolicy = activePolicy.Name
			}
			policyReason = decision.Reason
			break
		}

		if decision.EscalateAI && !state.AIRan() {
			s.runAITier(ctx, wave, activePolicy, state, ledger, deadline)
		}

		if decision.NextPolicyName != "" && decision.NextPolicyName != activePolicy.Name {
			next, found := s.policies.Get(decision.NextPolicyName)
			if found {
				s.logger.WithFields(logrus.Fields{
					"trace_id": req.TraceID,
					"from":     activePolicy.Name,
					"to":       next.Name,
				}).Debug("detection policy switch")
				activePolicy = next
			} else {
				s.logger.WithField("policy", decision.NextPolicyName).Warn("policy switch target not registered")
			}
		}

		if earlyExit || !decision.ShouldContinue {
			break
		}
	}

	ev := s.aggregator.Aggregate(ledger, state, started)
	ev.WavesExecuted = waves
	ev.PolicyName = activePolicy.Name
	ev.PolicyAction = policyAction
	if actionPolicy != "" {
		ev.PolicyName = actionPolicy
	}
	ev.PolicyReason = policyReason

	if s.observer != nil {
		s.observer.RequestFinished(&ev)
	}
	return ev
}

// eligibleDetectors returns the allow-listed detectors that have not run yet,
// whose trigger conditions hold (unless bypassed) and whose circuit breaker
// admits them, ordered by static priority.
func (s *WaveScheduler) eligibleDetectors(pol *policy.Policy, state *types.DetectionState) []detectoriface.Detector {
	allowed := pol.AllowedDetectors()

	var ready []detectoriface.Detector
	for name := range allowed {
		d, ok := s.detector(name)
		if !ok || !d.IsEnabled() || state.HasRan(name) {
			continue
		}
		if !pol.BypassTriggerConditions && !triggersSatisfied(d, state) {
			continue
		}
		ready = append(ready, d)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority() != ready[j].Priority() {
			return ready[i].Priority() < ready[j].Priority()
		}
		return ready[i].Name() < ready[j].Name()
	})
	return ready
}

func triggersSatisfied(d detectoriface.Detector, state *types.DetectionState) bool {
	for _, cond := range d.TriggerConditions() {
		if !cond.Satisfied(state) {
			return false
		}
	}
	return true
}

// executeWave runs one batch of detectors, parallel when enabled and the
// wave has more than one member. The join barrier is the errgroup Wait: the
// next wave never starts while this one has stragglers inside their own
// per-call timeout.
func (s *WaveScheduler) executeWave(
	ctx context.Context,
	wave int,
	detectors []detectoriface.Detector,
	state *types.DetectionState,
	ledger *Ledger,
	deadline time.Time,
) {
	if s.observer != nil {
		s.observer.WaveExecuted(wave, len(detectors))
	}

	if s.cfg.DisableParallel || len(detectors) == 1 {
		for _, d := range detectors {
			s.runDetector(ctx, d, state, ledger, deadline)
		}
		return
	}

	limit := s.cfg.GlobalConcurrency
	if waveLimit, ok := s.cfg.WaveConcurrency[wave]; ok && waveLimit > 0 && waveLimit < limit {
		limit = waveLimit
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, d := range detectors {
		d := d
		g.Go(func() error {
			s.runDetector(gctx, d, state, ledger, deadline)
			return nil
		})
	}
	// Detector failures are folded into the failed-set, never propagated.
	_ = g.Wait()
}

// runDetector executes one detector behind its circuit breaker with its own
// timeout, the shorter of the declared timeout and the remaining pipeline
// budget.
func (s *WaveScheduler) runDetector(
	ctx context.Context,
	d detectoriface.Detector,
	state *types.DetectionState,
	ledger *Ledger,
	deadline time.Time,
) {
	name := d.Name()

	done, allowed := s.breakers.AllowRequest(name)
	if !allowed {
		state.MarkFailed(name)
		s.logger.WithField("detector", name).Debug("detector skipped, circuit open")
		return
	}

	budget := time.Until(deadline)
	if declared := d.ExecutionTimeout(); declared > 0 && declared < budget {
		budget = declared
	}
	if budget <= 0 {
		done(false)
		state.MarkFailed(name)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	started := time.Now()
	contributions, err := s.contribute(dctx, d, state)
	elapsed := time.Since(started)

	if s.observer != nil {
		s.observer.DetectorFinished(name, elapsed, err)
	}

	if err != nil {
		done(false)
		state.MarkFailed(name)
		if d.IsOptional() {
			s.logger.WithError(err).WithField("detector", name).Debug("optional detector failed")
		} else {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"detector": name,
				"elapsed":  elapsed.String(),
			}).Error("required detector failed")
		}
		return
	}

	done(true)
	state.MarkCompleted(name)

	for _, c := range contributions {
		c.DetectorName = name
		c.Elapsed = elapsed
		c.Priority = d.Priority()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		if len(c.Signals) > 0 {
			state.MergeSignals(c.Signals)
		}
		ledger.Submit(c)
	}
}

// contribute isolates detector panics: a panicking detector is a failed
// detector, not a crashed request.
func (s *WaveScheduler) contribute(
	ctx context.Context,
	d detectoriface.Detector,
	state *types.DetectionState,
) (contributions []types.Contribution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector %s panicked: %v", d.Name(), r)
		}
	}()
	return d.Contribute(ctx, state)
}

// runAITier executes the escalation sub-wave of AI detectors immediately and
// lifts the probability clamp when at least one of them completes.
func (s *WaveScheduler) runAITier(
	ctx context.Context,
	wave int,
	pol *policy.Policy,
	state *types.DetectionState,
	ledger *Ledger,
	deadline time.Time,
) {
	var tier []detectoriface.Detector
	for _, name := range pol.AIDetectors {
		d, ok := s.detector(name)
		if !ok || !d.IsEnabled() || state.HasRan(name) {
			continue
		}
		tier = append(tier, d)
	}
	if len(tier) == 0 {
		return
	}

	for _, d := range tier {
		state.MarkRan(d.Name())
	}
	before := len(state.CompletedDetectors())
	s.executeWave(ctx, wave, tier, state, ledger, deadline)
	if len(state.CompletedDetectors()) > before {
		state.MarkAIRan()
	}
}
