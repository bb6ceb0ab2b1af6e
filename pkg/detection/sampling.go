package detection

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// Sampler decides which finished verdicts are worth queueing for offline AI
// classification, then pushes them onto a capped Redis list. Ambiguous and
// never-seen traffic is always sampled; confidently classified traffic is
// sampled at a reduced rate so the queue stays dominated by informative
// examples.
type Sampler struct {
	cfg    config.SamplingConfig
	events config.EventsConfig
	client *redis.Client
	logger *logrus.Logger

	mu  sync.Mutex
	rnd *rand.Rand

	// Drift tracking for the low-risk tier: a fast and a slow EWMA over the
	// observed bot probabilities diverge when the traffic mix shifts.
	driftInit bool
	fastMean  float64
	slowMean  float64
}

const (
	driftFastAlpha  = 0.2
	driftSlowAlpha  = 0.02
	driftBoostScale = 20.0
	driftBoostMax   = 10.0
)

// QueuedSample is the wire shape pushed onto the AI classification queue.
type QueuedSample struct {
	TraceID        string          `json:"trace_id"`
	SignatureID    string          `json:"signature_id"`
	Path           string          `json:"path"`
	UserAgent      string          `json:"user_agent"`
	BotProbability float64         `json:"bot_probability"`
	Confidence     float64         `json:"confidence"`
	RiskBand       types.RiskBand  `json:"risk_band"`
	Signals        types.SignalMap `json:"signals"`
	Reason         string          `json:"reason"`
	QueuedAt       time.Time       `json:"queued_at"`
}

func NewSampler(
	cfg config.SamplingConfig,
	events config.EventsConfig,
	client *redis.Client,
	logger *logrus.Logger,
) *Sampler {
	return &Sampler{
		cfg:    cfg,
		events: events,
		client: client,
		logger: logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ShouldSample reports whether this verdict belongs on the AI queue and why.
// newSignature is true when the signature coordinator has never seen the
// request's signature before.
func (s *Sampler) ShouldSample(ev *types.AggregatedEvidence, newSignature bool) (string, bool) {
	if newSignature {
		return "new signature", true
	}
	if ev.Confidence < s.cfg.LowConfidenceCutoff {
		return "low confidence", true
	}
	if ev.BotProbability >= s.cfg.AmbiguousLow && ev.BotProbability <= s.cfg.AmbiguousHigh {
		return "ambiguous probability", true
	}
	if ev.BotProbability > s.cfg.AmbiguousHigh {
		if s.roll() < s.cfg.HighConfidenceBadRate {
			return "high confidence bot spot-check", true
		}
		return "", false
	}
	if s.roll() < s.lowRiskRate(ev.BotProbability) {
		return "low risk baseline", true
	}
	return "", false
}

// lowRiskRate adapts the baseline sampling rate to distribution drift. While
// the traffic mix is stable the two means agree and the rate stays at the
// configured baseline; when low-risk probabilities start moving, the gap
// between the fast and the slow mean scales the rate up, capped at
// driftBoostMax times the baseline.
func (s *Sampler) lowRiskRate(probability float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.driftInit {
		s.fastMean = probability
		s.slowMean = probability
		s.driftInit = true
	} else {
		s.fastMean += driftFastAlpha * (probability - s.fastMean)
		s.slowMean += driftSlowAlpha * (probability - s.slowMean)
	}

	boost := 1 + math.Abs(s.fastMean-s.slowMean)*driftBoostScale
	if boost > driftBoostMax {
		boost = driftBoostMax
	}
	return s.cfg.LowRiskBaseRate * boost
}

// Enqueue pushes the sample and trims the queue to its cap. Fire-and-forget
// from the request's perspective: failures are logged, never surfaced.
func (s *Sampler) Enqueue(ctx context.Context, sample QueuedSample) {
	if s.client == nil {
		return
	}
	sample.QueuedAt = time.Now()
	payload, err := json.Marshal(sample)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal AI queue sample")
		return
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.events.QueueKey, payload)
	pipe.LTrim(ctx, s.events.QueueKey, -s.events.QueueCap, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("queue", s.events.QueueKey).Warn("failed to enqueue AI sample")
	}
}

func (s *Sampler) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}
