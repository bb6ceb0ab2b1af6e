package middleware

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/common"
	"github.com/scottgal/stylobot-sub006/pkg/detection"
	"github.com/scottgal/stylobot-sub006/pkg/infra/events"
	"github.com/scottgal/stylobot-sub006/pkg/infra/prometheus"
	"github.com/scottgal/stylobot-sub006/pkg/signature"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// GeoResolver supplies network-origin facts for an IP. Implementations sit
// outside the engine (MaxMind, an internal service); nil means no geo tier.
type GeoResolver interface {
	Resolve(ip string) *types.GeoContext
}

type detectionMiddleware struct {
	logger      *logrus.Logger
	scheduler   detection.Scheduler
	coordinator *signature.Coordinator
	store       *signature.Store
	sampler     *detection.Sampler
	publisher   events.Publisher
	geo         GeoResolver

	policyName string
	enforce    bool
}

func NewDetectionMiddleware(
	logger *logrus.Logger,
	scheduler detection.Scheduler,
	coordinator *signature.Coordinator,
	store *signature.Store,
	sampler *detection.Sampler,
	publisher events.Publisher,
	geo GeoResolver,
	policyName string,
	enforce bool,
) Middleware {
	if policyName == "" {
		policyName = common.DefaultPolicyName
	}
	return &detectionMiddleware{
		logger:      logger,
		scheduler:   scheduler,
		coordinator: coordinator,
		store:       store,
		sampler:     sampler,
		publisher:   publisher,
		geo:         geo,
		policyName:  policyName,
		enforce:     enforce,
	}
}

func (m *detectionMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		traceID := uuid.New().String()
		c.Locals(common.TraceIdKey, traceID)

		req := m.buildRequest(c, traceID)
		sig := signature.New(req.IP, req.UserAgent)
		c.Locals(common.SignatureIdContextKey, sig.ID())

		// Fast path: an exact signature match with a recent verdict skips
		// the detector waves entirely.
		if record, match, ok := m.store.Lookup(sig); ok {
			prometheus.FastPathMatches.WithLabelValues(string(match.MatchType)).Inc()
			if match.MatchType == signature.MatchExact {
				ev := record.Verdict
				ev.TraceID = traceID
				m.finish(c, sig, req, &ev, false)
				return m.respond(c, &ev)
			}
		}

		knownSignature := m.coordinator.KnownSignature(sig.ID())
		ev := m.scheduler.Detect(req.Context, req, m.policyName)
		m.finish(c, sig, req, &ev, !knownSignature)
		return m.respond(c, &ev)
	}
}

func (m *detectionMiddleware) buildRequest(c *fiber.Ctx, traceID string) *types.RequestContext {
	query := make(url.Values)
	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		query.Add(string(key), string(value))
	})

	req := &types.RequestContext{
		Context:    c.UserContext(),
		TraceID:    traceID,
		Method:     c.Method(),
		Path:       c.Path(),
		Query:      query,
		Headers:    c.GetReqHeaders(),
		IP:         c.IP(),
		UserAgent:  c.Get(fiber.HeaderUserAgent),
		ReceivedAt: time.Now(),
	}
	if req.Context == nil {
		req.Context = context.Background()
	}
	if m.geo != nil {
		req.Geo = m.geo.Resolve(req.IP)
	}
	return req
}

// finish runs the out-of-band tail: record the request on the signature
// window, persist the verdict for the fast path, publish the learning event
// and maybe queue an AI sample. None of it blocks the response.
func (m *detectionMiddleware) finish(
	c *fiber.Ctx,
	sig signature.Signature,
	req *types.RequestContext,
	ev *types.AggregatedEvidence,
	newSignature bool,
) {
	country := ""
	if req.Geo != nil {
		country = req.Geo.CountryCode
	}
	m.coordinator.RecordRequest(
		sig,
		ev.TraceID,
		req.Path,
		ev.BotProbability,
		ev.Signals,
		ev.ContributingDetectors,
		sig.IPHash,
		country,
	)
	m.store.Save(sig, *ev)

	verdict := events.VerdictEvent{
		TraceID:        ev.TraceID,
		SignatureID:    sig.ID(),
		BotProbability: ev.BotProbability,
		Confidence:     ev.Confidence,
		RiskBand:       ev.RiskBand,
		ThreatBand:     ev.ThreatBand,
		EarlyExit:      ev.EarlyExit,
		AIRan:          ev.AIRan,
		PolicyAction:   string(ev.PolicyAction),
		Detectors:      ev.ContributingDetectors,
		ProcessedAt:    time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.publisher.Publish(ctx, verdict); err != nil {
			m.logger.WithError(err).Debug("failed to publish verdict event")
		}
	}()

	if m.sampler != nil {
		if reason, ok := m.sampler.ShouldSample(ev, newSignature); ok {
			prometheus.AISamplesQueued.WithLabelValues(reason).Inc()
			sample := detection.QueuedSample{
				TraceID:        ev.TraceID,
				SignatureID:    sig.ID(),
				Path:           req.Path,
				UserAgent:      req.UserAgent,
				BotProbability: ev.BotProbability,
				Confidence:     ev.Confidence,
				RiskBand:       ev.RiskBand,
				Signals:        ev.Signals,
				Reason:         reason,
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				m.sampler.Enqueue(ctx, sample)
			}()
		}
	}
}

func (m *detectionMiddleware) respond(c *fiber.Ctx, ev *types.AggregatedEvidence) error {
	c.Locals(common.EvidenceContextKey, ev)
	c.Set(common.TraceIdHeader, ev.TraceID)
	c.Set(common.RiskBandHeader, string(ev.RiskBand))
	c.Set(common.ProbabilityHeader, formatProbability(ev.BotProbability))

	if m.enforce && ev.Blocked() {
		m.logger.WithFields(logrus.Fields{
			"trace_id":  ev.TraceID,
			"risk_band": ev.RiskBand,
			"reason":    ev.PolicyReason,
		}).Info("request blocked")
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":    "forbidden",
			"trace_id": ev.TraceID,
		})
	}
	return c.Next()
}

func formatProbability(p float64) string {
	return strconv.FormatFloat(p, 'f', 3, 64)
}
