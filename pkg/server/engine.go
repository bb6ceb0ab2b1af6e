package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/common"
	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/middleware"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

type (
	EngineServerDI struct {
		Config              *config.Config
		Logger              *logrus.Logger
		PanicMiddleware     middleware.Middleware
		DetectionMiddleware middleware.Middleware
	}
	EngineServer struct {
		*BaseServer
	}
)

// NewEngineServer assembles the classification surface: every request runs
// the detection middleware; /v1/check returns the full verdict as JSON.
func NewEngineServer(di EngineServerDI) *EngineServer {
	s := &EngineServer{
		BaseServer: NewBaseServer(di.Config, di.Logger),
	}

	s.setupHealthCheck()

	s.Router.Use(di.PanicMiddleware.Middleware())

	checked := s.Router.Group("/v1", di.DetectionMiddleware.Middleware())
	checked.All("/check", handleCheck)

	s.setupMetricsEndpoint()
	return s
}

func handleCheck(c *fiber.Ctx) error {
	ev, ok := c.Locals(common.EvidenceContextKey).(*types.AggregatedEvidence)
	if !ok {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "no verdict available",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"trace_id":        ev.TraceID,
		"bot_probability": ev.BotProbability,
		"confidence":      ev.Confidence,
		"risk_band":       ev.RiskBand,
		"threat_band":     ev.ThreatBand,
		"early_exit":      ev.EarlyExit,
		"bot_type":        ev.BotType,
		"bot_name":        ev.BotName,
		"policy_action":   ev.PolicyAction,
		"waves_executed":  ev.WavesExecuted,
		"processing_ms":   ev.ProcessingTime.Milliseconds(),
	})
}

func (s *EngineServer) Run() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)
	s.Logger.WithField("addr", addr).Info("Starting detection engine server")
	return s.Router.Listen(addr)
}

func (s *EngineServer) Shutdown() error {
	return s.Router.Shutdown()
}
