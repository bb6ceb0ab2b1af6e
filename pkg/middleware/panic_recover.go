package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/common"
)

type panicRecoverMiddleware struct {
	logger *logrus.Logger
}

// NewPanicRecoverMiddleware converts handler panics into a plain 500 so one
// bad request never takes the engine down. The trace id assigned by the
// detection middleware is carried into the log entry and the error body so
// the failing request can be found in the verdict stream.
func NewPanicRecoverMiddleware(logger *logrus.Logger) Middleware {
	return &panicRecoverMiddleware{logger: logger}
}

func (m *panicRecoverMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				traceID, _ := c.Locals(common.TraceIdKey).(string)

				m.logger.WithFields(logrus.Fields{
					"error":    r,
					"trace_id": traceID,
					"path":     c.Path(),
					"method":   c.Method(),
				}).Error("detection pipeline panic recovered")

				if traceID != "" {
					c.Set(common.TraceIdHeader, traceID)
				}
				_ = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error":    "internal server error",
					"trace_id": traceID,
				})
			}
		}()

		return c.Next()
	}
}
