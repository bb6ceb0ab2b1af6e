package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/cache"
	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/detection"
	"github.com/scottgal/stylobot-sub006/pkg/detection/breaker"
	"github.com/scottgal/stylobot-sub006/pkg/detection/policy"
	"github.com/scottgal/stylobot-sub006/pkg/detectoriface"
	"github.com/scottgal/stylobot-sub006/pkg/detectors/aiscorer"
	"github.com/scottgal/stylobot-sub006/pkg/detectors/headers"
	"github.com/scottgal/stylobot-sub006/pkg/detectors/ipreputation"
	"github.com/scottgal/stylobot-sub006/pkg/detectors/useragent"
	"github.com/scottgal/stylobot-sub006/pkg/infra/events"
	infraLogger "github.com/scottgal/stylobot-sub006/pkg/infra/logger"
	"github.com/scottgal/stylobot-sub006/pkg/infra/prometheus"
	"github.com/scottgal/stylobot-sub006/pkg/middleware"
	"github.com/scottgal/stylobot-sub006/pkg/server"
	"github.com/scottgal/stylobot-sub006/pkg/signature"
)

func main() {
	ctx := context.Background()

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	logger := infraLogger.NewLogger("engine")

	if err := config.Load("config"); err != nil {
		logger.WithError(err).Warn("config file not loaded, using defaults and environment")
	}
	cfg := config.GetConfig()

	prometheus.Initialize()

	// Redis powers the learning channel and the AI sample queue; the engine
	// runs degraded without it.
	var redisClient *redis.Client
	publisher := events.NewNoopPublisher()
	if cacheInstance, err := cache.NewCache(cfg.Redis, false); err != nil {
		logger.WithError(err).Warn("redis unavailable, learning events disabled")
	} else {
		defer cacheInstance.Close()
		redisClient = cacheInstance.Client()
		publisher = events.NewRedisPublisher(redisClient, cfg.Events.Channel)
	}

	breakers := breaker.NewRegistry(cfg.Breaker, logger)
	breakers.OnStateChange(prometheus.BreakerHook)

	policies := policy.NewRegistry()
	for _, pc := range cfg.Policies {
		p := &policy.Policy{
			Name:                    pc.Name,
			FastDetectors:           pc.FastDetectors,
			SlowDetectors:           pc.SlowDetectors,
			AIDetectors:             pc.AIDetectors,
			BypassTriggerConditions: pc.BypassTriggerConditions,
			PipelineTimeout:         pc.PipelineTimeout,
		}
		if err := policies.Register(p); err != nil {
			logger.WithError(err).Fatal("failed to register policy")
		}
	}

	scheduler := detection.NewScheduler(&cfg.Detection, breakers, policies, policy.NewThresholdEvaluator(), logger)
	scheduler.SetObserver(prometheus.NewObserver())
	registerDetectors(scheduler, cfg, logger)

	coordinator := signature.NewCoordinator(&cfg.Signature, logger)
	coordinator.Start(ctx)
	defer coordinator.Stop()
	go monitorCoordinator(ctx, coordinator, publisher, logger)

	store := signature.NewStore(cfg.Matcher)
	sampler := detection.NewSampler(cfg.Sampling, cfg.Events, redisClient, logger)

	detectionMw := middleware.NewDetectionMiddleware(
		logger,
		scheduler,
		coordinator,
		store,
		sampler,
		publisher,
		nil,
		cfg.Server.Policy,
		cfg.Server.Enforce,
	)

	srv := server.NewEngineServer(server.EngineServerDI{
		Config:              cfg,
		Logger:              logger,
		PanicMiddleware:     middleware.NewPanicRecoverMiddleware(logger),
		DetectionMiddleware: detectionMw,
	})

	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	fmt.Println("shutting down server...")
	if err := srv.Shutdown(); err != nil {
		fmt.Println("error shutting down server:", err)
		os.Exit(1)
	}
	fmt.Println("server gracefully stopped")
}

func registerDetectors(scheduler *detection.WaveScheduler, cfg *config.Config, logger *logrus.Logger) {
	uaDetector, err := useragent.New(logger, cfg.Detectors["user_agent"])
	if err != nil {
		logger.WithError(err).Fatal("failed to build user_agent detector")
	}
	headerDetector, err := headers.New(logger, cfg.Detectors["headers"])
	if err != nil {
		logger.WithError(err).Fatal("failed to build headers detector")
	}
	ipDetector, err := ipreputation.New(logger, cfg.Detectors["ip_reputation"])
	if err != nil {
		logger.WithError(err).Fatal("failed to build ip_reputation detector")
	}
	aiDetector, err := aiscorer.New(logger, nil, cfg.Detectors["ai_scorer"])
	if err != nil {
		logger.WithError(err).Fatal("failed to build ai_scorer detector")
	}

	for _, d := range []detectoriface.Detector{uaDetector, headerDetector, ipDetector, aiDetector} {
		if err := scheduler.RegisterDetector(d); err != nil {
			logger.WithError(err).WithField("detector", d.Name()).Fatal("failed to register detector")
		}
	}
}

// monitorCoordinator forwards aberration notifications to the learning
// channel and keeps the signature gauges current.
func monitorCoordinator(
	ctx context.Context,
	coordinator *signature.Coordinator,
	publisher events.Publisher,
	logger *logrus.Logger,
) {
	gauges := time.NewTicker(30 * time.Second)
	defer gauges.Stop()

	for {
		select {
		case <-gauges.C:
			tracked, aberrant, families := coordinator.Stats()
			prometheus.TrackedSignatures.Set(float64(tracked))
			prometheus.AberrantSignatures.Set(float64(aberrant))
			prometheus.SignatureFamilies.Set(float64(families))

		case behavior, ok := <-coordinator.Aberrations():
			if !ok {
				return
			}
			logger.WithFields(logrus.Fields{
				"signature":   behavior.SignatureID,
				"score":       behavior.AberrationScore,
				"entropy":     behavior.PathEntropy,
				"interval_cv": behavior.IntervalCV,
			}).Warn("aberrant signature detected")

			ev := events.AberrationEvent{
				SignatureID:     behavior.SignatureID,
				FamilyID:        behavior.FamilyID,
				AberrationScore: behavior.AberrationScore,
				PathEntropy:     behavior.PathEntropy,
				IntervalCV:      behavior.IntervalCV,
				AvgProbability:  behavior.AvgProbability,
				RequestCount:    behavior.RequestCount,
				DetectedAt:      behavior.ComputedAt,
			}
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := publisher.Publish(pubCtx, ev); err != nil {
				logger.WithError(err).Debug("failed to publish aberration event")
			}
			cancel()

		case err, ok := <-coordinator.Errors():
			if !ok {
				return
			}
			logger.WithError(err).Error("signature coordinator background failure")

		case <-ctx.Done():
			return
		}
	}
}
