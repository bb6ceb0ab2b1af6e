package ipreputation

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/detectoriface"
	"github.com/scottgal/stylobot-sub006/pkg/detectors/useragent"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

const DetectorName = "ip_reputation"

const (
	SignalDatacenter = "net.datacenter"
	SignalCountry    = "net.country"
	SignalASN        = "net.asn"
)

type Config struct {
	Weight  float64       `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Detector judges the network origin resolved upstream: datacenter traffic
// leans bot, and a crawler claim from the user-agent tier is verified or
// contradicted against the origin ASN. A verified claim is terminal.
type Detector struct {
	logger *logrus.Logger
	cfg    Config
}

func New(logger *logrus.Logger, settings map[string]interface{}) (*Detector, error) {
	cfg := Config{Weight: 1.5, Timeout: 15 * time.Millisecond}
	if settings != nil {
		if err := mapstructure.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode ip_reputation settings: %w", err)
		}
	}
	return &Detector{logger: logger, cfg: cfg}, nil
}

func (d *Detector) Name() string                    { return DetectorName }
func (d *Detector) Priority() int                   { return 30 }
func (d *Detector) IsEnabled() bool                 { return true }
func (d *Detector) IsOptional() bool                { return true }
func (d *Detector) ExecutionTimeout() time.Duration { return d.cfg.Timeout }

// Runs only after the user-agent tier has analyzed the request.
func (d *Detector) TriggerConditions() []detectoriface.TriggerCondition {
	return []detectoriface.TriggerCondition{
		{SignalKey: useragent.SignalAnalyzed},
	}
}

func (d *Detector) Contribute(ctx context.Context, state *types.DetectionState) ([]types.Contribution, error) {
	geo := state.Request.Geo
	if geo == nil {
		return nil, nil
	}

	signals := types.SignalMap{
		SignalDatacenter: types.BoolSignal(geo.IsDatacenter),
		SignalCountry:    types.StringSignal(geo.CountryCode),
		SignalASN:        types.NumberSignal(float64(geo.ASN)),
	}

	var (
		claimsBot bool
		botName   string
	)
	if sig, ok := state.Signal(useragent.SignalClaimsBot); ok {
		claimsBot = sig.Bool
	}
	if sig, ok := state.Signal(useragent.SignalBotName); ok {
		botName = sig.Str
	}

	if claimsBot && botName != "" {
		if asnMatchesCrawler(botName, geo.ASN) {
			return []types.Contribution{{
				Category:        types.CategoryNetwork,
				ConfidenceDelta: 1.0,
				Weight:          d.cfg.Weight,
				Reason:          fmt.Sprintf("%s claim verified against origin ASN %d", botName, geo.ASN),
				EarlyExit:       types.VerdictVerifiedGoodBot,
				BotType:         "crawler",
				BotName:         botName,
				Signals:         signals,
			}}, nil
		}
		// Impersonating a well-known crawler from the wrong network.
		return []types.Contribution{{
			Category:        types.CategoryNetwork,
			ConfidenceDelta: 0.9,
			Weight:          d.cfg.Weight,
			Reason:          fmt.Sprintf("%s claim from unverified ASN %d", botName, geo.ASN),
			BotType:         "impersonator",
			BotName:         botName,
			Signals:         signals,
		}}, nil
	}

	if geo.IsDatacenter {
		return []types.Contribution{{
			Category:        types.CategoryNetwork,
			ConfidenceDelta: 0.35,
			Weight:          d.cfg.Weight,
			Reason:          fmt.Sprintf("datacenter origin (ASN %d)", geo.ASN),
			Signals:         signals,
		}}, nil
	}

	return []types.Contribution{{
		Category:        types.CategoryNetwork,
		ConfidenceDelta: -0.10,
		Weight:          d.cfg.Weight,
		Reason:          "residential network origin",
		Signals:         signals,
	}}, nil
}
