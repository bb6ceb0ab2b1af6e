package useragent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avct/uasurfer"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/detectoriface"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

const DetectorName = "user_agent"

// Signal keys produced by this detector.
const (
	SignalAnalyzed  = "ua.analyzed"
	SignalEmpty     = "ua.empty"
	SignalClaimsBot = "ua.claims_bot"
	SignalBotName   = "ua.bot_name"
	SignalBrowser   = "ua.browser"
	SignalDevice    = "ua.device"
)

type Config struct {
	Weight  float64       `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Detector classifies the user-agent string: empty or tool-like agents shift
// probability up, coherent browser agents shift it slightly down, and
// self-declared crawlers emit a claim signal for the network tier to verify.
type Detector struct {
	logger *logrus.Logger
	cfg    Config
}

func New(logger *logrus.Logger, settings map[string]interface{}) (*Detector, error) {
	cfg := Config{Weight: 1.0, Timeout: 10 * time.Millisecond}
	if settings != nil {
		if err := mapstructure.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode user_agent settings: %w", err)
		}
	}
	return &Detector{logger: logger, cfg: cfg}, nil
}

func (d *Detector) Name() string                                       { return DetectorName }
func (d *Detector) Priority() int                                      { return 10 }
func (d *Detector) IsEnabled() bool                                    { return true }
func (d *Detector) IsOptional() bool                                   { return false }
func (d *Detector) ExecutionTimeout() time.Duration                    { return d.cfg.Timeout }
func (d *Detector) TriggerConditions() []detectoriface.TriggerCondition { return nil }

func (d *Detector) Contribute(ctx context.Context, state *types.DetectionState) ([]types.Contribution, error) {
	raw := state.Request.UserAgent

	signals := types.SignalMap{
		SignalAnalyzed: types.BoolSignal(true),
	}

	if strings.TrimSpace(raw) == "" {
		signals[SignalEmpty] = types.BoolSignal(true)
		return []types.Contribution{{
			Category:        types.CategoryUserAgent,
			ConfidenceDelta: 0.45,
			Weight:          d.cfg.Weight,
			Reason:          "empty user-agent",
			Signals:         signals,
		}}, nil
	}

	lower := strings.ToLower(raw)
	parsed := uasurfer.Parse(raw)

	signals[SignalBrowser] = types.StringSignal(parsed.Browser.Name.String())
	signals[SignalDevice] = types.StringSignal(parsed.DeviceType.String())

	if name, ok := matchCrawler(lower); ok {
		signals[SignalClaimsBot] = types.BoolSignal(true)
		signals[SignalBotName] = types.StringSignal(name)
		return []types.Contribution{{
			Category:        types.CategoryUserAgent,
			ConfidenceDelta: 0.30,
			Weight:          d.cfg.Weight,
			Reason:          fmt.Sprintf("user-agent claims to be %s, pending origin verification", name),
			BotType:         "crawler",
			BotName:         name,
			Signals:         signals,
		}}, nil
	}

	if kw, ok := matchTool(lower); ok {
		signals[SignalClaimsBot] = types.BoolSignal(true)
		return []types.Contribution{{
			Category:        types.CategoryUserAgent,
			ConfidenceDelta: 0.60,
			Weight:          d.cfg.Weight,
			Reason:          fmt.Sprintf("automation tool user-agent (%s)", kw),
			BotType:         "tool",
			Signals:         signals,
		}}, nil
	}

	if parsed.Browser.Name == uasurfer.BrowserUnknown {
		return []types.Contribution{{
			Category:        types.CategoryUserAgent,
			ConfidenceDelta: 0.20,
			Weight:          d.cfg.Weight,
			Reason:          "unrecognized user-agent",
			Signals:         signals,
		}}, nil
	}

	// A parseable browser agent is weak evidence of a human; header and
	// network tiers confirm or contradict.
	return []types.Contribution{{
		Category:        types.CategoryUserAgent,
		ConfidenceDelta: -0.15,
		Weight:          d.cfg.Weight,
		Reason:          fmt.Sprintf("coherent %s browser agent", parsed.Browser.Name.String()),
		Signals:         signals,
	}}, nil
}
