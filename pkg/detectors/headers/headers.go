package headers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/detectoriface"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

const DetectorName = "headers"

const (
	SignalScore          = "headers.score"
	SignalMissingAccepts = "headers.missing_accepts"
)

type Config struct {
	Weight  float64       `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Detector scores header-set coherence. Real browsers send a stable family
// of Accept*, language and client-hint headers; scripted clients usually
// send a minimal or contradictory set.
type Detector struct {
	logger *logrus.Logger
	cfg    Config
}

func New(logger *logrus.Logger, settings map[string]interface{}) (*Detector, error) {
	cfg := Config{Weight: 1.0, Timeout: 10 * time.Millisecond}
	if settings != nil {
		if err := mapstructure.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode headers settings: %w", err)
		}
	}
	return &Detector{logger: logger, cfg: cfg}, nil
}

func (d *Detector) Name() string                                       { return DetectorName }
func (d *Detector) Priority() int                                      { return 20 }
func (d *Detector) IsEnabled() bool                                    { return true }
func (d *Detector) IsOptional() bool                                   { return false }
func (d *Detector) ExecutionTimeout() time.Duration                    { return d.cfg.Timeout }
func (d *Detector) TriggerConditions() []detectoriface.TriggerCondition { return nil }

func (d *Detector) Contribute(ctx context.Context, state *types.DetectionState) ([]types.Contribution, error) {
	req := state.Request

	suspicious := 0
	const maxFactors = 10
	var reasons []string

	missingAccepts := 0
	for _, h := range []string{"Accept", "Accept-Language", "Accept-Encoding"} {
		if req.Header(h) == "" {
			missingAccepts++
		}
	}
	if missingAccepts > 0 {
		suspicious += missingAccepts
		reasons = append(reasons, fmt.Sprintf("%d accept headers missing", missingAccepts))
	}

	// Browsers that send a UA also send client hints or at least a
	// sec-fetch family on modern versions; a bare modern Chrome UA with
	// none of them is a spoofing tell.
	ua := strings.ToLower(req.UserAgent)
	if strings.Contains(ua, "chrome/") && req.Header("Sec-Fetch-Mode") == "" {
		suspicious += 2
		reasons = append(reasons, "chrome agent without sec-fetch headers")
	}

	if req.Header("Accept") == "*/*" && strings.Contains(ua, "mozilla") {
		suspicious++
		reasons = append(reasons, "browser agent with wildcard accept")
	}

	if v := req.Header("Connection"); strings.EqualFold(v, "close") {
		suspicious++
		reasons = append(reasons, "connection: close")
	}

	for _, h := range []string{"X-Requested-With", "X-Forwarded-For"} {
		if len(req.Headers[h]) > 1 {
			suspicious++
			reasons = append(reasons, fmt.Sprintf("duplicated %s header", h))
		}
	}

	score := float64(suspicious) / float64(maxFactors)
	if score > 1 {
		score = 1
	}

	signals := types.SignalMap{
		SignalScore:          types.NumberSignal(score),
		SignalMissingAccepts: types.NumberSignal(float64(missingAccepts)),
	}

	// Map [0,1] coherence score onto a [-0.2, 0.6] delta: a clean header
	// set is mild human evidence.
	delta := -0.2 + score*0.8

	reason := "coherent browser header set"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}

	return []types.Contribution{{
		Category:        types.CategoryHeaders,
		ConfidenceDelta: delta,
		Weight:          d.cfg.Weight,
		Reason:          reason,
		Signals:         signals,
	}}, nil
}
