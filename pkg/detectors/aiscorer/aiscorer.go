package aiscorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/detectoriface"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

const DetectorName = "ai_scorer"

const SignalScore = "ai.score"

// Client is the minimal HTTP surface the scorer needs; tests inject a stub.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Weight  float64       `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Detector sends the accumulated signal snapshot to an external model
// endpoint and folds the returned score back in as AI-family evidence. It
// only runs through policy escalation, never in a regular wave.
type Detector struct {
	logger *logrus.Logger
	client Client
	cfg    Config
}

type scoreRequest struct {
	TraceID   string                 `json:"trace_id"`
	Path      string                 `json:"path"`
	UserAgent string                 `json:"user_agent"`
	Signals   map[string]interface{} `json:"signals"`
}

type scoreResponse struct {
	BotScore float64 `json:"bot_score"`
	Label    string  `json:"label"`
	Reason   string  `json:"reason"`
}

func New(logger *logrus.Logger, client Client, settings map[string]interface{}) (*Detector, error) {
	cfg := Config{Weight: 2.0, Timeout: 500 * time.Millisecond}
	if settings != nil {
		if err := mapstructure.Decode(settings, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode ai_scorer settings: %w", err)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Detector{logger: logger, client: client, cfg: cfg}, nil
}

func (d *Detector) Name() string                                        { return DetectorName }
func (d *Detector) Priority() int                                       { return 100 }
func (d *Detector) IsEnabled() bool                                     { return d.cfg.URL != "" }
func (d *Detector) IsOptional() bool                                    { return true }
func (d *Detector) ExecutionTimeout() time.Duration                     { return d.cfg.Timeout }
func (d *Detector) TriggerConditions() []detectoriface.TriggerCondition { return nil }

func (d *Detector) Contribute(ctx context.Context, state *types.DetectionState) ([]types.Contribution, error) {
	req := state.Request

	payload := scoreRequest{
		TraceID:   req.TraceID,
		Path:      req.Path,
		UserAgent: req.UserAgent,
		Signals:   flattenSignals(state.SignalSnapshot()),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("score request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("score endpoint returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	var scored scoreResponse
	if err := json.Unmarshal(raw, &scored); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}

	if scored.BotScore < 0 {
		scored.BotScore = 0
	}
	if scored.BotScore > 1 {
		scored.BotScore = 1
	}

	reason := scored.Reason
	if reason == "" {
		reason = fmt.Sprintf("model scored %.2f (%s)", scored.BotScore, scored.Label)
	}

	return []types.Contribution{{
		Category: types.CategoryAI,
		// Map the model's [0,1] score onto a full-range signed delta.
		ConfidenceDelta: scored.BotScore*2 - 1,
		Weight:          d.cfg.Weight,
		Reason:          reason,
		BotType:         scored.Label,
		Signals: types.SignalMap{
			SignalScore: types.NumberSignal(scored.BotScore),
		},
	}}, nil
}

func flattenSignals(m types.SignalMap) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, sig := range m {
		switch sig.Kind {
		case types.SignalString:
			out[k] = sig.Str
		case types.SignalNumber:
			out[k] = sig.Num
		case types.SignalBool:
			out[k] = sig.Bool
		}
	}
	return out
}
