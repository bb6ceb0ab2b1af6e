package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// Event is anything publishable on the learning channel.
type Event interface {
	Type() string
}

// RedisMessage is the envelope placed on the wire: the type tag lets
// subscribers dispatch without decoding the payload first.
type RedisMessage struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// VerdictEvent is published after every classified request so downstream
// learners can observe verdicts without sitting in the request path.
type VerdictEvent struct {
	TraceID        string          `json:"trace_id"`
	SignatureID    string          `json:"signature_id"`
	BotProbability float64         `json:"bot_probability"`
	Confidence     float64         `json:"confidence"`
	RiskBand       types.RiskBand  `json:"risk_band"`
	ThreatBand     types.ThreatBand `json:"threat_band"`
	EarlyExit      bool            `json:"early_exit"`
	AIRan          bool            `json:"ai_ran"`
	PolicyAction   string          `json:"policy_action"`
	Detectors      []string        `json:"detectors"`
	ProcessedAt    time.Time       `json:"processed_at"`
}

func (VerdictEvent) Type() string { return "verdict" }

// AberrationEvent is published when a signature's behavior window crosses the
// aberration threshold.
type AberrationEvent struct {
	SignatureID     string    `json:"signature_id"`
	FamilyID        string    `json:"family_id,omitempty"`
	AberrationScore float64   `json:"aberration_score"`
	PathEntropy     float64   `json:"path_entropy"`
	IntervalCV      float64   `json:"interval_cv"`
	AvgProbability  float64   `json:"avg_probability"`
	RequestCount    int       `json:"request_count"`
	DetectedAt      time.Time `json:"detected_at"`
}

func (AberrationEvent) Type() string { return "aberration" }

// Publisher delivers events to the learning channel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
