package types

import "time"

// RiskBand is the discrete verdict classification.
type RiskBand string

const (
	RiskUnknown  RiskBand = "unknown"
	RiskVeryLow  RiskBand = "very_low"
	RiskLow      RiskBand = "low"
	RiskMedium   RiskBand = "medium"
	RiskHigh     RiskBand = "high"
	RiskVeryHigh RiskBand = "very_high"
	RiskVerified RiskBand = "verified"
)

// ThreatBand classifies malicious intent independently of bot probability.
// A human probing credential endpoints scores high threat, low probability.
type ThreatBand string

const (
	ThreatNone     ThreatBand = "none"
	ThreatLow      ThreatBand = "low"
	ThreatElevated ThreatBand = "elevated"
	ThreatSevere   ThreatBand = "severe"
)

// PolicyAction is a terminal decision fired by the policy evaluator.
type PolicyAction string

const (
	ActionNone  PolicyAction = ""
	ActionAllow PolicyAction = "allow"
	ActionBlock PolicyAction = "block"
)

// AggregatedEvidence is the immutable final verdict for one request.
type AggregatedEvidence struct {
	TraceID        string
	BotProbability float64
	Confidence     float64
	RiskBand       RiskBand

	EarlyExit        bool
	EarlyExitVerdict EarlyExitVerdict
	BotType          string
	BotName          string

	ThreatScore float64
	ThreatBand  ThreatBand

	ContributingDetectors []string
	FailedDetectors       []string
	Signals               SignalMap
	CategoryScores        map[Category]float64

	PolicyName   string
	PolicyAction PolicyAction
	PolicyReason string

	AIRan          bool
	WavesExecuted  int
	ProcessingTime time.Duration
	CompletedAt    time.Time
}

// Blocked reports whether the verdict should stop the request outright.
func (e *AggregatedEvidence) Blocked() bool {
	if e.PolicyAction == ActionBlock {
		return true
	}
	return e.EarlyExit && !e.EarlyExitVerdict.IsPositive() && e.EarlyExitVerdict.IsBot()
}
