package common

import "time"

const (
	SignatureRecordTTL = 15 * time.Minute

	ProbabilityHeader = "X-Stylobot-Probability"
	RiskBandHeader    = "X-Stylobot-Risk"
	TraceIdHeader     = "X-Stylobot-Trace-Id"

	DefaultPolicyName = "default"
)
