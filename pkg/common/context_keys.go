package common

type contextKey string

const (
	TraceIdKey            contextKey = "trace_id"
	SignatureIdContextKey contextKey = "signature_id"
	PolicyNameContextKey  contextKey = "policy_name"
	EvidenceContextKey    contextKey = "evidence"
	LatencyContextKey     contextKey = "__execution_time"
)
