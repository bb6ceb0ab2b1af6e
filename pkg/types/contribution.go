package types

import "time"

// Category groups detectors into evidence families. The coverage confidence
// denominator is computed over families, not individual detectors.
type Category string

const (
	CategoryUserAgent   Category = "user_agent"
	CategoryHeaders     Category = "headers"
	CategoryNetwork     Category = "network"
	CategoryBehavior    Category = "behavior"
	CategoryFingerprint Category = "fingerprint"
	CategoryAI          Category = "ai"
)

// EarlyExitVerdict is a terminal classification asserted by a single
// detector. Once set it bypasses further aggregation.
type EarlyExitVerdict string

const (
	VerdictNone            EarlyExitVerdict = ""
	VerdictVerifiedGoodBot EarlyExitVerdict = "verified_good_bot"
	VerdictVerifiedBadBot  EarlyExitVerdict = "verified_bad_bot"
	VerdictWhitelisted     EarlyExitVerdict = "whitelisted"
	VerdictBlacklisted     EarlyExitVerdict = "blacklisted"
	VerdictPolicyAllowed   EarlyExitVerdict = "policy_allowed"
	VerdictPolicyBlocked   EarlyExitVerdict = "policy_blocked"
)

// IsBot reports the polarity of the verdict: true means the terminal
// probability is 1, false means 0.
func (v EarlyExitVerdict) IsBot() bool {
	switch v {
	case VerdictVerifiedGoodBot, VerdictVerifiedBadBot, VerdictBlacklisted, VerdictPolicyBlocked:
		return true
	}
	return false
}

// IsPositive reports whether the verdict clears the client rather than
// condemning it.
func (v EarlyExitVerdict) IsPositive() bool {
	switch v {
	case VerdictVerifiedGoodBot, VerdictWhitelisted, VerdictPolicyAllowed:
		return true
	}
	return false
}

// Contribution is the immutable record emitted by one detector invocation.
// It is created once per call and owned by the ledger after submission.
type Contribution struct {
	DetectorName    string
	Category        Category
	ConfidenceDelta float64 // signed, bounded to [-1, 1] on submission
	Weight          float64
	Reason          string
	Elapsed         time.Duration
	Priority        int
	EarlyExit       EarlyExitVerdict
	BotType         string
	BotName         string
	Signals         SignalMap
	CreatedAt       time.Time
}
