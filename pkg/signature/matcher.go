package signature

import (
	"fmt"

	"github.com/scottgal/stylobot-sub006/pkg/config"
)

// MatchType grades how strongly the current request matches a stored
// signature.
type MatchType string

const (
	MatchNone  MatchType = "none"
	MatchWeak  MatchType = "weak"
	MatchMatch MatchType = "match"
	MatchExact MatchType = "exact"
)

// MatchResult is the matcher's answer: yes/no plus an explanation and the
// factor names that matched, for the wave scheduler to decide whether prior
// evidence can be reused.
type MatchResult struct {
	IsMatch        bool
	MatchType      MatchType
	Confidence     float64
	MatchedFactors []string
	Explanation    string
}

// Matcher compares request factors against previously stored signatures.
// It never mutates state.
type Matcher struct {
	cfg config.MatcherConfig
}

func NewMatcher(cfg config.MatcherConfig) *Matcher {
	return &Matcher{cfg: cfg}
}

// Match implements the asymmetric rule set: an exact composite match, or
// IP+UA together, is full confidence; otherwise two or more factors whose
// combined weight clears StrongMin is a match, three or more clearing the
// lower WeakMin is a weak match, and a single factor is always rejected —
// a shared office IP or a common browser UA alone must never identify an
// individual.
func (m *Matcher) Match(current, stored Signature) MatchResult {
	if current.CompositeHash != "" && current.CompositeHash == stored.CompositeHash {
		return MatchResult{
			IsMatch:        true,
			MatchType:      MatchExact,
			Confidence:     1,
			MatchedFactors: []string{"composite"},
			Explanation:    "composite signature identical",
		}
	}

	var matched []string
	var combined float64

	ipMatch := current.IPHash != "" && current.IPHash == stored.IPHash
	uaMatch := current.UAHash != "" && current.UAHash == stored.UAHash
	subnetMatch := current.SubnetHash != "" && current.SubnetHash == stored.SubnetHash

	if ipMatch {
		matched = append(matched, "ip")
		combined += m.cfg.IPWeight
	}
	if uaMatch {
		matched = append(matched, "ua")
		combined += m.cfg.UAWeight
	}
	if subnetMatch {
		matched = append(matched, "subnet")
		combined += m.cfg.SubnetWeight
	}

	if ipMatch && uaMatch {
		return MatchResult{
			IsMatch:        true,
			MatchType:      MatchExact,
			Confidence:     1,
			MatchedFactors: matched,
			Explanation:    "ip and user agent both match, equivalent to composite",
		}
	}

	switch {
	case len(matched) >= 2 && combined >= m.cfg.StrongMin:
		return MatchResult{
			IsMatch:        true,
			MatchType:      MatchMatch,
			Confidence:     combined,
			MatchedFactors: matched,
			Explanation:    fmt.Sprintf("%d factors with combined weight %.2f >= %.2f", len(matched), combined, m.cfg.StrongMin),
		}
	case len(matched) >= 3 && combined >= m.cfg.WeakMin:
		return MatchResult{
			IsMatch:        true,
			MatchType:      MatchWeak,
			Confidence:     combined,
			MatchedFactors: matched,
			Explanation:    fmt.Sprintf("%d factors with combined weight %.2f >= weak minimum %.2f", len(matched), combined, m.cfg.WeakMin),
		}
	default:
		return MatchResult{
			IsMatch:        false,
			MatchType:      MatchNone,
			Confidence:     combined,
			MatchedFactors: matched,
			Explanation:    fmt.Sprintf("%d matched factors with combined weight %.2f insufficient", len(matched), combined),
		}
	}
}
