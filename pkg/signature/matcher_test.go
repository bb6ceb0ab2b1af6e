package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scottgal/stylobot-sub006/pkg/config"
)

func testMatcherConfig() config.MatcherConfig {
	return config.MatcherConfig{
		IPWeight:     0.4,
		UAWeight:     0.3,
		SubnetWeight: 0.2,
		StrongMin:    0.6,
		WeakMin:      0.5,
	}
}

func TestMatcher_Match(t *testing.T) {
	m := NewMatcher(testMatcherConfig())

	stored := New("203.0.113.9", "curl/8.0")

	tests := []struct {
		name        string
		current     Signature
		wantType    MatchType
		wantIsMatch bool
		wantFactors []string
	}{
		{
			name:        "identical request is an exact composite match",
			current:     New("203.0.113.9", "curl/8.0"),
			wantType:    MatchExact,
			wantIsMatch: true,
			wantFactors: []string{"composite"},
		},
		{
			name: "ip and ua both matching is exact even without composite",
			current: Signature{
				IPHash: stored.IPHash,
				UAHash: stored.UAHash,
			},
			wantType:    MatchExact,
			wantIsMatch: true,
			wantFactors: []string{"ip", "ua"},
		},
		{
			// Same IP, new UA: UA rotation from one address.
			name:        "ip plus subnet clears the strong minimum",
			current:     New("203.0.113.9", "python-requests/2.31"),
			wantType:    MatchMatch,
			wantIsMatch: true,
			wantFactors: []string{"ip", "subnet"},
		},
		{
			// Neighbor in the same /24 with the same UA: combined weight
			// 0.5 sits below the strong minimum and two factors never
			// qualify as weak.
			name:        "ua plus subnet alone is rejected",
			current:     New("203.0.113.77", "curl/8.0"),
			wantType:    MatchNone,
			wantIsMatch: false,
			wantFactors: []string{"ua", "subnet"},
		},
		{
			name:        "single factor is always rejected",
			current:     New("198.51.100.1", "curl/8.0"),
			wantType:    MatchNone,
			wantIsMatch: false,
			wantFactors: []string{"ua"},
		},
		{
			name:        "nothing in common",
			current:     New("198.51.100.1", "wget/1.21"),
			wantType:    MatchNone,
			wantIsMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Match(tt.current, stored)
			assert.Equal(t, tt.wantIsMatch, res.IsMatch)
			assert.Equal(t, tt.wantType, res.MatchType)
			assert.ElementsMatch(t, tt.wantFactors, res.MatchedFactors)
			assert.NotEmpty(t, res.Explanation)
		})
	}
}

func TestMatcher_EmptyFactorsNeverMatch(t *testing.T) {
	m := NewMatcher(testMatcherConfig())

	// Two signatures with empty IPs must not treat "" == "" as a match.
	a := New("", "")
	b := New("", "")
	res := m.Match(a, b)
	assert.False(t, res.IsMatch)
	assert.Empty(t, res.MatchedFactors)
}

func TestMatcher_ExactMatchConfidence(t *testing.T) {
	m := NewMatcher(testMatcherConfig())
	sig := New("203.0.113.9", "curl/8.0")
	res := m.Match(sig, sig)
	assert.Equal(t, 1.0, res.Confidence)
}
