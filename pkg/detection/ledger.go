package detection

import (
	"sync"

	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// Ledger accumulates contributions from every detector that ran for one
// request. It is exclusively owned by that request's execution and never
// shared across requests. The aggregation math is commutative over
// contributions so a wave may merge them in any order.
type Ledger struct {
	mu sync.Mutex

	traceID       string
	contributions []types.Contribution

	weightedDelta float64
	weightTotal   float64
	evidenceMass  float64

	categoryScores map[types.Category]float64
	ranFamilies    map[types.Category]struct{}

	earlyExit   types.EarlyExitVerdict
	earlyExitBy string
	botType     string
	botName     string
}

func NewLedger(traceID string) *Ledger {
	return &Ledger{
		traceID:        traceID,
		categoryScores: make(map[types.Category]float64),
		ranFamilies:    make(map[types.Category]struct{}),
	}
}

// Submit folds one contribution into the ledger. The confidence delta is
// bounded to [-1, 1] and zero weights are treated as 1.
func (l *Ledger) Submit(c types.Contribution) {
	if c.Weight <= 0 {
		c.Weight = 1
	}
	if c.ConfidenceDelta > 1 {
		c.ConfidenceDelta = 1
	}
	if c.ConfidenceDelta < -1 {
		c.ConfidenceDelta = -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.contributions = append(l.contributions, c)
	l.weightedDelta += c.ConfidenceDelta * c.Weight
	l.weightTotal += c.Weight
	l.evidenceMass += abs(c.ConfidenceDelta) * c.Weight
	l.categoryScores[c.Category] += c.ConfidenceDelta * c.Weight
	l.ranFamilies[c.Category] = struct{}{}

	// The first early-exit verdict latches; later contributions may still be
	// recorded but cannot override the terminal classification.
	if c.EarlyExit != types.VerdictNone && l.earlyExit == types.VerdictNone {
		l.earlyExit = c.EarlyExit
		l.earlyExitBy = c.DetectorName
		l.botType = c.BotType
		l.botName = c.BotName
	}
	if l.botType == "" && c.BotType != "" {
		l.botType = c.BotType
		l.botName = c.BotName
	}
}

// Probability returns the running bot probability derived purely from the
// submitted contributions: a neutral 0.5 prior shifted by the weighted mean
// confidence delta, clamped to [0, 1].
func (l *Ledger) Probability() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.probabilityLocked()
}

func (l *Ledger) probabilityLocked() float64 {
	if l.earlyExit != types.VerdictNone {
		if l.earlyExit.IsBot() {
			return 1
		}
		return 0
	}
	if l.weightTotal == 0 {
		return 0.5
	}
	p := 0.5 + l.weightedDelta/(2*l.weightTotal)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Confidence returns the ledger's own confidence: how much weighted evidence
// has accumulated, saturating at 1.
func (l *Ledger) Confidence() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.earlyExit != types.VerdictNone {
		return 1
	}
	if l.evidenceMass > 1 {
		return 1
	}
	return l.evidenceMass
}

func (l *Ledger) EarlyExit() types.EarlyExitVerdict {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.earlyExit
}

func (l *Ledger) EarlyExitBy() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.earlyExitBy
}

func (l *Ledger) Contributions() []types.Contribution {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Contribution, len(l.contributions))
	copy(out, l.contributions)
	return out
}

// RanFamilies returns the set of detector families that reported at least
// one contribution, used by the coverage confidence numerator.
func (l *Ledger) RanFamilies() map[types.Category]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[types.Category]struct{}, len(l.ranFamilies))
	for k := range l.ranFamilies {
		out[k] = struct{}{}
	}
	return out
}

func (l *Ledger) CategoryScores() map[types.Category]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[types.Category]float64, len(l.categoryScores))
	for k, v := range l.categoryScores {
		out[k] = v
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
