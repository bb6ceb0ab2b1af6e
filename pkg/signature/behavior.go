package signature

import (
	"math"
	"time"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// Request is one observed request folded into a signature's history.
type Request struct {
	Timestamp   time.Time
	TraceID     string
	Path        string
	Probability float64
	Detectors   []string
	Signals     types.SignalMap
}

// Behavior is derived from the current window on every update.
type Behavior struct {
	SignatureID string
	FamilyID    string

	RequestCount   int
	AvgIntervalSec float64
	IntervalCV     float64
	PathEntropy    float64
	UniquePaths    int
	AvgProbability float64

	AberrationScore float64
	IsAberrant      bool
	ComputedAt      time.Time
}

// ComputeBehavior recomputes all statistics over a request window. The
// aberration score stays 0 until the minimum sample count is reached no
// matter how extreme the statistics are.
func ComputeBehavior(requests []Request, cfg *config.SignatureConfig) Behavior {
	b := Behavior{
		RequestCount: len(requests),
		ComputedAt:   time.Now(),
	}
	if len(requests) == 0 {
		return b
	}

	var probSum float64
	paths := make(map[string]int)
	for _, r := range requests {
		probSum += r.Probability
		paths[r.Path]++
	}
	b.AvgProbability = probSum / float64(len(requests))
	b.UniquePaths = len(paths)
	b.PathEntropy = shannonEntropy(paths, len(requests))

	if len(requests) >= 2 {
		intervals := make([]float64, 0, len(requests)-1)
		for i := 1; i < len(requests); i++ {
			intervals = append(intervals, requests[i].Timestamp.Sub(requests[i-1].Timestamp).Seconds())
		}
		b.AvgIntervalSec, b.IntervalCV = intervalStats(intervals)
	}

	if len(requests) < cfg.MinSampleCount {
		return b
	}

	// Weighted sum of thresholded indicators: near-zero CV with fast
	// requests means scripted regularity, high path entropy means scanning.
	var score float64
	if b.PathEntropy > cfg.EntropyThreshold {
		score += cfg.EntropyWeight
	}
	if b.IntervalCV < cfg.CVThreshold && len(requests) >= 3 {
		score += cfg.RegularityWeight
	}
	if b.AvgIntervalSec > 0 && b.AvgIntervalSec < cfg.IntervalThreshold {
		score += cfg.FrequencyWeight
	}
	if b.AvgProbability > cfg.ProbabilityCutoff {
		score += cfg.ProbabilityWeight
	}

	b.AberrationScore = score
	b.IsAberrant = score > cfg.AberrationThreshold
	return b
}

func shannonEntropy(counts map[string]int, total int) float64 {
	if total == 0 {
		return 0
	}
	var entropy float64
	for _, n := range counts {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func intervalStats(intervals []float64) (mean, cv float64) {
	for _, v := range intervals {
		mean += v
	}
	mean /= float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(intervals))

	if mean == 0 {
		return 0, 0
	}
	return mean, math.Sqrt(variance) / mean
}
