package signature

import (
	"time"
)

// FamilyReason records why a family was formed.
type FamilyReason string

const (
	ReasonTemporalProximity     FamilyReason = "temporal_proximity"
	ReasonBehavioralSimilarity  FamilyReason = "behavioral_similarity"
	ReasonProbabilityClustering FamilyReason = "probability_clustering"
)

// Family is a non-destructive grouping of signatures believed to belong to
// one actor, e.g. one IP rotating user agents. Members keep their own
// windows; merging happens at read time.
type Family struct {
	ID         string
	Canonical  string
	Members    map[string]struct{}
	Reason     FamilyReason
	Confidence float64
	FormedAt   time.Time
}

func NewFamily(id, canonical string, members []string, reason FamilyReason, confidence float64) *Family {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	set[canonical] = struct{}{}
	return &Family{
		ID:         id,
		Canonical:  canonical,
		Members:    set,
		Reason:     reason,
		Confidence: confidence,
		FormedAt:   time.Now(),
	}
}

func (f *Family) Size() int {
	return len(f.Members)
}
