package signature

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	infraCache "github.com/scottgal/stylobot-sub006/pkg/infra/cache"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// StoredRecord pairs a signature with the last verdict issued for it, so a
// fast-path hit can shortcut expensive detectors.
type StoredRecord struct {
	Signature Signature
	Verdict   types.AggregatedEvidence
}

// Store keeps recent signature records for the fast-path matcher. Records
// expire on a TTL; secondary indexes by IP and UA hash narrow the candidate
// set so a lookup never scans the whole store.
type Store struct {
	matcher *Matcher
	records *infraCache.TTLMap

	mu       sync.RWMutex
	byIP     map[string]map[string]struct{}
	byUA     map[string]map[string]struct{}

	lookups singleflight.Group
}

func NewStore(cfg config.MatcherConfig) *Store {
	return &Store{
		matcher: NewMatcher(cfg),
		records: infraCache.NewTTLMap(cfg.RecordTTL),
		byIP:    make(map[string]map[string]struct{}),
		byUA:    make(map[string]map[string]struct{}),
	}
}

// Save records the verdict issued for a signature.
func (s *Store) Save(sig Signature, verdict types.AggregatedEvidence) {
	id := sig.ID()
	if id == "" {
		return
	}
	s.records.Set(id, StoredRecord{Signature: sig, Verdict: verdict})

	s.mu.Lock()
	defer s.mu.Unlock()
	if sig.IPHash != "" {
		addIndex(s.byIP, sig.IPHash, id)
	}
	if sig.UAHash != "" {
		addIndex(s.byUA, sig.UAHash, id)
	}
}

// Lookup finds the best stored match for the current signature. Concurrent
// lookups for the same composite collapse into one scan.
func (s *Store) Lookup(current Signature) (StoredRecord, MatchResult, bool) {
	type lookupResult struct {
		record StoredRecord
		match  MatchResult
		found  bool
	}

	v, _, _ := s.lookups.Do(current.ID(), func() (interface{}, error) {
		record, match, found := s.lookup(current)
		return lookupResult{record: record, match: match, found: found}, nil
	})
	res, ok := v.(lookupResult)
	if !ok {
		return StoredRecord{}, MatchResult{MatchType: MatchNone}, false
	}
	return res.record, res.match, res.found
}

func (s *Store) lookup(current Signature) (StoredRecord, MatchResult, bool) {
	// Exact composite hit first.
	if v, ok := s.records.Get(current.ID()); ok {
		if record, ok := v.(StoredRecord); ok {
			return record, s.matcher.Match(current, record.Signature), true
		}
	}

	var best StoredRecord
	bestMatch := MatchResult{MatchType: MatchNone}
	found := false
	stale := false

	for _, id := range s.candidates(current) {
		v, ok := s.records.Get(id)
		if !ok {
			stale = true
			continue
		}
		record, ok := v.(StoredRecord)
		if !ok {
			continue
		}
		match := s.matcher.Match(current, record.Signature)
		if !match.IsMatch {
			continue
		}
		if !found || match.Confidence > bestMatch.Confidence {
			best = record
			bestMatch = match
			found = true
		}
	}
	if stale {
		s.prune()
	}
	return best, bestMatch, found
}

// prune drops ids whose record has expired from both secondary indexes, so
// candidate scans never grow past the live record set. Triggered lazily the
// first time a lookup trips over a dead id.
func (s *Store) prune() {
	live := make(map[string]struct{})
	for _, id := range s.records.Keys() {
		live[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pruneIndex(s.byIP, live)
	pruneIndex(s.byUA, live)
}

func pruneIndex(index map[string]map[string]struct{}, live map[string]struct{}) {
	for key, set := range index {
		for id := range set {
			if _, ok := live[id]; !ok {
				delete(set, id)
			}
		}
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func (s *Store) candidates(current Signature) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	collect := func(index map[string]map[string]struct{}, key string) {
		if key == "" {
			return
		}
		for id := range index[key] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	collect(s.byIP, current.IPHash)
	collect(s.byUA, current.UAHash)
	return out
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}
