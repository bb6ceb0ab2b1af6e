package signature

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scottgal/stylobot-sub006/pkg/config"
	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// trackedSignature owns one signature's sliding window. Its mutex
// serializes updates to the same signature while distinct signatures
// proceed fully in parallel; there is no global lock on the hot path.
type trackedSignature struct {
	mu sync.Mutex

	sig      Signature
	ipHash   string
	country  string
	window   []Request // FIFO, oldest first
	behavior Behavior
	lastSeen time.Time
	aberrant bool
}

// Coordinator is the long-lived, cross-request store keyed by signature id.
// RecordRequest is fire-and-forget: it must never block request completion,
// and update failures surface on the background error channel instead of
// propagating to the original request.
type Coordinator struct {
	cfg    *config.SignatureConfig
	logger *logrus.Logger

	mu      sync.RWMutex
	entries map[string]*trackedSignature
	ipIndex map[string]map[string]struct{}

	famMu       sync.RWMutex
	families    map[string]*Family
	bySignature map[string]string

	aberrations chan Behavior
	errs        chan error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCoordinator(cfg *config.SignatureConfig, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		entries:     make(map[string]*trackedSignature),
		ipIndex:     make(map[string]map[string]struct{}),
		families:    make(map[string]*Family),
		bySignature: make(map[string]string),
		aberrations: make(chan Behavior, 64),
		errs:        make(chan error, 16),
		stop:        make(chan struct{}),
	}
}

// Start launches the TTL sweeper and the periodic family evaluator.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sweep := time.NewTicker(c.cfg.SweepInterval)
		family := time.NewTicker(c.cfg.FamilyEvalInterval)
		defer sweep.Stop()
		defer family.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-sweep.C:
				c.sweep()
			case <-family.C:
				c.EvaluateFamilies()
			}
		}
	}()
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// Aberrations delivers behaviors whose score just crossed the threshold.
func (c *Coordinator) Aberrations() <-chan Behavior {
	return c.aberrations
}

// Errors delivers background update failures for a persistent monitor.
func (c *Coordinator) Errors() <-chan error {
	return c.errs
}

// Stats reports the current store sizes for gauges.
func (c *Coordinator) Stats() (tracked, aberrant, families int) {
	c.mu.RLock()
	tracked = len(c.entries)
	for _, e := range c.entries {
		e.mu.Lock()
		if e.aberrant {
			aberrant++
		}
		e.mu.Unlock()
	}
	c.mu.RUnlock()

	c.famMu.RLock()
	families = len(c.families)
	c.famMu.RUnlock()
	return tracked, aberrant, families
}

// RecordRequest folds one request into the signature's window without
// blocking the caller.
func (c *Coordinator) RecordRequest(
	sig Signature,
	traceID string,
	path string,
	probability float64,
	signals types.SignalMap,
	detectors []string,
	ipHash string,
	countryCode string,
) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.reportError(fmt.Errorf("signature update panic for %s: %v", sig.ID(), r))
			}
		}()
		c.record(sig, traceID, path, probability, signals, detectors, ipHash, countryCode)
	}()
}

func (c *Coordinator) record(
	sig Signature,
	traceID string,
	path string,
	probability float64,
	signals types.SignalMap,
	detectors []string,
	ipHash string,
	countryCode string,
) {
	id := sig.ID()
	if id == "" {
		c.reportError(fmt.Errorf("refusing to track empty signature id (trace %s)", traceID))
		return
	}

	entry := c.entry(id, sig, ipHash, countryCode)

	entry.mu.Lock()
	now := time.Now()
	entry.lastSeen = now
	entry.window = append(entry.window, Request{
		Timestamp:   now,
		TraceID:     traceID,
		Path:        path,
		Probability: probability,
		Detectors:   detectors,
		Signals:     signals,
	})
	c.evictLocked(entry, now)
	entry.behavior = ComputeBehavior(entry.window, c.cfg)
	entry.behavior.SignatureID = id

	crossed := entry.behavior.IsAberrant && !entry.aberrant
	entry.aberrant = entry.behavior.IsAberrant
	behavior := entry.behavior
	entry.mu.Unlock()

	if crossed {
		select {
		case c.aberrations <- behavior:
		default:
			// A slow consumer must not block signature updates.
		}
	}
}

func (c *Coordinator) entry(id string, sig Signature, ipHash, country string) *trackedSignature {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return entry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok = c.entries[id]; ok {
		return entry
	}
	entry = &trackedSignature{sig: sig, ipHash: ipHash, country: country}
	c.entries[id] = entry
	if ipHash != "" {
		set, ok := c.ipIndex[ipHash]
		if !ok {
			set = make(map[string]struct{})
			c.ipIndex[ipHash] = set
		}
		set[id] = struct{}{}
	}
	return entry
}

// evictLocked trims the window on both the count cap and the TTL; oldest
// entries go first. Caller holds entry.mu.
func (c *Coordinator) evictLocked(entry *trackedSignature, now time.Time) {
	cutoff := now.Add(-c.cfg.WindowTTL)
	start := 0
	for start < len(entry.window) && entry.window[start].Timestamp.Before(cutoff) {
		start++
	}
	if over := len(entry.window) - start - c.cfg.WindowMaxRequests; over > 0 {
		start += over
	}
	if start > 0 {
		entry.window = append(entry.window[:0], entry.window[start:]...)
	}
}

// KnownSignature reports whether the signature has been seen before, used
// by the AI-classification sampling gate.
func (c *Coordinator) KnownSignature(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// GetBehavior returns the latest derived behavior for a signature.
func (c *Coordinator) GetBehavior(id string) (Behavior, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return Behavior{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.behavior, true
}

// SignaturesForIP returns the signatures observed from one coarse IP hash,
// enabling UA-rotation detection from a single network origin.
func (c *Coordinator) SignaturesForIP(ipHash string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.ipIndex[ipHash]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RegisterFamily indexes a family for O(1) signature-to-family lookup.
// Registration is non-destructive: member windows stay untouched.
func (c *Coordinator) RegisterFamily(f *Family) {
	c.famMu.Lock()
	defer c.famMu.Unlock()
	c.families[f.ID] = f
	for member := range f.Members {
		c.bySignature[member] = f.ID
	}
}

// FamilyOf resolves a signature to its family id.
func (c *Coordinator) FamilyOf(sigID string) (string, bool) {
	c.famMu.RLock()
	defer c.famMu.RUnlock()
	id, ok := c.bySignature[sigID]
	return id, ok
}

// GetFamilyAwareBehaviors merges all window data of each family's members
// into one synthetic behavior (statistics recomputed over the pooled request
// list) and passes standalone signatures through unmodified. Callers never
// see a merged family and its raw members at the same time.
func (c *Coordinator) GetFamilyAwareBehaviors() []Behavior {
	// Families are snapshotted under famMu; the sweeper mutates Members and
	// Canonical of live families under the same lock.
	type familySnapshot struct {
		id        string
		canonical string
		members   []string
	}
	c.famMu.RLock()
	families := make([]familySnapshot, 0, len(c.families))
	for _, f := range c.families {
		snap := familySnapshot{
			id:        f.ID,
			canonical: f.Canonical,
			members:   make([]string, 0, len(f.Members)),
		}
		for member := range f.Members {
			snap.members = append(snap.members, member)
		}
		families = append(families, snap)
	}
	c.famMu.RUnlock()

	seen := make(map[string]struct{})
	var out []Behavior

	for _, f := range families {
		var pooled []Request
		for _, member := range f.members {
			c.mu.RLock()
			entry, ok := c.entries[member]
			c.mu.RUnlock()
			if !ok {
				continue
			}
			entry.mu.Lock()
			pooled = append(pooled, entry.window...)
			entry.mu.Unlock()
			seen[member] = struct{}{}
		}
		if len(pooled) == 0 {
			continue
		}
		sort.Slice(pooled, func(i, j int) bool {
			return pooled[i].Timestamp.Before(pooled[j].Timestamp)
		})
		behavior := ComputeBehavior(pooled, c.cfg)
		behavior.SignatureID = f.canonical
		behavior.FamilyID = f.id
		out = append(out, behavior)
	}

	c.mu.RLock()
	standalone := make([]*trackedSignature, 0, len(c.entries))
	ids := make([]string, 0, len(c.entries))
	for id, entry := range c.entries {
		if _, merged := seen[id]; merged {
			continue
		}
		standalone = append(standalone, entry)
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for i, entry := range standalone {
		entry.mu.Lock()
		behavior := entry.behavior
		entry.mu.Unlock()
		behavior.SignatureID = ids[i]
		out = append(out, behavior)
	}
	return out
}

// EvaluateFamilies is the periodic discovery pass, run outside the request
// hot path. Signatures sharing one IP hash are grouped when they were last
// seen close together, behave alike, or all cluster at high bot
// probability.
func (c *Coordinator) EvaluateFamilies() {
	c.mu.RLock()
	groups := make(map[string][]*trackedSignature, len(c.ipIndex))
	groupIDs := make(map[string][]string, len(c.ipIndex))
	for ipHash, set := range c.ipIndex {
		if len(set) < 2 {
			continue
		}
		for id := range set {
			if entry, ok := c.entries[id]; ok {
				groups[ipHash] = append(groups[ipHash], entry)
				groupIDs[ipHash] = append(groupIDs[ipHash], id)
			}
		}
	}
	c.mu.RUnlock()

	for ipHash, members := range groups {
		ids := groupIDs[ipHash]
		if len(members) < 2 {
			continue
		}
		if c.alreadyFamily(ids) {
			continue
		}
		reason, confidence, ok := c.assessGroup(members)
		if !ok || confidence < c.cfg.FamilyMinConfidence {
			continue
		}
		canonical := c.canonicalOf(members, ids)
		family := NewFamily(uuid.New().String(), canonical, ids, reason, confidence)
		// The sweeper may shrink Members once the family is published.
		memberCount := family.Size()
		c.RegisterFamily(family)
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"family_id":  family.ID,
				"members":    memberCount,
				"reason":     string(reason),
				"confidence": confidence,
			}).Info("signature family formed")
		}
	}
}

func (c *Coordinator) alreadyFamily(ids []string) bool {
	c.famMu.RLock()
	defer c.famMu.RUnlock()
	for _, id := range ids {
		if _, ok := c.bySignature[id]; ok {
			return true
		}
	}
	return false
}

func (c *Coordinator) assessGroup(members []*trackedSignature) (FamilyReason, float64, bool) {
	type snapshot struct {
		lastSeen time.Time
		behavior Behavior
	}
	snaps := make([]snapshot, 0, len(members))
	for _, m := range members {
		m.mu.Lock()
		snaps = append(snaps, snapshot{lastSeen: m.lastSeen, behavior: m.behavior})
		m.mu.Unlock()
	}

	// High-probability clustering: every member already looks like a bot.
	allHigh := true
	for _, s := range snaps {
		if s.behavior.RequestCount == 0 || s.behavior.AvgProbability < c.cfg.FamilyProbabilityFloor {
			allHigh = false
			break
		}
	}
	if allHigh {
		return ReasonProbabilityClustering, 0.9, true
	}

	// Temporal proximity: activity interleaved within the proximity window.
	var newest, oldest time.Time
	for i, s := range snaps {
		if i == 0 || s.lastSeen.After(newest) {
			newest = s.lastSeen
		}
		if i == 0 || s.lastSeen.Before(oldest) {
			oldest = s.lastSeen
		}
	}
	if newest.Sub(oldest) <= c.cfg.FamilyWindowProximity {
		return ReasonTemporalProximity, 0.7, true
	}

	// Behavioral similarity: close interval and entropy statistics.
	similar := true
	for i := 1; i < len(snaps); i++ {
		a, b := snaps[0].behavior, snaps[i].behavior
		if a.RequestCount < c.cfg.MinSampleCount || b.RequestCount < c.cfg.MinSampleCount {
			similar = false
			break
		}
		if math.Abs(a.IntervalCV-b.IntervalCV) > 0.1 || math.Abs(a.PathEntropy-b.PathEntropy) > 0.5 {
			similar = false
			break
		}
	}
	if similar {
		return ReasonBehavioralSimilarity, 0.6, true
	}
	return "", 0, false
}

func (c *Coordinator) canonicalOf(members []*trackedSignature, ids []string) string {
	canonical := ids[0]
	most := -1
	for i, m := range members {
		m.mu.Lock()
		n := len(m.window)
		m.mu.Unlock()
		if n > most {
			most = n
			canonical = ids[i]
		}
	}
	return canonical
}

// sweep removes signatures idle past the window TTL. Eviction also removes
// the signature from its family; a family left with one member collapses.
func (c *Coordinator) sweep() {
	cutoff := time.Now().Add(-c.cfg.WindowTTL)

	c.mu.Lock()
	var expired []string
	for id, entry := range c.entries {
		entry.mu.Lock()
		idle := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if idle {
			expired = append(expired, id)
			if entry.ipHash != "" {
				if set, ok := c.ipIndex[entry.ipHash]; ok {
					delete(set, id)
					if len(set) == 0 {
						delete(c.ipIndex, entry.ipHash)
					}
				}
			}
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.removeFromFamily(id)
	}
}

func (c *Coordinator) removeFromFamily(sigID string) {
	c.famMu.Lock()
	defer c.famMu.Unlock()
	famID, ok := c.bySignature[sigID]
	if !ok {
		return
	}
	delete(c.bySignature, sigID)
	family, ok := c.families[famID]
	if !ok {
		return
	}
	delete(family.Members, sigID)
	if family.Canonical == sigID {
		for member := range family.Members {
			family.Canonical = member
			break
		}
	}
	if family.Size() <= 1 {
		for member := range family.Members {
			delete(c.bySignature, member)
		}
		delete(c.families, famID)
	}
}

func (c *Coordinator) reportError(err error) {
	if c.logger != nil {
		c.logger.WithError(err).Error("signature coordinator update failed")
	}
	select {
	case c.errs <- err:
	default:
	}
}
