package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/scottgal/stylobot-sub006/pkg/types"
)

// Policy names the detector allow-lists for each tier and the knobs the
// wave scheduler honors while running under it.
type Policy struct {
	Name string

	FastDetectors []string
	SlowDetectors []string
	AIDetectors   []string

	// BypassTriggerConditions makes every not-yet-ran detector eligible each
	// wave regardless of its trigger predicates.
	BypassTriggerConditions bool

	// PipelineTimeout overrides the engine default when positive.
	PipelineTimeout time.Duration
}

// AllowedDetectors returns the fast+slow allow-list as a set. AI detectors
// only run through an escalation sub-wave.
func (p *Policy) AllowedDetectors() map[string]struct{} {
	out := make(map[string]struct{}, len(p.FastDetectors)+len(p.SlowDetectors))
	for _, name := range p.FastDetectors {
		out[name] = struct{}{}
	}
	for _, name := range p.SlowDetectors {
		out[name] = struct{}{}
	}
	return out
}

// Snapshot is the ledger state view handed to the evaluator between waves.
type Snapshot struct {
	Wave               int
	Probability        float64
	Confidence         float64
	EarlyExit          types.EarlyExitVerdict
	AIRan              bool
	CompletedDetectors int
	FailedDetectors    int
}

// Decision is the evaluator's answer: continue, fire a terminal action,
// escalate to the AI tier, or switch to another named policy.
type Decision struct {
	ShouldContinue   bool
	Action           types.PolicyAction
	ActionPolicyName string
	NextPolicyName   string
	EscalateAI       bool
	Reason           string
}

// Evaluator is consulted between waves; implementations are externally
// supplied and must be safe for concurrent use across requests.
type Evaluator interface {
	Evaluate(p *Policy, s Snapshot) Decision
}

// Registry holds the named policies an evaluator may switch between.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]*Policy)}
}

func (r *Registry) Register(p *Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.policies[p.Name]; exists {
		return fmt.Errorf("policy %s already registered", p.Name)
	}
	r.policies[p.Name] = p
	return nil
}

func (r *Registry) Get(name string) (*Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	return p, ok
}
