package types

// SignalKind discriminates the value stored in a Signal.
type SignalKind int

const (
	SignalString SignalKind = iota
	SignalNumber
	SignalBool
)

// Signal is a closed union of the value kinds a detector may publish.
// Detectors are plugins, so the key space stays open, but values are typed
// to avoid dynamic casts at every read site.
type Signal struct {
	Kind SignalKind
	Str  string
	Num  float64
	Bool bool
}

func StringSignal(v string) Signal  { return Signal{Kind: SignalString, Str: v} }
func NumberSignal(v float64) Signal { return Signal{Kind: SignalNumber, Num: v} }
func BoolSignal(v bool) Signal      { return Signal{Kind: SignalBool, Bool: v} }

// SignalMap is the shared per-request signal store. Merging is
// last-writer-wins; detectors in the same wave must treat reads as
// potentially stale.
type SignalMap map[string]Signal

func (m SignalMap) Merge(other SignalMap) {
	for k, v := range other {
		m[k] = v
	}
}

func (m SignalMap) Has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m SignalMap) GetString(key string) (string, bool) {
	s, ok := m[key]
	if !ok || s.Kind != SignalString {
		return "", false
	}
	return s.Str, true
}

func (m SignalMap) GetNumber(key string) (float64, bool) {
	s, ok := m[key]
	if !ok || s.Kind != SignalNumber {
		return 0, false
	}
	return s.Num, true
}

func (m SignalMap) GetBool(key string) (bool, bool) {
	s, ok := m[key]
	if !ok || s.Kind != SignalBool {
		return false, false
	}
	return s.Bool, true
}

// Clone returns an independent copy, used when handing signal snapshots to
// long-lived consumers such as the signature coordinator.
func (m SignalMap) Clone() SignalMap {
	out := make(SignalMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
