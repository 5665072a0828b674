// Package flags resolves the migration phase into the write/read switches the
// dual-write coordinator consults on every operation. The provider is read per
// operation, never cached by callers, so a phase change takes effect on the
// next write without restarting in-flight ones.
package flags

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Phase is the active step of the phased store migration.
type Phase string

const (
	// PhaseLegacyOnly writes and reads only the legacy store.
	PhaseLegacyOnly Phase = "legacy-only"
	// PhaseDualWrite writes both stores with all-or-nothing semantics.
	PhaseDualWrite Phase = "dual-write"
	// PhasePrimaryOnly writes and reads only the primary store.
	PhasePrimaryOnly Phase = "primary-only"
)

// ErrUnknownPhase is returned when a phase string does not name a known phase.
var ErrUnknownPhase = errors.New("unknown migration phase")

// ParsePhase validates and converts a phase string.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseLegacyOnly, PhaseDualWrite, PhasePrimaryOnly:
		return Phase(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
}

// Switches are the resolved boolean flags for one operation. ReadFromPrimary
// selects exactly one read source independent of the write targets, so reads
// are never dual-sourced during migration.
type Switches struct {
	WriteToLegacy   bool
	WriteToPrimary  bool
	EnableDualWrite bool
	ReadFromPrimary bool
}

// resolve maps a phase plus the read override to its switch set.
func resolve(p Phase, readFromPrimary bool) Switches {
	s := Switches{ReadFromPrimary: readFromPrimary}
	switch p {
	case PhaseDualWrite:
		s.WriteToLegacy = true
		s.WriteToPrimary = true
		s.EnableDualWrite = true
	case PhasePrimaryOnly:
		s.WriteToPrimary = true
	default:
		s.WriteToLegacy = true
	}
	return s
}

// Provider yields the current switch set. Implementations must be safe for
// concurrent use.
type Provider interface {
	Current() Switches
}

// state is the atomically swappable flag state.
type state struct {
	phase           Phase
	readFromPrimary bool
}

// Static is a Provider whose phase can be swapped at runtime. It replaces the
// process-wide flag singleton with an injectable value so tenants and tests
// can hold independent instances.
type Static struct {
	v atomic.Value // state
}

// NewStatic creates a provider fixed at the given phase and read source.
func NewStatic(p Phase, readFromPrimary bool) *Static {
	s := &Static{}
	s.v.Store(state{phase: p, readFromPrimary: readFromPrimary})
	return s
}

// Current returns the switch set for the phase at the time of the call.
func (s *Static) Current() Switches {
	st := s.v.Load().(state)
	return resolve(st.phase, st.readFromPrimary)
}

// SetPhase advances the provider to a new phase.
func (s *Static) SetPhase(p Phase) {
	st := s.v.Load().(state)
	st.phase = p
	s.v.Store(st)
}

// SetReadFromPrimary flips the read source.
func (s *Static) SetReadFromPrimary(read bool) {
	st := s.v.Load().(state)
	st.readFromPrimary = read
	s.v.Store(st)
}

// Phase returns the currently configured phase.
func (s *Static) Phase() Phase {
	return s.v.Load().(state).phase
}
