package models

import "strings"

// ParticipantKind is the closed set of participant classes.
type ParticipantKind int

const (
	KindHuman ParticipantKind = iota
	KindAgent
	KindSystem
)

func (k ParticipantKind) String() string {
	switch k {
	case KindAgent:
		return "agent"
	case KindSystem:
		return "system"
	default:
		return "human"
	}
}

// SystemName is the sender name used for server-generated messages.
const SystemName = "system"

// Participant is a resolved message author. It is resolved once at the
// HTTP/WS boundary and carried as a value from then on.
type Participant struct {
	Kind ParticipantKind
	Name string
}

// Human returns a human participant.
func Human(name string) Participant { return Participant{Kind: KindHuman, Name: name} }

// Agent returns an agent participant.
func Agent(name string) Participant { return Participant{Kind: KindAgent, Name: name} }

// System returns the system participant.
func System() Participant { return Participant{Kind: KindSystem, Name: SystemName} }

// IsAgent reports whether the participant counts toward agent turns.
func (p Participant) IsAgent() bool { return p.Kind == KindAgent }

// Roster is the set of names recognized as agent identities.
type Roster struct {
	names []string
	set   map[string]struct{}
}

// NewRoster builds a roster from agent names, ignoring blanks and duplicates.
func NewRoster(names ...string) *Roster {
	r := &Roster{set: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := r.set[n]; ok {
			continue
		}
		r.set[n] = struct{}{}
		r.names = append(r.names, n)
	}
	return r
}

// Names returns agent names in configuration order.
func (r *Roster) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// IsAgent reports whether name is a known agent identity.
func (r *Roster) IsAgent(name string) bool {
	_, ok := r.set[name]
	return ok
}

// Classify resolves a raw sender name read from persisted or polled data.
func (r *Roster) Classify(name string) Participant {
	switch {
	case r.IsAgent(name):
		return Agent(name)
	case name == SystemName:
		return System()
	default:
		return Human(name)
	}
}
