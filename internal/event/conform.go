package event

import (
	"github.com/construct-io/constructd/internal/rfc1035"
)

// Code is one bit in the closed conformance-failure enumeration.
type Code uint64

const (
	InvalidOrMissingEventID Code = 1 << iota
	InvalidOrMissingRoomID
	InvalidOrMissingSenderID
	InvalidOrMissingRedactsID
	MissingType
	MissingOrigin
	MissingMembership
	InvalidMembership
	MissingContentMembership
	InvalidContentMembership
	MissingPrevEvents
	MissingPrevState
	DepthNegative
	DepthZero
	MissingSignatures
	MissingOriginSignature
	MismatchOriginSender
	MismatchOriginEventID
	SelfRedacts
	SelfPrevEvent
	SelfPrevState
	DupPrevEvent
	DupPrevState
	// InvalidOrigin flags an origin that does not parse as a valid RFC
	// 1035 DNS name.
	InvalidOrigin
	// MissingStateKey flags a known state-event type whose state_key member
	// is entirely absent (not merely empty-string); the state tree requires
	// a well-formed (type, state_key) key for every state event.
	MissingStateKey
	// InvalidSignaturesType names a signatures field present but not a
	// JSON object. Conform never sets it: Event.Signatures is a map, so a
	// non-object value is rejected when the event is decoded.
	InvalidSignaturesType
)

// Set is a bitset of Codes.
type Set uint64

// Has reports whether c is set.
func (s Set) Has(c Code) bool { return Set(c)&s != 0 }

// Add returns s with c set.
func (s Set) Add(c Code) Set { return s | Set(c) }

// Without returns s with the bits in excuse cleared, the VM's non_conform
// excusal mask.
func (s Set) Without(excuse Set) Set { return s &^ excuse }

// Empty reports whether no codes are set.
func (s Set) Empty() bool { return s == 0 }

// Conform runs the conformance pass and returns the bitset of failures
// observed.
func Conform(e *Event) Set {
	var s Set

	if !HasSigil(e.EventID, '$') {
		s = s.Add(InvalidOrMissingEventID)
	}
	if !HasSigil(e.RoomID, '!') {
		s = s.Add(InvalidOrMissingRoomID)
	}
	if !HasSigil(e.Sender, '@') {
		s = s.Add(InvalidOrMissingSenderID)
	}
	if e.Type == "" {
		s = s.Add(MissingType)
	}
	if e.Origin == "" {
		s = s.Add(MissingOrigin)
	} else if !rfc1035.IsValidName(e.Origin) {
		s = s.Add(InvalidOrigin)
	}

	if HasSigil(e.EventID, '$') && e.Origin != "" && Host(e.EventID) != e.Origin {
		s = s.Add(MismatchOriginEventID)
	}
	if HasSigil(e.Sender, '@') && e.Origin != "" && Host(e.Sender) != e.Origin {
		s = s.Add(MismatchOriginSender)
	}

	isCreate := e.Type == "m.room.create"
	if e.Depth < 0 {
		s = s.Add(DepthNegative)
	}
	if !isCreate {
		if e.Depth == 0 {
			s = s.Add(DepthZero)
		}
		if len(e.PrevEvents) == 0 {
			s = s.Add(MissingPrevEvents)
		}
	}

	if dupOrSelfPrev(e.EventID, e.PrevEvents) {
		s |= selfAndDup(e.EventID, e.PrevEvents, SelfPrevEvent, DupPrevEvent)
	}
	if len(e.PrevState) > 0 {
		s |= selfAndDup(e.EventID, e.PrevState, SelfPrevState, DupPrevState)
	} else if e.HasStateKey() && !isCreate {
		s = s.Add(MissingPrevState)
	}

	if len(e.Signatures) == 0 {
		s = s.Add(MissingSignatures)
	} else if _, ok := e.Signatures[e.Origin]; e.Origin != "" && !ok {
		s = s.Add(MissingOriginSignature)
	}

	switch e.Type {
	case "m.room.member":
		if !e.HasStateKey() {
			s = s.Add(MissingStateKey)
		}
		membership, ok := membershipOf(e)
		if !ok {
			s = s.Add(MissingMembership)
		} else if !validMembership(membership) {
			s = s.Add(InvalidMembership)
		}
	case "m.room.redaction":
		if !HasSigil(e.Redacts, '$') {
			s = s.Add(InvalidOrMissingRedactsID)
		} else if e.Redacts == e.EventID {
			s = s.Add(SelfRedacts)
		}
	case "m.room.create", "m.room.join_rules", "m.room.power_levels",
		"m.room.history_visibility", "m.room.aliases":
		if !e.HasStateKey() {
			s = s.Add(MissingStateKey)
		}
	}

	return s
}

func membershipOf(e *Event) (string, bool) {
	if e.StateKey != nil {
		if m, ok := e.Content["membership"].(string); ok && m != "" {
			return m, true
		}
	}
	if m, ok := e.Content["membership"].(string); ok && m != "" {
		return m, true
	}
	return "", false
}

func validMembership(m string) bool {
	switch m {
	case "join", "leave", "invite", "ban", "knock":
		return true
	default:
		return false
	}
}

func dupOrSelfPrev(_ string, refs []PrevRef) bool { return len(refs) > 0 }

func selfAndDup(eventID string, refs []PrevRef, selfCode, dupCode Code) Set {
	var s Set
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		if r.EventID == eventID {
			s = s.Add(selfCode)
		}
		if seen[r.EventID] {
			s = s.Add(dupCode)
		}
		seen[r.EventID] = true
	}
	return s
}

// essentialFields maps each state event type to the content keys that
// survive redaction.
var essentialFields = map[string][]string{
	"m.room.create":             {"creator"},
	"m.room.member":             {"membership"},
	"m.room.join_rules":         {"join_rule"},
	"m.room.history_visibility": {"history_visibility"},
	"m.room.aliases":            {"aliases"},
}

var powerLevelsEssential = []string{
	"ban", "events", "events_default", "kick", "redact",
	"state_default", "users", "users_default",
}

// Essential returns essential(E): E with content narrowed to the
// type-specific subset that survives redaction.
func Essential(e *Event) *Event {
	clone := *e
	clone.Content = essentialContent(e.Type, e.Content)
	return &clone
}

func essentialContent(eventType string, content map[string]any) map[string]any {
	out := map[string]any{}
	var keep []string
	switch eventType {
	case "m.room.power_levels":
		keep = powerLevelsEssential
	default:
		keep = essentialFields[eventType]
	}
	for _, k := range keep {
		if v, ok := content[k]; ok {
			out[k] = v
		}
	}
	return out
}
