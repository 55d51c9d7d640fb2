// Package event implements the Matrix event tuple, its canonical-JSON
// projection, event id derivation, and the conformance pass.
package event

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// PrevRef is one entry in prev_events/prev_state/auth_events: an event id
// paired with the hashes that were current when it was referenced. On the
// wire it is the two-element array [event_id, hashes].
type PrevRef struct {
	EventID string
	Hashes  map[string]any
}

// MarshalJSON renders the [event_id, hashes] array form.
func (r PrevRef) MarshalJSON() ([]byte, error) {
	hashes := r.Hashes
	if hashes == nil {
		hashes = map[string]any{}
	}
	return json.Marshal([]any{r.EventID, hashes})
}

// UnmarshalJSON accepts the [event_id, hashes] array form, a bare string
// event id (newer room versions dropped the hashes element), or an object
// with an event_id member.
func (r *PrevRef) UnmarshalJSON(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err == nil {
		if len(arr) == 0 {
			return errors.New("event: empty prev reference")
		}
		if err := json.Unmarshal(arr[0], &r.EventID); err != nil {
			return errors.Wrap(err, "event: prev reference event id")
		}
		if len(arr) > 1 {
			_ = json.Unmarshal(arr[1], &r.Hashes)
		}
		return nil
	}
	if err := json.Unmarshal(b, &r.EventID); err == nil {
		return nil
	}
	var obj struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return errors.Wrap(err, "event: malformed prev reference")
	}
	r.EventID = obj.EventID
	return nil
}

// Unsigned carries read-path presentation fields that are never part of the
// hashed or signed form of an event (age, redacted_because, transaction_id,
// prev_content); every Matrix event reader expects this sub-object on
// responses.
type Unsigned struct {
	Age             int64          `json:"age,omitempty"`
	RedactedBecause map[string]any `json:"redacted_because,omitempty"`
	TransactionID   string         `json:"transaction_id,omitempty"`
	PrevContent     map[string]any `json:"prev_content,omitempty"`
}

// Event is the canonical Matrix event tuple.
type Event struct {
	EventID        string         `json:"event_id"`
	RoomID         string         `json:"room_id"`
	Sender         string         `json:"sender"`
	Origin         string         `json:"origin"`
	Type           string         `json:"type"`
	StateKey       *string        `json:"state_key,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Depth          int64          `json:"depth"`
	Content        map[string]any `json:"content"`
	Hashes         map[string]any `json:"hashes,omitempty"`
	Signatures     map[string]any `json:"signatures,omitempty"`
	AuthEvents     []PrevRef      `json:"auth_events"`
	PrevEvents     []PrevRef      `json:"prev_events"`
	PrevState      []PrevRef      `json:"prev_state"`
	Redacts        string         `json:"redacts,omitempty"`
	Unsigned       *Unsigned      `json:"unsigned,omitempty"`
}

// MaxSize is the default configured maximum serialized event size.
const MaxSize = 65536

// HasStateKey reports whether the event carries a state_key member at all
// (as opposed to it being absent), which distinguishes state events from
// timeline events even when state_key == "".
func (e *Event) HasStateKey() bool { return e.StateKey != nil }

// Host extracts the host suffix of a sigiled Matrix identifier
// ($event:host, !room:host, @user:host).
func Host(id string) string {
	i := strings.LastIndexByte(id, ':')
	if i < 0 {
		return ""
	}
	return id[i+1:]
}

// HasSigil reports whether id begins with the given sigil byte and contains
// a ':' host separator.
func HasSigil(id string, sigil byte) bool {
	return len(id) > 0 && id[0] == sigil && strings.IndexByte(id, ':') > 0
}

// ToGeneric renders the event as the map[string]any tree canonicaljson
// expects, applying the fixed-schema field defaults (typed empties: empty
// string/object, zero depth).
func (e *Event) ToGeneric() map[string]any {
	m := map[string]any{
		"room_id":          e.RoomID,
		"sender":           e.Sender,
		"origin":           e.Origin,
		"type":             e.Type,
		"origin_server_ts": e.OriginServerTS,
		"depth":            e.Depth,
		"content":          orEmptyObject(e.Content),
		"auth_events":      prevRefsToGeneric(e.AuthEvents),
		"prev_events":      prevRefsToGeneric(e.PrevEvents),
		"prev_state":       prevRefsToGeneric(e.PrevState),
	}
	if e.StateKey != nil {
		m["state_key"] = *e.StateKey
	}
	if e.Redacts != "" {
		m["redacts"] = e.Redacts
	}
	if len(e.Hashes) > 0 {
		m["hashes"] = e.Hashes
	}
	if len(e.Signatures) > 0 {
		m["signatures"] = e.Signatures
	}
	if e.EventID != "" {
		m["event_id"] = e.EventID
	}
	return m
}

func orEmptyObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func prevRefsToGeneric(refs []PrevRef) []any {
	out := make([]any, 0, len(refs))
	for _, r := range refs {
		out = append(out, []any{r.EventID, orEmptyObject(r.Hashes)})
	}
	return out
}

// WithoutEventID returns the generic tree used for event_id derivation: the
// event's canonical form without the event_id field itself and without
// signatures, which are attached after derivation. hashes stay in, so the id
// covers the content hash. Re-deriving on a committed (signed) event
// therefore reproduces the stored id.
func (e *Event) WithoutEventID() map[string]any {
	m := e.ToGeneric()
	delete(m, "event_id")
	delete(m, "signatures")
	return m
}

// WithoutHashesAndSignatures returns the generic tree used for hashing
// (hashes.sha256): E with hashes and signatures set to the empty object.
// event_id is always excluded, whether or not it has been derived yet,
// since derivation itself depends on the hash.
func (e *Event) WithoutHashesAndSignatures() map[string]any {
	m := e.ToGeneric()
	m["hashes"] = map[string]any{}
	m["signatures"] = map[string]any{}
	delete(m, "event_id")
	return m
}
