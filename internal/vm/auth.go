package vm

import (
	"github.com/construct-io/constructd/internal/errs"
	"github.com/construct-io/constructd/internal/event"
)

// auth applies the Matrix auth rules against the room's current state
// snapshot (phase 7): create must be first and from the creator,
// membership transitions respect join rules and power levels, and
// power-level changes must not let the sender exceed their own level.
// Third-party invites are not handled.
func (vm *VM) auth(e *event.Event) error {
	if e.Type == "m.room.create" {
		return vm.authCreate(e)
	}

	root, ok, err := vm.Rooms.StateRoot(e.RoomID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.AuthFail, "no create event for room")
	}

	createID, hasCreate, err := vm.Rooms.StateGet(root, "m.room.create", "")
	if err != nil {
		return err
	}
	if !hasCreate {
		return errs.New(errs.AuthFail, "room has no m.room.create event")
	}
	creator := vm.creatorOf(createID)

	powerLevels, havePL := vm.loadPowerLevels(root)
	if !havePL && creator != "" {
		// Until a power_levels event exists, the room creator holds level
		// 100 and everyone else the default 0.
		powerLevels.users[creator] = 100
	}

	switch e.Type {
	case "m.room.member":
		return vm.authMembership(e, root, powerLevels, creator)
	case "m.room.power_levels":
		return vm.authPowerLevels(e, powerLevels)
	default:
		return vm.authGeneric(e, powerLevels)
	}
}

// creatorOf returns the creator recorded in the room's m.room.create event,
// or "" if it cannot be read.
func (vm *VM) creatorOf(createEventID string) string {
	idx, ok, err := vm.Store.IdxForEventID(createEventID)
	if err != nil || !ok {
		return ""
	}
	ev, err := vm.Store.Fetch(idx)
	if err != nil {
		return ""
	}
	creator, _ := ev.Content["creator"].(string)
	return creator
}

// joinRuleOf returns the room's current join rule, defaulting to "invite"
// when no m.room.join_rules event exists.
func (vm *VM) joinRuleOf(root string) string {
	id, ok, err := vm.Rooms.StateGet(root, "m.room.join_rules", "")
	if err != nil || !ok {
		return "invite"
	}
	idx, ok, err := vm.Store.IdxForEventID(id)
	if err != nil || !ok {
		return "invite"
	}
	ev, err := vm.Store.Fetch(idx)
	if err != nil {
		return "invite"
	}
	if rule, ok := ev.Content["join_rule"].(string); ok && rule != "" {
		return rule
	}
	return "invite"
}

func (vm *VM) authCreate(e *event.Event) error {
	if e.Depth != 0 {
		return errs.New(errs.AuthFail, "create event must have depth 0")
	}
	if _, _, ok, err := vm.Rooms.Head(e.RoomID); err == nil && ok {
		return errs.New(errs.AuthFail, "create event must be the first in its room")
	}
	creator, _ := e.Content["creator"].(string)
	if creator == "" || creator != e.Sender {
		return errs.New(errs.AuthFail, "create event sender must be the creator")
	}
	return nil
}

type powerLevels struct {
	usersDefault  int64
	eventsDefault int64
	stateDefault  int64
	ban           int64
	kick          int64
	redact        int64
	invite        int64
	users         map[string]int64
	events        map[string]int64
}

func defaultPowerLevels() powerLevels {
	return powerLevels{
		usersDefault:  0,
		eventsDefault: 0,
		stateDefault:  50,
		ban:           50,
		kick:          50,
		redact:        50,
		invite:        0,
		users:         map[string]int64{},
		events:        map[string]int64{},
	}
}

func (vm *VM) loadPowerLevels(root string) (powerLevels, bool) {
	pl := defaultPowerLevels()
	id, ok, err := vm.Rooms.StateGet(root, "m.room.power_levels", "")
	if err != nil || !ok {
		return pl, false
	}
	idx, ok, err := vm.Store.IdxForEventID(id)
	if err != nil || !ok {
		return pl, false
	}
	ev, err := vm.Store.Fetch(idx)
	if err != nil {
		return pl, false
	}
	if v, ok := asInt(ev.Content["users_default"]); ok {
		pl.usersDefault = v
	}
	if v, ok := asInt(ev.Content["events_default"]); ok {
		pl.eventsDefault = v
	}
	if v, ok := asInt(ev.Content["state_default"]); ok {
		pl.stateDefault = v
	}
	if v, ok := asInt(ev.Content["ban"]); ok {
		pl.ban = v
	}
	if v, ok := asInt(ev.Content["kick"]); ok {
		pl.kick = v
	}
	if v, ok := asInt(ev.Content["redact"]); ok {
		pl.redact = v
	}
	if v, ok := asInt(ev.Content["invite"]); ok {
		pl.invite = v
	}
	if users, ok := ev.Content["users"].(map[string]any); ok {
		for k, v := range users {
			if n, ok := asInt(v); ok {
				pl.users[k] = n
			}
		}
	}
	if events, ok := ev.Content["events"].(map[string]any); ok {
		for k, v := range events {
			if n, ok := asInt(v); ok {
				pl.events[k] = n
			}
		}
	}
	return pl, true
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func (pl powerLevels) levelOf(userID string) int64 {
	if v, ok := pl.users[userID]; ok {
		return v
	}
	return pl.usersDefault
}

func (pl powerLevels) levelFor(eventType string) int64 {
	if v, ok := pl.events[eventType]; ok {
		return v
	}
	return pl.eventsDefault
}

func (vm *VM) authMembership(e *event.Event, root string, pl powerLevels, creator string) error {
	if !e.HasStateKey() {
		return errs.New(errs.AuthFail, "membership event without state_key")
	}
	target := *e.StateKey
	membership, _ := e.Content["membership"].(string)

	currentID, hasCurrent, err := vm.Rooms.StateGet(root, "m.room.member", target)
	if err != nil {
		return err
	}
	current := ""
	if hasCurrent {
		idx, ok, ferr := vm.Store.IdxForEventID(currentID)
		if ferr == nil && ok {
			if ev, ferr2 := vm.Store.Fetch(idx); ferr2 == nil {
				current, _ = ev.Content["membership"].(string)
			}
		}
	}

	senderLevel := pl.levelOf(e.Sender)

	switch membership {
	case "join":
		if target != e.Sender {
			return errs.New(errs.AuthFail, "join events must be sent by the joining user")
		}
		if current == "ban" {
			return errs.New(errs.AuthFail, "banned user cannot join")
		}
		if current == "join" || e.Sender == creator {
			break
		}
		if rule := vm.joinRuleOf(root); rule != "public" && current != "invite" {
			return errs.Newf(errs.AuthFail, "join rule %q requires an invite", rule)
		}
	case "invite":
		if senderLevel < pl.invite {
			return errs.New(errs.AuthFail, "sender lacks power to invite")
		}
		if current == "ban" || current == "join" {
			return errs.New(errs.AuthFail, "cannot invite a banned or joined user")
		}
	case "leave":
		if target == e.Sender {
			break // self-leave always allowed
		}
		if senderLevel < pl.kick {
			return errs.New(errs.AuthFail, "sender lacks power to kick")
		}
	case "ban":
		if senderLevel < pl.ban {
			return errs.New(errs.AuthFail, "sender lacks power to ban")
		}
	case "knock":
		if target != e.Sender {
			return errs.New(errs.AuthFail, "knock events must be sent by the knocking user")
		}
	default:
		return errs.Newf(errs.AuthFail, "unknown membership %q", membership)
	}

	return nil
}

func (vm *VM) authPowerLevels(e *event.Event, pl powerLevels) error {
	senderLevel := pl.levelOf(e.Sender)
	if senderLevel < pl.stateDefault {
		return errs.New(errs.AuthFail, "sender lacks power to change power levels")
	}
	for userID, v := range asUserLevels(e.Content["users"]) {
		if v > senderLevel {
			return errs.Newf(errs.AuthFail, "cannot grant %s a level above sender's own", userID)
		}
	}
	return nil
}

func asUserLevels(v any) map[string]int64 {
	out := map[string]int64{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		if n, ok := asInt(val); ok {
			out[k] = n
		}
	}
	return out
}

func (vm *VM) authGeneric(e *event.Event, pl powerLevels) error {
	senderLevel := pl.levelOf(e.Sender)
	required := pl.eventsDefault
	if e.HasStateKey() {
		required = pl.stateDefault
	}
	if lvl, ok := pl.events[e.Type]; ok {
		required = lvl
	}
	if senderLevel < required {
		return errs.Newf(errs.AuthFail, "sender lacks power to send %s", e.Type)
	}
	return nil
}
