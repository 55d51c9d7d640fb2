package vm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/event"
)

// localOpts is the pipeline configuration every locally originated event
// runs under: the full pipeline, with VERIFY short-circuited because the
// event was signed by this process one phase earlier.
func localOpts() Opts {
	return Opts{Phases: AllPhases, LocallyMade: true}
}

// Send constructs, evaluates, and commits one locally originated event:
// the room head, depth, timestamps, hash, and signature are all filled by
// the pipeline's ACCESS/HASH/SIGN phases. stateKey is nil for timeline
// events and non-nil (possibly pointing at "") for state events.
func (vm *VM) Send(ctx context.Context, roomID, sender, eventType string, stateKey *string, content map[string]any) (*Result, error) {
	e := &event.Event{
		RoomID:   roomID,
		Sender:   sender,
		Origin:   vm.LocalHost,
		Type:     eventType,
		StateKey: stateKey,
		Content:  content,
	}
	res, err := vm.Run(ctx, e, localOpts())
	if err != nil {
		return nil, errors.Wrapf(err, "vm: send %s to %s", eventType, roomID)
	}
	return res, nil
}

// Message sends an m.room.message text event and returns its event id.
func (vm *VM) Message(ctx context.Context, roomID, sender, body string) (string, error) {
	res, err := vm.Send(ctx, roomID, sender, "m.room.message", nil, map[string]any{
		"msgtype": "m.text",
		"body":    body,
	})
	if err != nil {
		return "", err
	}
	return res.Event.EventID, nil
}

// CreateRoom bootstraps a room: m.room.create, the creator's
// m.room.member join, m.room.power_levels granting the creator level 100,
// and m.room.join_rules set to invite, committed in that order.
func (vm *VM) CreateRoom(ctx context.Context, roomID, creator string) ([]*Result, error) {
	empty := ""
	results := make([]*Result, 0, 4)

	res, err := vm.Send(ctx, roomID, creator, "m.room.create", &empty, map[string]any{
		"creator": creator,
	})
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	creatorKey := creator
	res, err = vm.Send(ctx, roomID, creator, "m.room.member", &creatorKey, map[string]any{
		"membership": "join",
	})
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	res, err = vm.Send(ctx, roomID, creator, "m.room.power_levels", &empty, map[string]any{
		"users":          map[string]any{creator: 100},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
	})
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	res, err = vm.Send(ctx, roomID, creator, "m.room.join_rules", &empty, map[string]any{
		"join_rule": "invite",
	})
	if err != nil {
		return nil, err
	}
	results = append(results, res)

	return results, nil
}

// Invite sends an m.room.member invite for target on sender's behalf.
func (vm *VM) Invite(ctx context.Context, roomID, sender, target string) (*Result, error) {
	targetKey := target
	return vm.Send(ctx, roomID, sender, "m.room.member", &targetKey, map[string]any{
		"membership": "invite",
	})
}

// Redact sends an m.room.redaction for targetEventID.
func (vm *VM) Redact(ctx context.Context, roomID, sender, targetEventID string) (*Result, error) {
	e := &event.Event{
		RoomID:  roomID,
		Sender:  sender,
		Origin:  vm.LocalHost,
		Type:    "m.room.redaction",
		Redacts: targetEventID,
		Content: map[string]any{},
	}
	res, err := vm.Run(ctx, e, localOpts())
	if err != nil {
		return nil, errors.Wrapf(err, "vm: redact %s in %s", targetEventID, roomID)
	}
	return res, nil
}
