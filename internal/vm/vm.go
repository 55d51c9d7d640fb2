// Package vm implements the nine-phase event evaluation pipeline: CONFORM,
// DUP, ACCESS, HASH, SIGN, VERIFY, AUTH, WRITE, FANOUT. Every event that
// enters the system, whether locally constructed or received from a
// federation peer, flows through this pipeline on its way into
// internal/eventdb and internal/statetree. Phase 7 (AUTH) applies the
// Matrix room auth rules: create provenance, membership transitions, and
// power-level gating.
package vm

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"

	"github.com/construct-io/constructd/internal/errs"
	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/eventdb"
	"github.com/construct-io/constructd/internal/sigs"
)

// Phase identifies one of the nine pipeline stages. An evaluation runs
// under a mask of phases so individual stages can be selectively skipped.
type Phase uint32

const (
	PhaseConform Phase = 1 << iota
	PhaseDup
	PhaseAccess
	PhaseHash
	PhaseSign
	PhaseVerify
	PhaseAuth
	PhaseWrite
	PhaseFanout
)

// AllPhases runs the complete admission pipeline.
const AllPhases = PhaseConform | PhaseDup | PhaseAccess | PhaseHash | PhaseSign |
	PhaseVerify | PhaseAuth | PhaseWrite | PhaseFanout

// FederationPhases admits an event received from a peer: it arrives fully
// hashed and signed, so HASH and SIGN must not run (they would clobber the
// origin's hash and break its signature), and FANOUT never fires for a
// foreign origin anyway.
const FederationPhases = AllPhases &^ (PhaseHash | PhaseSign | PhaseFanout)

// localExcusal is the conformance codes a locally constructed event cannot
// yet satisfy when CONFORM runs, because the fields they check are filled by
// the later ACCESS/HASH/SIGN phases.
const localExcusal = event.Set(event.InvalidOrMissingEventID) |
	event.Set(event.MissingSignatures) |
	event.Set(event.MissingOriginSignature) |
	event.Set(event.MissingPrevEvents) |
	event.Set(event.MissingPrevState) |
	event.Set(event.DepthZero)

// KeyFetcher resolves a federation peer's signing key for VERIFY, backed in
// production by internal/federation/client's server-key cache.
type KeyFetcher interface {
	ServerKey(ctx context.Context, origin, keyID string) (ed25519.PublicKey, error)
}

// Fanout sends a newly written, locally originated event onward to every
// peer in the room's origins set (FANOUT), backed in production by
// internal/federation/client.
type Fanout interface {
	SendToOrigins(ctx context.Context, roomID string, e *event.Event) error
}

// RoomView answers the questions ACCESS and AUTH need about a room's
// current state: its head, current state root, and a way to resolve a state
// key against that root.
type RoomView interface {
	Head(roomID string) (idx eventdb.EventIdx, depth int64, ok bool, err error)
	HeadEventID(roomID string) (eventID string, ok bool, err error)
	StateRoot(roomID string) (root string, ok bool, err error)
	StateGet(root string, eventType, stateKey string) (eventID string, ok bool, err error)
	Origins(roomID string) ([]string, error)
}

// VM is the event evaluator.
type VM struct {
	Store      *eventdb.Store
	Rooms      RoomView
	Keys       KeyFetcher
	Fanout     Fanout
	LocalHost  string
	SigningKey *sigs.KeyPair
}

// Opts controls one run of the pipeline.
type Opts struct {
	Phases      Phase
	NonConform  event.Set // codes excused from CONFORM's fatal check
	ReEval      bool      // skip DUP's existence check when re-evaluating
	LocallyMade bool      // skip VERIFY for events just signed locally
}

// Result carries the pipeline's outcome.
type Result struct {
	Event     *event.Event
	EventIdx  eventdb.EventIdx
	StateRoot string
}

func (o Opts) has(p Phase) bool { return o.Phases&p != 0 }

// Run evaluates e through the phases selected in opts, in order, returning
// as soon as a phase fails.
func (vm *VM) Run(ctx context.Context, e *event.Event, opts Opts) (*Result, error) {
	if opts.Phases == 0 {
		opts.Phases = AllPhases
	}

	if opts.has(PhaseConform) {
		if err := vm.conform(e, opts); err != nil {
			return nil, err
		}
	}
	if opts.has(PhaseDup) {
		if err := vm.dup(e, opts); err != nil {
			return nil, err
		}
	}
	if opts.has(PhaseAccess) {
		if err := vm.access(e); err != nil {
			return nil, err
		}
	}
	if opts.has(PhaseHash) {
		if err := vm.hash(e); err != nil {
			return nil, err
		}
	}
	if opts.has(PhaseSign) {
		if err := vm.sign(e); err != nil {
			return nil, err
		}
	}
	if opts.has(PhaseVerify) && !opts.LocallyMade {
		if err := vm.verify(ctx, e); err != nil {
			if errs.Is(err, errs.Inauthentic) {
				vm.markBad(e)
			}
			return nil, err
		}
	}
	if opts.has(PhaseAuth) {
		if err := vm.auth(e); err != nil {
			return nil, err
		}
	}

	result := &Result{Event: e}
	if opts.has(PhaseWrite) {
		idx, root, err := vm.write(e)
		if err != nil {
			return nil, err
		}
		result.EventIdx = idx
		result.StateRoot = root
	}
	if opts.has(PhaseFanout) {
		if err := vm.fanout(ctx, e); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// conform runs phase 1: the conformance pass, with opts.NonConform
// excusing specified failure codes before the remaining set is checked for
// emptiness.
func (vm *VM) conform(e *event.Event, opts Opts) error {
	excuse := opts.NonConform
	if opts.LocallyMade {
		excuse |= localExcusal
	}
	failures := event.Conform(e).Without(excuse)
	if !failures.Empty() {
		return errs.Newf(errs.Conform, "event failed conformance checks: %#x", uint64(failures))
	}
	return nil
}

// ErrDup is the DUP outcome of phase 2: the event_id already exists in the
// idx column and re_eval was not set. Not a rejection; callers treat it as
// an idempotent no-op.
var ErrDup = errs.New(errs.Conform, "event already exists")

// IsDup reports whether err is the DUP outcome.
func IsDup(err error) bool { return errors.Is(err, ErrDup) }

// dup rejects an event_id already present in the idx column unless re_eval
// is set (phase 2).
func (vm *VM) dup(e *event.Event, opts Opts) error {
	if opts.ReEval {
		return nil
	}
	_, ok, err := vm.Store.IdxForEventID(e.EventID)
	if err != nil {
		return errors.Wrap(err, "vm: dup check")
	}
	if ok {
		return errors.Wrapf(ErrDup, "event %s", e.EventID)
	}
	return nil
}

// access loads the room's current head/state and fills in prev_events,
// prev_state, auth_events, origin_server_ts, and depth when the caller has
// not already set them (phase 3).
func (vm *VM) access(e *event.Event) error {
	_, headDepth, ok, err := vm.Rooms.Head(e.RoomID)
	if err != nil {
		return errors.Wrap(err, "vm: access head lookup")
	}

	if len(e.PrevEvents) == 0 && ok {
		headID, _, herr := vm.Rooms.HeadEventID(e.RoomID)
		if herr != nil {
			return errors.Wrap(herr, "vm: access head event id")
		}
		if headID != "" {
			e.PrevEvents = []event.PrevRef{{EventID: headID}}
		}
	}
	if e.Depth == 0 && ok {
		e.Depth = headDepth + 1
	}
	if e.OriginServerTS == 0 {
		e.OriginServerTS = time.Now().UnixMilli()
	}
	if len(e.AuthEvents) == 0 || (e.HasStateKey() && len(e.PrevState) == 0) {
		root, hasRoot, rerr := vm.Rooms.StateRoot(e.RoomID)
		if rerr != nil {
			return errors.Wrap(rerr, "vm: access state root")
		}
		if hasRoot {
			if len(e.AuthEvents) == 0 {
				e.AuthEvents = authEventRefs(vm.Rooms, root, e.Sender)
			}
			// A state event references the entry it replaces, if any.
			if e.HasStateKey() && len(e.PrevState) == 0 && e.Type != "m.room.create" {
				if id, found, serr := vm.Rooms.StateGet(root, e.Type, *e.StateKey); serr == nil && found {
					e.PrevState = []event.PrevRef{{EventID: id}}
				} else if len(e.PrevEvents) > 0 {
					e.PrevState = append([]event.PrevRef(nil), e.PrevEvents...)
				}
			}
		}
	}
	return nil
}

// authEventRefs collects the create/power_levels/join_rules/member(sender)
// events that Matrix auth rules require as auth_events.
func authEventRefs(rooms RoomView, root, sender string) []event.PrevRef {
	var refs []event.PrevRef
	for _, t := range []string{"m.room.create", "m.room.power_levels", "m.room.join_rules"} {
		if id, ok, err := rooms.StateGet(root, t, ""); err == nil && ok {
			refs = append(refs, event.PrevRef{EventID: id})
		}
	}
	if id, ok, err := rooms.StateGet(root, "m.room.member", sender); err == nil && ok {
		refs = append(refs, event.PrevRef{EventID: id})
	}
	return refs
}

// hash computes and assigns hashes.sha256 (phase 4).
func (vm *VM) hash(e *event.Event) error {
	digest, err := event.ComputeHash(e)
	if err != nil {
		return errors.Wrap(err, "vm: compute hash")
	}
	if e.Hashes == nil {
		e.Hashes = map[string]any{}
	}
	e.Hashes["sha256"] = digest
	if e.EventID == "" {
		id, err := event.DeriveEventID(e)
		if err != nil {
			return errors.Wrap(err, "vm: derive event id")
		}
		e.EventID = id
	}
	return nil
}

// sign signs the event with the local server's key (phase 5).
func (vm *VM) sign(e *event.Event) error {
	if vm.SigningKey == nil {
		return nil
	}
	if err := event.Sign(e, vm.LocalHost, vm.SigningKey); err != nil {
		return errors.Wrap(err, "vm: sign event")
	}
	return nil
}

// verify checks every (host, keyid) signature present on the event,
// fetching public keys via vm.Keys (phase 6).
func (vm *VM) verify(ctx context.Context, e *event.Event) error {
	for host, raw := range e.Signatures {
		sigsByKey, ok := raw.(map[string]any)
		if !ok {
			return errs.Newf(errs.Conform, "signatures entry for %s is not an object", host)
		}
		for keyID := range sigsByKey {
			pub, err := vm.Keys.ServerKey(ctx, host, keyID)
			if err != nil {
				return errs.Wrap(errs.Inauthentic, err, "vm: fetch server key")
			}
			ok, err := event.VerifySignature(e, host, keyID, pub)
			if err != nil {
				return errs.Wrap(errs.Inauthentic, err, "vm: verify signature")
			}
			if !ok {
				return errs.Newf(errs.Inauthentic, "signature from %s/%s does not verify", host, keyID)
			}
		}
	}
	ok, err := event.VerifyHash(e)
	if err != nil {
		return errs.Wrap(errs.Inauthentic, err, "vm: verify hash")
	}
	if !ok {
		return errs.New(errs.Inauthentic, "content hash mismatch")
	}
	return nil
}

// rootTracker is satisfied by room views (DefaultRoomView among them) that
// keep a process-local current-root pointer the WRITE phase must advance.
type rootTracker interface {
	SetStateRoot(roomID, root string)
}

// write stages the event into the event store and, if it carries a
// state_key, the new state tree root, then commits (phase 8). On commit
// success the new head and state root become visible atomically.
func (vm *VM) write(e *event.Event) (eventdb.EventIdx, string, error) {
	root, _, err := vm.Rooms.StateRoot(e.RoomID)
	if err != nil {
		return 0, "", errors.Wrap(err, "vm: write state root lookup")
	}
	idx, newRoot, batch, err := vm.Store.Write(e, eventdb.WriteOpts{StateRoot: root})
	if err != nil {
		return 0, "", errors.Wrap(err, "vm: stage write")
	}
	if err := batch.Commit(); err != nil {
		return 0, "", errs.Wrap(errs.Internal, err, "vm: commit write")
	}
	if newRoot != "" {
		if tracker, ok := vm.Rooms.(rootTracker); ok {
			tracker.SetStateRoot(e.RoomID, newRoot)
		}
	}
	return idx, newRoot, nil
}

// markBad records an event that failed VERIFY in the event_bad column. The
// marker consumes a fresh event_idx so the offending evaluation is visible
// in the system-wide commit order even though no columns were written.
func (vm *VM) markBad(e *event.Event) {
	if e.EventID == "" {
		return
	}
	_ = vm.Store.MarkBadNow(e.EventID)
}

// fanout enqueues a send-transaction to every peer in the room's origins set
// for locally originated events (phase 9).
func (vm *VM) fanout(ctx context.Context, e *event.Event) error {
	if vm.Fanout == nil || e.Origin != vm.LocalHost {
		return nil
	}
	if err := vm.Fanout.SendToOrigins(ctx, e.RoomID, e); err != nil {
		return errs.Wrap(errs.Network, err, "vm: fanout")
	}
	return nil
}
