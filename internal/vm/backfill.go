package vm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/waiter"
)

// Fetcher retrieves a missing ancestor event from a federation peer,
// backing Backfill's recursive ancestor walk. Implemented in production by
// internal/federation/client against /federation/v1/event and
// /federation/v1/backfill.
type Fetcher interface {
	FetchEvent(ctx context.Context, roomID, eventID string) (*event.Event, error)
}

// Backfiller drives the backfill/statefill procedure: given a
// (room_id, event_id), recursively fetch missing ancestors from peers and
// run FederationPhases (phases 1-8 except HASH and SIGN, which would
// clobber the origin's hash and signature) for each, deepest first, using a
// keyed waiter cache to
// deduplicate concurrent fetches of the same ancestor.
type Backfiller struct {
	VM      *VM
	Fetch   Fetcher
	pending *waiter.Cache[string, *event.Event]
}

// NewBackfiller creates a Backfiller over vm using fetch to retrieve
// ancestors from peers.
func NewBackfiller(vm *VM, fetch Fetcher) *Backfiller {
	return &Backfiller{VM: vm, Fetch: fetch, pending: waiter.New[string, *event.Event]()}
}

// Ancestor fetches and admits eventID (and recursively, anything it
// references that is still missing), deepest ancestor first, then admits
// eventID itself through FederationPhases. Concurrent calls for the same eventID
// collapse into a single outbound fetch via the waiter cache.
//
// Callers must invoke this only from the reactor goroutine that owns the
// Backfiller's waiter cache, per internal/waiter's single-threaded-turn
// contract.
func (b *Backfiller) Ancestor(ctx context.Context, roomID, eventID string) (*event.Event, error) {
	if _, ok, err := b.VM.Store.IdxForEventID(eventID); err == nil && ok {
		return b.VM.Store.FetchByEventID(eventID)
	}

	wait, started := b.pending.Await(eventID)
	if !started {
		return wait(ctx)
	}

	e, err := b.fetchAndAdmit(ctx, roomID, eventID)
	b.pending.Resolve(eventID, e, err)
	return e, err
}

func (b *Backfiller) fetchAndAdmit(ctx context.Context, roomID, eventID string) (*event.Event, error) {
	e, err := b.Fetch.FetchEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, errors.Wrapf(err, "vm: fetch ancestor %s", eventID)
	}

	for _, ref := range append(append([]event.PrevRef{}, e.PrevEvents...), e.AuthEvents...) {
		if ref.EventID == "" {
			continue
		}
		if _, err := b.Ancestor(ctx, roomID, ref.EventID); err != nil {
			return nil, errors.Wrapf(err, "vm: backfill ancestor %s", ref.EventID)
		}
	}

	result, err := b.VM.Run(ctx, e, Opts{Phases: FederationPhases})
	if err != nil {
		return nil, errors.Wrapf(err, "vm: admit backfilled event %s", eventID)
	}
	return result.Event, nil
}
