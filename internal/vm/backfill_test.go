package vm_test

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/construct-io/constructd/internal/event"
	"github.com/construct-io/constructd/internal/vm"
	"github.com/construct-io/constructd/internal/vm/mocks"
)

func TestAncestorReturnsLocalEventWithoutFetching(t *testing.T) {
	v, rooms := newTestVM(t)
	ctx := context.Background()
	sk := ""

	create := &event.Event{
		RoomID: "!abc:example.org", Sender: "@alice:example.org", Origin: "example.org",
		Type: "m.room.create", StateKey: &sk, Content: map[string]any{"creator": "@alice:example.org"},
	}
	res, err := v.Run(ctx, create, vm.Opts{Phases: vm.AllPhases &^ vm.PhaseFanout, LocallyMade: true})
	require.NoError(t, err)
	rooms.SetStateRoot(create.RoomID, res.StateRoot)

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	fetcher := mocks.NewMockFetcher(ctrl) // EXPECT()ing nothing: a fetch here is a test failure

	bf := vm.NewBackfiller(v, fetcher)
	got, err := bf.Ancestor(ctx, create.RoomID, res.Event.EventID)
	require.NoError(t, err)
	assert.Equal(t, res.Event.EventID, got.EventID)
}

func TestAncestorFetchesAndAdmitsMissingEvent(t *testing.T) {
	v, _ := newTestVM(t)
	ctx := context.Background()
	sk := ""

	roomID := "!remote:example.org"
	missing := signedRemoteEvent(t, v.SigningKey, &event.Event{
		RoomID: roomID, Sender: "@alice:example.org", Origin: "example.org",
		Type: "m.room.create", StateKey: &sk, Content: map[string]any{"creator": "@alice:example.org"},
	})
	ancestorID := missing.EventID

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().
		FetchEvent(gomock.Any(), roomID, ancestorID).
		Return(missing, nil)

	bf := vm.NewBackfiller(v, fetcher)
	got, err := bf.Ancestor(ctx, roomID, ancestorID)
	require.NoError(t, err)
	assert.Equal(t, ancestorID, got.EventID)

	_, ok, err := v.Store.IdxForEventID(got.EventID)
	require.NoError(t, err)
	assert.True(t, ok)
}

// A second Ancestor call for an event already admitted by the first call
// must hit the store fast path rather than issuing a second fetch; Ancestor
// itself is only ever called from the single reactor goroutine that owns
// the Backfiller's waiter cache, so this is exercised sequentially rather
// than from concurrent goroutines.
func TestAncestorSecondCallHitsStoreNotFetcher(t *testing.T) {
	v, _ := newTestVM(t)
	ctx := context.Background()
	sk := ""

	roomID := "!remote:example.org"
	missing := signedRemoteEvent(t, v.SigningKey, &event.Event{
		RoomID: roomID, Sender: "@alice:example.org", Origin: "example.org",
		Type: "m.room.create", StateKey: &sk, Content: map[string]any{"creator": "@alice:example.org"},
	})
	ancestorID := missing.EventID

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().
		FetchEvent(gomock.Any(), roomID, ancestorID).
		Return(missing, nil).
		Times(1)

	bf := vm.NewBackfiller(v, fetcher)
	first, err := bf.Ancestor(ctx, roomID, ancestorID)
	require.NoError(t, err)

	second, err := bf.Ancestor(ctx, roomID, ancestorID)
	require.NoError(t, err)
	assert.Equal(t, first.EventID, second.EventID)
}

// TestBackfillConvergesOnMissingAncestors checks that admitting an
// event whose ancestry is entirely unknown fetches and commits each missing
// ancestor exactly once, deepest first, and the head lands on the requested
// event.
func TestBackfillConvergesOnMissingAncestors(t *testing.T) {
	v, _ := newTestVM(t)
	ctx := context.Background()
	sk := ""
	roomID := "!remote:example.org"
	aliceKey := "@alice:example.org"

	create := signedRemoteEvent(t, v.SigningKey, &event.Event{
		RoomID: roomID, Sender: "@alice:example.org", Origin: "example.org",
		Type: "m.room.create", StateKey: &sk, Content: map[string]any{"creator": "@alice:example.org"},
	})
	join := signedRemoteEvent(t, v.SigningKey, &event.Event{
		RoomID: roomID, Sender: "@alice:example.org", Origin: "example.org",
		Type: "m.room.member", StateKey: &aliceKey, Depth: 1,
		Content:    map[string]any{"membership": "join"},
		PrevEvents: []event.PrevRef{{EventID: create.EventID}},
		PrevState:  []event.PrevRef{{EventID: create.EventID}},
		AuthEvents: []event.PrevRef{{EventID: create.EventID}},
	})
	msg := signedRemoteEvent(t, v.SigningKey, &event.Event{
		RoomID: roomID, Sender: "@alice:example.org", Origin: "example.org",
		Type: "m.room.message", Depth: 2,
		Content:    map[string]any{"msgtype": "m.text", "body": "one"},
		PrevEvents: []event.PrevRef{{EventID: join.EventID}},
		AuthEvents: []event.PrevRef{{EventID: create.EventID}},
	})
	target := signedRemoteEvent(t, v.SigningKey, &event.Event{
		RoomID: roomID, Sender: "@alice:example.org", Origin: "example.org",
		Type: "m.room.message", Depth: 3,
		Content:    map[string]any{"msgtype": "m.text", "body": "two"},
		PrevEvents: []event.PrevRef{{EventID: msg.EventID}},
		AuthEvents: []event.PrevRef{{EventID: create.EventID}},
	})

	byID := map[string]*event.Event{
		create.EventID: create,
		join.EventID:   join,
		msg.EventID:    msg,
		target.EventID: target,
	}
	fetchCounts := map[string]int{}

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	fetcher := mocks.NewMockFetcher(ctrl)
	fetcher.EXPECT().
		FetchEvent(gomock.Any(), roomID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, eventID string) (*event.Event, error) {
			fetchCounts[eventID]++
			e, ok := byID[eventID]
			require.True(t, ok, "unexpected fetch of %s", eventID)
			return e, nil
		}).
		Times(4)

	bf := vm.NewBackfiller(v, fetcher)
	got, err := bf.Ancestor(ctx, roomID, target.EventID)
	require.NoError(t, err)
	assert.Equal(t, target.EventID, got.EventID)

	for id, n := range fetchCounts {
		assert.Equal(t, 1, n, "ancestor %s fetched more than once", id)
	}

	headID, ok, err := v.Rooms.HeadEventID(roomID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, target.EventID, headID)
}
