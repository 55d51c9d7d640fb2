package statetree

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	nodes map[string][]byte
}

func newMemStore() *memStore { return &memStore{nodes: make(map[string][]byte)} }

func (m *memStore) Get(id string) ([]byte, bool, error) {
	raw, ok := m.nodes[id]
	return raw, ok, nil
}

func (m *memStore) Put(id string, raw []byte) {
	m.nodes[id] = raw
}

func TestInsertAndGet(t *testing.T) {
	store := newMemStore()
	root := ""

	entries := map[Key]string{
		{Type: "m.room.create", StateKey: ""}:     "$create:example.org",
		{Type: "m.room.member", StateKey: "@a:x"}: "$joina:example.org",
		{Type: "m.room.member", StateKey: "@b:x"}: "$joinb:example.org",
		{Type: "m.room.join_rules", StateKey: ""}: "$joinrules:example.org",
	}

	var err error
	for k, v := range entries {
		root, err = Insert(store, store, root, k, v)
		require.NoError(t, err)
	}

	for k, want := range entries {
		got, ok, err := Get(store, root, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok, err := Get(store, root, Key{Type: "m.room.topic", StateKey: ""})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertOverwrite(t *testing.T) {
	store := newMemStore()
	key := Key{Type: "m.room.name", StateKey: ""}

	root, err := Insert(store, store, "", key, "$first:example.org")
	require.NoError(t, err)
	root, err = Insert(store, store, root, key, "$second:example.org")
	require.NoError(t, err)

	got, ok, err := Get(store, root, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "$second:example.org", got)
}

func TestInsertCausesSplit(t *testing.T) {
	store := newMemStore()
	root := ""
	var err error
	// More than NodeMaxKey entries forces at least one split.
	for i := 0; i < NodeMaxKey*3; i++ {
		key := Key{Type: "m.room.member", StateKey: string(rune('a' + i))}
		root, err = Insert(store, store, root, key, "$ev"+string(rune('a'+i))+":example.org")
		require.NoError(t, err)
	}

	count, err := Count(store, root, nil)
	require.NoError(t, err)
	assert.EqualValues(t, NodeMaxKey*3, count)

	for i := 0; i < NodeMaxKey*3; i++ {
		key := Key{Type: "m.room.member", StateKey: string(rune('a' + i))}
		_, ok, err := Get(store, root, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRemove(t *testing.T) {
	store := newMemStore()
	root := ""
	var err error
	keys := make([]Key, 0, NodeMaxKey*2)
	for i := 0; i < NodeMaxKey*2; i++ {
		key := Key{Type: "m.room.member", StateKey: string(rune('a' + i))}
		keys = append(keys, key)
		root, err = Insert(store, store, root, key, "$ev"+string(rune('a'+i))+":example.org")
		require.NoError(t, err)
	}

	for i, key := range keys {
		if i%3 != 0 {
			continue
		}
		root, err = Remove(store, store, root, key)
		require.NoError(t, err)
		_, ok, getErr := Get(store, root, key)
		require.NoError(t, getErr)
		assert.False(t, ok)
	}

	for i, key := range keys {
		if i%3 == 0 {
			continue
		}
		_, ok, getErr := Get(store, root, key)
		require.NoError(t, getErr)
		assert.True(t, ok, "key %v should remain", key)
	}
}

func TestForEachTypeFilter(t *testing.T) {
	store := newMemStore()
	root := ""
	var err error
	root, err = Insert(store, store, root, Key{Type: "m.room.create"}, "$c:x")
	require.NoError(t, err)
	root, err = Insert(store, store, root, Key{Type: "m.room.member", StateKey: "@a:x"}, "$a:x")
	require.NoError(t, err)
	root, err = Insert(store, store, root, Key{Type: "m.room.member", StateKey: "@b:x"}, "$b:x")
	require.NoError(t, err)

	typeFilter := "m.room.member"
	var seen []Key
	err = ForEach(store, root, &typeFilter, func(k Key, v string) bool {
		seen = append(seen, k)
		return true
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

// deferredStore applies writes only on commit, matching the real write
// pipeline where a mutation's nodes live in an uncommitted batch while the
// tree walk is still running.
type deferredStore struct {
	committed map[string][]byte
}

func newDeferredStore() *deferredStore {
	return &deferredStore{committed: make(map[string][]byte)}
}

func (d *deferredStore) Get(id string) ([]byte, bool, error) {
	raw, ok := d.committed[id]
	return raw, ok, nil
}

type deferredBatch struct {
	store *deferredStore
	ops   map[string][]byte
}

func (d *deferredStore) newBatch() *deferredBatch {
	return &deferredBatch{store: d, ops: make(map[string][]byte)}
}

func (b *deferredBatch) Put(id string, raw []byte) { b.ops[id] = raw }

func (b *deferredBatch) commit() {
	for id, raw := range b.ops {
		b.store.committed[id] = raw
	}
}

func TestRemoveWorksWithUncommittedBatch(t *testing.T) {
	store := newDeferredStore()
	root := ""
	var err error
	keys := make([]Key, 0, NodeMaxKey*3)
	for i := 0; i < NodeMaxKey*3; i++ {
		key := Key{Type: "m.room.member", StateKey: fmt.Sprintf("@u%03d:x", i)}
		keys = append(keys, key)
		batch := store.newBatch()
		root, err = Insert(store, batch, root, key, "$e:x")
		require.NoError(t, err)
		batch.commit()
	}

	// The whole removal runs before its batch commits; every node the
	// rebalancing re-reads must come from the batch overlay, not the store.
	batch := store.newBatch()
	root, err = Remove(store, batch, root, keys[0])
	require.NoError(t, err)
	batch.commit()

	_, ok, err := Get(store, root, keys[0])
	require.NoError(t, err)
	assert.False(t, ok)
	for _, key := range keys[1:] {
		_, ok, err := Get(store, root, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestThousandEntryRoundTrip(t *testing.T) {
	store := newMemStore()
	root := ""
	var err error

	rng := rand.New(rand.NewSource(7))
	types := []string{"m.room.member", "m.room.aliases", "m.room.power_levels", "m.custom.widget"}
	entries := make(map[Key]string, 1000)
	for len(entries) < 1000 {
		k := Key{
			Type:     types[rng.Intn(len(types))],
			StateKey: fmt.Sprintf("@user%04d:example.org", rng.Intn(100000)),
		}
		entries[k] = fmt.Sprintf("$ev%06d:example.org", rng.Intn(1000000))
	}
	for k, v := range entries {
		root, err = Insert(store, store, root, k, v)
		require.NoError(t, err)
	}

	total, err := Count(store, root, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, total)

	for k, want := range entries {
		got, ok, err := Get(store, root, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	memberType := "m.room.member"
	var members []Key
	err = ForEach(store, root, &memberType, func(k Key, _ string) bool {
		members = append(members, k)
		return true
	})
	require.NoError(t, err)

	var wantMembers []Key
	for k := range entries {
		if k.Type == memberType {
			wantMembers = append(wantMembers, k)
		}
	}
	sort.Slice(wantMembers, func(i, j int) bool { return wantMembers[i].Less(wantMembers[j]) })
	assert.Equal(t, wantMembers, members)
}

// Within a single leaf the final root depends only on the final entry set,
// not insertion order, with overwrites resolving last-wins.
func TestInsertionOrderIndependentAtLeafScale(t *testing.T) {
	build := func(order []int) string {
		store := newMemStore()
		root := ""
		var err error
		for _, i := range order {
			key := Key{Type: "m.room.member", StateKey: fmt.Sprintf("@u%d:x", i)}
			root, err = Insert(store, store, root, key, fmt.Sprintf("$stale%d:x", i))
			require.NoError(t, err)
		}
		for _, i := range order {
			key := Key{Type: "m.room.member", StateKey: fmt.Sprintf("@u%d:x", i)}
			root, err = Insert(store, store, root, key, fmt.Sprintf("$final%d:x", i))
			require.NoError(t, err)
		}
		return root
	}

	forward := build([]int{0, 1, 2, 3, 4, 5, 6, 7})
	backward := build([]int{7, 6, 5, 4, 3, 2, 1, 0})
	assert.Equal(t, forward, backward)
}

// checkCounts verifies the count invariant on every internal node
// reachable from id: stored per-child counts match the child subtrees, and
// subtree size equals sum(child counts) + keys.
func checkCounts(t *testing.T, store Store, id string) int64 {
	t.Helper()
	if id == "" {
		return 0
	}
	n, err := loadNode(store, id)
	require.NoError(t, err)
	if n.isLeaf() {
		return int64(len(n.Keys))
	}
	require.Len(t, n.Children, len(n.Keys)+1)
	require.Len(t, n.Count, len(n.Children))
	total := int64(len(n.Keys))
	for i, child := range n.Children {
		childTotal := checkCounts(t, store, child)
		assert.Equal(t, n.Count[i], childTotal)
		total += childTotal
	}
	return total
}

func TestSubtreeCountsHoldAfterSplitsAndRemovals(t *testing.T) {
	store := newMemStore()
	root := ""
	var err error
	for i := 0; i < NodeMaxKey*4; i++ {
		key := Key{Type: "m.room.member", StateKey: fmt.Sprintf("@u%03d:x", i)}
		root, err = Insert(store, store, root, key, "$e:x")
		require.NoError(t, err)
	}
	assert.EqualValues(t, NodeMaxKey*4, checkCounts(t, store, root))

	for i := 0; i < NodeMaxKey; i++ {
		key := Key{Type: "m.room.member", StateKey: fmt.Sprintf("@u%03d:x", i*3)}
		root, err = Remove(store, store, root, key)
		require.NoError(t, err)
	}
	assert.EqualValues(t, NodeMaxKey*3, checkCounts(t, store, root))
}

func TestContentAddressedSharing(t *testing.T) {
	store := newMemStore()
	key := Key{Type: "m.room.create", StateKey: ""}

	root1, err := Insert(store, store, "", key, "$create:example.org")
	require.NoError(t, err)
	root2, err := Insert(store, store, "", key, "$create:example.org")
	require.NoError(t, err)

	assert.Equal(t, root1, root2, "identical state must hash to the same node id")
}
