package buf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/construct-io/constructd/internal/buf"
)

func TestWindowAppendsOntoExistingSlab(t *testing.T) {
	slab := make([]byte, 0, 64)
	w := buf.NewWindow(slab)
	w.WriteString("hello ")
	w.WriteByte('w')
	w.WriteRune('🌍')
	assert.Equal(t, "hello w🌍", string(w.Written()))
	assert.Equal(t, len("hello w🌍"), w.Len())
}

func TestWindowResetEmptiesWithoutReallocating(t *testing.T) {
	w := buf.NewWindow(nil)
	w.WriteString("abc")
	w.Reset()
	assert.Equal(t, 0, w.Len())
	w.WriteString("xyz")
	assert.Equal(t, "xyz", string(w.Written()))
}

func TestWindowWriteSatisfiesIoWriter(t *testing.T) {
	w := buf.NewWindow(nil)
	n, err := w.Write([]byte("payload"))
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "payload", string(w.Written()))
}

func TestRawBufFIFOOrderAndAccounting(t *testing.T) {
	var rb buf.RawBuf
	rb.Push([]byte("abc"))
	rb.Push([]byte("de"))
	assert.Equal(t, 2, rb.Len())
	assert.Equal(t, 5, rb.Bytes())

	c, ok := rb.Pop()
	assert.True(t, ok)
	assert.Equal(t, "abc", string(c.Data))
	assert.Equal(t, 1, rb.Len())
	assert.Equal(t, 2, rb.Bytes())

	c, ok = rb.Pop()
	assert.True(t, ok)
	assert.Equal(t, "de", string(c.Data))

	_, ok = rb.Pop()
	assert.False(t, ok)
}

func TestLineBufYieldsCompleteLinesAcrossFeeds(t *testing.T) {
	var lb buf.LineBuf
	lines := lb.Feed([]byte("foo\nbar"))
	assert.Len(t, lines, 1)
	assert.Equal(t, "foo", string(lines[0]))
	assert.Equal(t, "bar", string(lb.Pending()))

	lines = lb.Feed([]byte("baz\nqux\n"))
	assert.Len(t, lines, 2)
	assert.Equal(t, "barbaz", string(lines[0]))
	assert.Equal(t, "qux", string(lines[1]))
	assert.Empty(t, lb.Pending())
}

func TestFixedAllocExhaustsAndFreesBackToPool(t *testing.T) {
	f := buf.NewFixed(8, 2)
	a := f.Alloc()
	b := f.Alloc()
	assert.NotNil(t, a)
	assert.NotNil(t, b)
	assert.Nil(t, f.Alloc())
	assert.Equal(t, int64(2), f.Profile.Allocs())

	f.Free(a)
	assert.Equal(t, int64(1), f.Profile.Frees())
	c := f.Alloc()
	assert.NotNil(t, c)
}

func TestFixedAllocZeroesReturnedMemory(t *testing.T) {
	f := buf.NewFixed(4, 1)
	a := f.Alloc()
	for i := range a {
		a[i] = 0xff
	}
	f.Free(a)
	b := f.Alloc()
	for _, v := range b {
		assert.Equal(t, byte(0), v)
	}
}

func TestDynamicAllocRespectsCap(t *testing.T) {
	d := buf.NewDynamic(1)
	a := d.Alloc(16)
	assert.NotNil(t, a)
	assert.Nil(t, d.Alloc(16))

	d.Free(a)
	assert.NotNil(t, d.Alloc(16))
}

func TestTwoLevelOverflowsPastFixedCapacity(t *testing.T) {
	tl := buf.NewTwoLevel(8, 1)
	a := tl.Alloc()
	b := tl.Alloc()
	assert.Len(t, a, 8)
	assert.Len(t, b, 8)
	assert.Equal(t, int64(2), tl.Profile.Allocs())
}

func TestNodeListPushAndRemove(t *testing.T) {
	var list buf.NodeList[int]
	n1 := &buf.Node[int]{Value: 1}
	n2 := &buf.Node[int]{Value: 2}
	n3 := &buf.Node[int]{Value: 3}

	list.PushBack(n1)
	list.PushBack(n2)
	list.PushBack(n3)
	assert.Equal(t, 3, list.Len())
	assert.Equal(t, n1, list.Front())

	list.Remove(n2)
	assert.Equal(t, 2, list.Len())
	assert.Equal(t, n1, list.Front())

	list.Remove(n1)
	assert.Equal(t, 1, list.Len())
	assert.Equal(t, n3, list.Front())
}
