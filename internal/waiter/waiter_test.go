package waiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitSingleFlight(t *testing.T) {
	c := New[string, int]()

	wait1, started1 := c.Await("$event1:example.org")
	assert.True(t, started1)

	wait2, started2 := c.Await("$event1:example.org")
	assert.False(t, started2)
	assert.Equal(t, 1, c.Len())

	c.Resolve("$event1:example.org", 42, nil)

	v1, err1 := wait1(context.Background())
	require.NoError(t, err1)
	assert.Equal(t, 42, v1)

	v2, err2 := wait2(context.Background())
	require.NoError(t, err2)
	assert.Equal(t, 42, v2)

	assert.False(t, c.Pending("$event1:example.org"))
}

func TestAwaitContextCancellation(t *testing.T) {
	c := New[string, int]()
	wait, _ := c.Await("key")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := wait(ctx)
	assert.Error(t, err)
}

func TestResolveUnknownKeyIsNoop(t *testing.T) {
	c := New[string, int]()
	c.Resolve("nope", 1, nil)
	assert.Equal(t, 0, c.Len())
}
