package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedclient "github.com/construct-io/constructd/internal/federation/client"
)

func TestTokenBucketAllowsBurstThenRefuses(t *testing.T) {
	tb := fedclient.NewTokenBucket(fedclient.TokenBucketConfig{Rate: 0.001, BurstSize: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, tb.Allow(), "burst token %d", i)
	}
	assert.False(t, tb.Allow(), "bucket must be empty after the burst")
}

func TestTokenBucketRefills(t *testing.T) {
	tb := fedclient.NewTokenBucket(fedclient.TokenBucketConfig{Rate: 100, BurstSize: 1})
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, tb.Allow(), "30ms at 100/s must refill at least one token")
}

func TestTokenBucketIntervalMode(t *testing.T) {
	tb := fedclient.NewTokenBucket(fedclient.TokenBucketConfig{Interval: 50 * time.Millisecond})
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "second op inside the interval must be refused")
	time.Sleep(60 * time.Millisecond)
	assert.True(t, tb.Allow())
}

func TestTokenBucketWaitHonorsContext(t *testing.T) {
	tb := fedclient.NewTokenBucket(fedclient.TokenBucketConfig{Rate: 0.001, BurstSize: 1})
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx)
	assert.Error(t, err)
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, fedclient.IsRateLimitError(&fedclient.Error{StatusCode: 429}))
	assert.True(t, fedclient.IsRateLimitError(&fedclient.Error{ErrCode: "M_LIMIT_EXCEEDED"}))
	assert.False(t, fedclient.IsRateLimitError(&fedclient.Error{StatusCode: 404, ErrCode: "M_NOT_FOUND"}))
	assert.False(t, fedclient.IsRateLimitError(nil))
}
