package errs_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/construct-io/constructd/internal/errs"
)

func TestKindStringCoversEveryConstant(t *testing.T) {
	kinds := []errs.Kind{
		errs.Conform, errs.AuthFail, errs.NotFound, errs.Inauthentic,
		errs.Timeout, errs.Network, errs.Protocol, errs.Overload,
		errs.Cancelled, errs.Internal,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		assert.NotEqual(t, "UNKNOWN", s)
		assert.False(t, seen[s], "duplicate String() for two kinds: %s", s)
		seen[s] = true
	}
	assert.Equal(t, "UNKNOWN", errs.Unknown.String())
}

func TestNewProducesBareTaxonomyError(t *testing.T) {
	err := errs.New(errs.NotFound, "room not found")
	assert.Equal(t, errs.NotFound, err.Kind())
	assert.Equal(t, "NOT_FOUND: room not found", err.Error())
}

func TestNewfFormatsMessage(t *testing.T) {
	err := errs.Newf(errs.Protocol, "bad field %q at index %d", "depth", 3)
	assert.Equal(t, `PROTOCOL: bad field "depth" at index 3`, err.Error())
}

func TestWrapPreservesCauseChain(t *testing.T) {
	cause := stderrors.New("eof")
	err := errs.Wrap(errs.Network, cause, "reading response")
	assert.Equal(t, errs.Network, err.Kind())
	assert.ErrorIs(t, err, cause)
}

func TestWrapWithNilCauseBehavesLikeNew(t *testing.T) {
	err := errs.Wrap(errs.Internal, nil, "invariant violated")
	assert.Equal(t, "INTERNAL: invariant violated", err.Error())
}

func TestIsMatchesTaggedKind(t *testing.T) {
	err := errs.New(errs.Timeout, "deadline exceeded")
	assert.True(t, errs.Is(err, errs.Timeout))
	assert.False(t, errs.Is(err, errs.Network))
}

func TestIsReturnsFalseForUntaggedError(t *testing.T) {
	assert.False(t, errs.Is(stderrors.New("plain"), errs.Internal))
}

func TestKindOfUnwrapsWrappedTaxonomyError(t *testing.T) {
	inner := errs.New(errs.AuthFail, "signature mismatch")
	wrapped := errs.Wrap(errs.AuthFail, inner, "admitting event")
	assert.Equal(t, errs.AuthFail, errs.KindOf(wrapped))
}

func TestKindOfReturnsUnknownForPlainError(t *testing.T) {
	assert.Equal(t, errs.Unknown, errs.KindOf(stderrors.New("plain")))
}
