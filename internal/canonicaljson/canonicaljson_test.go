package canonicaljson_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/construct-io/constructd/internal/canonicaljson"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	v := map[string]any{
		"b": 1,
		"a": map[string]any{"z": 1, "y": 2},
	}
	got, err := canonicaljson.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, string(got))
}

func TestMarshalHasNoInsignificantWhitespace(t *testing.T) {
	got, err := canonicaljson.Marshal(map[string]any{"a": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.NotContains(t, string(got), " ")
	assert.NotContains(t, string(got), "\n")
}

func TestMarshalEscapesControlCharacters(t *testing.T) {
	got, err := canonicaljson.Marshal("a\nb\tc")
	require.NoError(t, err)
	assert.Equal(t, `"a\nb\tc"`, string(got))
}

func TestMarshalRejectsNonIntegerNumbers(t *testing.T) {
	_, err := canonicaljson.Marshal(map[string]any{"a": 1.5})
	assert.Error(t, err)
}

func TestMarshalAcceptsLargeIntegers(t *testing.T) {
	got, err := canonicaljson.Marshal(map[string]any{"a": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"a":9007199254740993}`, string(got))
}

func TestFixpointHoldsForArbitraryObjects(t *testing.T) {
	v := map[string]any{
		"type":    "m.room.create",
		"content": map[string]any{"creator": "@alice:example.org"},
		"depth":   int64(1),
		"refs":    []any{"a", "b", "c"},
	}
	ok, err := canonicaljson.Fixpoint(v)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarshalStructRoundTripsThroughJSONTags(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	got, err := canonicaljson.Marshal(payload{B: "x", A: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"x"}`, string(got))
}
