package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHash(t *testing.T, raw string) string {
	t.Helper()
	h, err := PayloadHash([]byte(raw))
	require.NoError(t, err)
	return h
}

func TestKeyOrderAndWhitespaceDoNotMatter(t *testing.T) {
	a := mustHash(t, `{"pack_type":"credit_score","inputs":{"a":1,"b":2}}`)
	b := mustHash(t, `{
		"inputs": {"b": 2, "a": 1},
		"pack_type": "credit_score"
	}`)

	assert.Equal(t, a, b)
}

func TestVolatileFieldsAreStrippedAtEveryDepth(t *testing.T) {
	a := mustHash(t, `{"pack_type":"x","trace_id":"t-1","inputs":{"client_version":"1.2","v":9}}`)
	b := mustHash(t, `{"pack_type":"x","trace_id":"t-2","inputs":{"client_version":"9.9","v":9}}`)
	c := mustHash(t, `{"pack_type":"x","inputs":{"v":9}}`)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestMeaningfulDifferencesChangeTheHash(t *testing.T) {
	base := mustHash(t, `{"pack_type":"x","inputs":{"v":9}}`)

	assert.NotEqual(t, base, mustHash(t, `{"pack_type":"x","inputs":{"v":10}}`))
	assert.NotEqual(t, base, mustHash(t, `{"pack_type":"y","inputs":{"v":9}}`))
	assert.NotEqual(t, base, mustHash(t, `{"pack_type":"x","inputs":{"v":9},"extra":null}`))
}

func TestNumberLiteralsArePreserved(t *testing.T) {
	// 1 and 1.0 are different literals and must not collide through a
	// float64 round trip.
	assert.NotEqual(t,
		mustHash(t, `{"v":1}`),
		mustHash(t, `{"v":1.0}`))

	// Large integers survive exactly.
	assert.Equal(t,
		mustHash(t, `{"v":9007199254740993}`),
		mustHash(t, `{"v": 9007199254740993 }`))
}

func TestArraysRecurse(t *testing.T) {
	a := mustHash(t, `{"rows":[{"trace_id":"a","v":1},{"v":2}]}`)
	b := mustHash(t, `{"rows":[{"v":1},{"trace_id":"b","v":2}]}`)

	assert.Equal(t, a, b)

	// Array order is significant.
	assert.NotEqual(t, a, mustHash(t, `{"rows":[{"v":2},{"v":1}]}`))
}

func TestRejectsInvalidJSON(t *testing.T) {
	_, err := PayloadHash([]byte(`{"unterminated`))
	assert.Error(t, err)
}
