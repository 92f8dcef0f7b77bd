package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObject(t *testing.T) {
	raw, ok := ExtractObject("Here you go:\n```json\n{\"a\": 1}\n```\nDone.")
	require.True(t, ok)
	assert.Equal(t, `{"a": 1}`, raw)

	raw, ok = ExtractObject(`{"outer": {"inner": 2}}`)
	require.True(t, ok)
	assert.Equal(t, `{"outer": {"inner": 2}}`, raw)

	_, ok = ExtractObject("no braces here")
	assert.False(t, ok)
}

func TestExtractArray(t *testing.T) {
	raw, ok := ExtractArray(`steps: ["a", "b"] end`)
	require.True(t, ok)
	assert.Equal(t, `["a", "b"]`, raw)

	_, ok = ExtractArray("nothing")
	assert.False(t, ok)
}

func TestParseObject(t *testing.T) {
	obj, err := ParseObject("```json\n{\"city\": \"Tokyo\", \"n\": 3}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Tokyo", obj["city"])
	assert.Equal(t, float64(3), obj["n"])

	_, err = ParseObject("not json at all")
	assert.Error(t, err)

	_, err = ParseObject("{broken json]")
	assert.Error(t, err)
}
