package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateArgsRequired(t *testing.T) {
	schema := ObjectSchema(map[string]any{
		"url": map[string]any{"type": "string"},
	}, "url")

	require.NoError(t, ValidateArgs(map[string]any{"url": "https://example.com"}, schema))

	err := ValidateArgs(map[string]any{}, schema)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "url", verr.Field)
}

func TestValidateArgsTypes(t *testing.T) {
	schema := ObjectSchema(map[string]any{
		"count":   map[string]any{"type": "integer"},
		"ratio":   map[string]any{"type": "number"},
		"enabled": map[string]any{"type": "boolean"},
		"tags":    map[string]any{"type": "array"},
	})

	require.NoError(t, ValidateArgs(map[string]any{
		"count": 3, "ratio": 0.5, "enabled": true, "tags": []any{"a"},
	}, schema))

	// JSON-decoded integers arrive as float64 and still validate.
	require.NoError(t, ValidateArgs(map[string]any{"count": float64(3)}, schema))

	assert.Error(t, ValidateArgs(map[string]any{"count": 3.5}, schema))
	assert.Error(t, ValidateArgs(map[string]any{"enabled": "yes"}, schema))
}

func TestValidateArgsEnum(t *testing.T) {
	schema := ObjectSchema(map[string]any{
		"format": map[string]any{"type": "string", "enum": []any{"text", "markdown", "html"}},
	})

	require.NoError(t, ValidateArgs(map[string]any{"format": "markdown"}, schema))
	assert.Error(t, ValidateArgs(map[string]any{"format": "pdf"}, schema))
}

func TestValidateArgsExtraFieldsAllowed(t *testing.T) {
	schema := ObjectSchema(map[string]any{
		"url": map[string]any{"type": "string"},
	})
	assert.NoError(t, ValidateArgs(map[string]any{"url": "x", "unknown": 1}, schema))
}

func TestArgsHashDeterministic(t *testing.T) {
	a := ArgsHash(map[string]any{"url": "https://example.com", "format": "text"})
	b := ArgsHash(map[string]any{"format": "text", "url": "https://example.com"})

	assert.Equal(t, a, b, "hash is independent of key order")
	assert.Len(t, a, 12)
}

func TestArgsHashDistinguishesValues(t *testing.T) {
	a := ArgsHash(map[string]any{"url": "https://example.com"})
	b := ArgsHash(map[string]any{"url": "https://example.org"})
	assert.NotEqual(t, a, b)
}

func TestArgsHashEmpty(t *testing.T) {
	assert.Empty(t, ArgsHash(nil))
	assert.Empty(t, ArgsHash(map[string]any{}))
}
