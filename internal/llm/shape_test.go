package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const verdictSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {"status": {"type": "string", "enum": ["ok", "bad"]}}
}`

type verdict struct {
	Status string `json:"status"`
}

func TestShapeDecodeDirect(t *testing.T) {
	s := MustShape("verdict", verdictSchema, "result")
	var v verdict
	require.NoError(t, s.Decode(`{"status":"ok"}`, &v))
	assert.Equal(t, "ok", v.Status)
}

func TestShapeDecodeStripsFences(t *testing.T) {
	s := MustShape("verdict", verdictSchema)
	var v verdict
	require.NoError(t, s.Decode("```json\n{\"status\":\"bad\"}\n```", &v))
	assert.Equal(t, "bad", v.Status)
}

func TestShapeDecodeUnwrapsKnownKey(t *testing.T) {
	s := MustShape("verdict", verdictSchema, "result", "data")
	var v verdict
	require.NoError(t, s.Decode(`{"data":{"status":"ok"}}`, &v))
	assert.Equal(t, "ok", v.Status)
}

func TestShapeDecodeUnwrapsOnlyOnce(t *testing.T) {
	s := MustShape("verdict", verdictSchema, "result")
	var v verdict
	err := s.Decode(`{"result":{"result":{"status":"ok"}}}`, &v)
	require.Error(t, err)
	assert.Equal(t, KindInvalidResponse, KindOf(err))
}

func TestShapeDecodeRejectsGarbage(t *testing.T) {
	s := MustShape("verdict", verdictSchema)
	var v verdict
	err := s.Decode(`I cannot help with that`, &v)
	require.Error(t, err)
	assert.Equal(t, KindInvalidResponse, KindOf(err))
}

func TestShapeDecodeSkipsLeadingProse(t *testing.T) {
	s := MustShape("verdict", verdictSchema)
	var v verdict
	require.NoError(t, s.Decode("Sure, here is the verdict:\n{\"status\":\"ok\"}\nLet me know.", &v))
	assert.Equal(t, "ok", v.Status)
}
