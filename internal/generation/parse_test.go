package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]any
	}{
		{"plain", `{"score": 0.5}`, map[string]any{"score": 0.5}},
		{"fenced", "```json\n{\"score\": 0.5}\n```", map[string]any{"score": 0.5}},
		{"prose around object", "Here you go:\n{\"verdict\": \"iterate\"}\nThanks.", map[string]any{"verdict": "iterate"}},
		{"result envelope", `{"result": "{\"score\": 0.9}"}`, map[string]any{"score": 0.9}},
		{"fenced envelope", "{\"result\": \"```json\\n{\\\"score\\\": 0.1}\\n```\"}", map[string]any{"score": 0.1}},
		{"plain result string stays", `{"result": "done"}`, map[string]any{"result": "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONRejectsNonObjects(t *testing.T) {
	for _, content := range []string{"", "no json here", "[1,2,3]", "{broken", "null"} {
		_, err := ParseJSON(content)
		assert.ErrorIs(t, err, ErrSchemaInvalid, content)
	}
}

func TestRequire(t *testing.T) {
	m := map[string]any{"score": 0.4, "reasoning": "ok", "track": nil}
	require.NoError(t, Require(m, "score", "reasoning"))

	err := Require(m, "score", "track", "key_metrics")
	require.ErrorIs(t, err, ErrSchemaInvalid)
	assert.Contains(t, err.Error(), "track, key_metrics")
}
