package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/lares/models"
)

func TestSubstituteLookupAndArithmetic(t *testing.T) {
	vars := Vars{
		"name":      "pihole",
		"memory_mb": int64(2048),
		"nested":    map[string]any{"port": int64(8080)},
	}

	cases := map[string]string{
		"plain text":                  "plain text",
		"{{name}}":                    "pihole",
		"v-{{name}}-x":                "v-pihole-x",
		"{{memory_mb / 1024}}":        "2",
		"{{memory_mb * 2}}":           "4096",
		"{{memory_mb + 512}}":         "2560",
		"{{memory_mb - 48}}":          "2000",
		"{{nested.port}}":             "8080",
		"{{missing | default(42)}}":   "42",
		"{{missing | default('x')}}":  "x",
		"{{name | default('other')}}": "pihole",
	}
	for input, want := range cases {
		got, err := Substitute(input, vars)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}

func TestSubstituteJoin(t *testing.T) {
	vars := Vars{"ports": []any{int64(53), int64(80)}, "names": []string{"a", "b"}}

	got, err := Substitute(`{{ports | join(", ")}}`, vars)
	require.NoError(t, err)
	assert.Equal(t, "53, 80", got)

	got, err = Substitute(`{{names | join("-")}}`, vars)
	require.NoError(t, err)
	assert.Equal(t, "a-b", got)

	_, err = Substitute(`{{ports | join}}`, Vars{"ports": "not a list"})
	assert.Error(t, err)
}

func TestSubstituteFailsClosedOnUnresolved(t *testing.T) {
	_, err := Substitute("{{nope}}", Vars{})
	require.Error(t, err)
	te := models.AsToolError(err)
	assert.Equal(t, models.KindTemplateError, te.Kind)
	assert.Contains(t, te.Message, "nope")
}

func TestSubstituteRejectsBadArithmetic(t *testing.T) {
	_, err := Substitute("{{name * 2}}", Vars{"name": "pihole"})
	assert.Error(t, err, "string operand")

	_, err = Substitute("{{n / 0}}", Vars{"n": int64(10)})
	assert.Error(t, err, "division by zero")

	_, err = Substitute("{{n | shout}}", Vars{"n": int64(1)})
	assert.Error(t, err, "unknown function")
}

func TestReferences(t *testing.T) {
	refs := References(`{{host}}:{{port | default(80)}} {{mem / 1024}} {{"literal"}}`)
	assert.ElementsMatch(t, []string{"host", "port", "mem"}, refs)

	assert.Empty(t, References("no placeholders here"))
	assert.Equal(t, []string{"a"}, References("{{a}} {{a}}"), "deduplicated")
}
