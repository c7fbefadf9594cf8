package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDir(t *testing.T) {
	c, err := LoadDir("testdata/content")
	require.NoError(t, err)

	assert.True(t, c.HasItem("carrot"))
	assert.False(t, c.HasItem("gold"))

	berry, ok := c.Item("berry")
	require.True(t, ok)
	assert.Equal(t, "misc", berry.Category)

	ids := []string{}
	for _, tr := range c.Triggers() {
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []string{"first_harvest", "forager"}, ids)

	fh, ok := c.Trigger("first_harvest")
	require.True(t, ok)
	assert.True(t, fh.Challenge)
	require.Len(t, fh.Nodes, 2)
	assert.Equal(t, "collect_carrots", fh.Nodes[0].ID)
	assert.Equal(t, int64(3), fh.Nodes[0].Count)
	assert.Equal(t, map[string]string{"item": "carrot"}, fh.Nodes[0].Match)
	assert.Equal(t, int64(1), fh.Nodes[1].Count, "count defaults to 1")

	assert.True(t, c.HasNode("forager", "berries"))
	assert.False(t, c.HasNode("forager", "nuts"))
	assert.True(t, c.IsChallenge("first_harvest"))
	assert.False(t, c.IsChallenge("forager"))
}

func TestCompile_RejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown item field", `items: seed: {name: "Seed", weight: 3}`},
		{"node without event kind", `triggers: t: nodes: n: {count: 2}`},
		{"zero count", `triggers: t: nodes: n: {on: "x", count: 0}`},
		{"empty item name", `items: seed: {name: ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.name+".cue", []byte(tt.src))
			require.Error(t, err)
			var le *LoadError
			assert.ErrorAs(t, err, &le)
		})
	}
}

func TestCompile_Minimal(t *testing.T) {
	c, err := Compile("mini.cue", []byte(`items: seed: name: "Seed"`))
	require.NoError(t, err)
	assert.Len(t, c.Items(), 1)
	assert.Empty(t, c.Triggers())
}

func TestNew_RejectsDuplicatesAndEmptyTriggers(t *testing.T) {
	_, err := New([]Item{{ID: "a", Name: "A"}, {ID: "a", Name: "A"}}, nil)
	assert.ErrorContains(t, err, "duplicate item")

	_, err = New(nil, []Trigger{{ID: "t"}})
	assert.ErrorContains(t, err, "no nodes")

	_, err = New(nil, []Trigger{{ID: "t", Nodes: []Node{{ID: "n", On: "x"}, {ID: "n", On: "y"}}}})
	assert.ErrorContains(t, err, "repeats node")
}

func TestEmpty(t *testing.T) {
	c := Empty()
	assert.False(t, c.HasItem("x"))
	assert.Empty(t, c.Triggers())
}
