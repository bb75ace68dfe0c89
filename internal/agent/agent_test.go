package agent

import (
	"testing"

	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile(t *testing.T) {
	g, err := LoadFile("testdata/clinic.yaml")
	require.NoError(t, err)

	assert.Equal(t, "clinic-intake", g.Name)
	assert.Equal(t, "ASK_NAME", g.Initial)

	s, ok := g.State("ASK_AGE")
	require.True(t, ok)
	assert.Equal(t, models.DataTypeNumber, s.DataType)
	assert.Equal(t, "MENU", s.Routes.Success[0].State)

	book, ok := g.State("BOOK")
	require.True(t, ok)
	assert.Equal(t, []string{"create_appointment"}, book.Tools)
	assert.Equal(t, "data", book.ToolArgs["date"])
	assert.False(t, book.RequiresData())
}

func TestValidateRejectsBrokenGraphs(t *testing.T) {
	tests := []struct {
		name   string
		states []models.State
		want   string
	}{
		{
			name:   "no routes",
			states: []models.State{{Name: "A", DataKey: "x"}},
			want:   `state "A" has no routes`,
		},
		{
			name: "unknown destination",
			states: []models.State{{Name: "A", Routes: models.RouteTable{
				Success: []models.Route{{State: "GHOST"}},
			}}},
			want: `unknown state "GHOST"`,
		},
		{
			name: "duplicate",
			states: []models.State{
				{Name: "A", Routes: models.RouteTable{Persist: []models.Route{{State: "A"}}}},
				{Name: "A", Routes: models.RouteTable{Persist: []models.Route{{State: "A"}}}},
			},
			want: "duplicate state",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("broken", "", tt.states...)
			require.ErrorIs(t, err, ErrInvalidGraph)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseDefaultsDataKey(t *testing.T) {
	g, err := Parse([]byte(`
name: tiny
states:
  - name: ONLY
    routes:
      persist:
        - state: ONLY
`))
	require.NoError(t, err)
	assert.Equal(t, "ONLY", g.Initial)
	s, _ := g.State("ONLY")
	assert.Equal(t, models.NoDataKey, s.DataKey)
}
