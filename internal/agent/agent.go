// Package agent loads and validates the state graph an agent walks through.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BTreeMap/StateFlow/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalidGraph is returned when a graph fails validation.
var ErrInvalidGraph = errors.New("invalid agent graph")

// Graph is the directed graph of states for one agent. States are immutable
// once the graph has been validated.
type Graph struct {
	Name    string         `yaml:"name" json:"name"`
	Initial string         `yaml:"initial" json:"initial"`
	States  []models.State `yaml:"states" json:"states"`

	index map[string]int
}

// New builds and validates a graph from states.
func New(name, initial string, states ...models.State) (*Graph, error) {
	g := &Graph{Name: name, Initial: initial, States: states}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadFile reads a YAML graph definition and validates it.
func LoadFile(path string) (*Graph, error) {
	slog.Debug("agent.LoadFile: loading graph", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML graph definition and validates it.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse agent graph: %w", err)
	}
	for i := range g.States {
		g.States[i].DataType = models.ParseDataType(string(g.States[i].DataType))
		if strings.TrimSpace(g.States[i].DataKey) == "" {
			g.States[i].DataKey = models.NoDataKey
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	slog.Info("agent graph loaded", "name", g.Name, "states", len(g.States), "initial", g.Initial)
	return &g, nil
}

// Validate checks names are unique, every destination exists, the initial state
// exists, and every state has at least one non-empty route class.
func (g *Graph) Validate() error {
	if len(g.States) == 0 {
		return fmt.Errorf("%w: no states", ErrInvalidGraph)
	}
	index := make(map[string]int, len(g.States))
	for i, s := range g.States {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%w: state #%d has no name", ErrInvalidGraph, i)
		}
		if _, dup := index[name]; dup {
			return fmt.Errorf("%w: duplicate state %q", ErrInvalidGraph, name)
		}
		index[name] = i
	}
	var problems []string
	for _, s := range g.States {
		if s.Routes.Empty() {
			problems = append(problems, fmt.Sprintf("state %q has no routes", s.Name))
		}
		for _, c := range models.RouteClasses {
			for _, r := range s.Routes.Class(c) {
				if _, ok := index[r.State]; !ok {
					problems = append(problems, fmt.Sprintf("state %q %s route targets unknown state %q", s.Name, c, r.State))
				}
			}
		}
	}
	if g.Initial == "" && len(g.States) > 0 {
		g.Initial = g.States[0].Name
	}
	if _, ok := index[g.Initial]; !ok {
		problems = append(problems, fmt.Sprintf("initial state %q not found", g.Initial))
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalidGraph, strings.Join(problems, "; "))
	}
	g.index = index
	return nil
}

// State looks up a state by name.
func (g *Graph) State(name string) (models.State, bool) {
	if g == nil {
		return models.State{}, false
	}
	if g.index == nil {
		if err := g.Validate(); err != nil {
			return models.State{}, false
		}
	}
	i, ok := g.index[name]
	if !ok {
		return models.State{}, false
	}
	return g.States[i], true
}

// Names returns the state names in definition order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.States))
	for i, s := range g.States {
		names[i] = s.Name
	}
	return names
}
