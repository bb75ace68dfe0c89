// Package skip advances past states whose data has already been collected.
package skip

import (
	"log/slog"

	"github.com/BTreeMap/StateFlow/internal/models"
)

// DefaultMaxDepth bounds a single walk.
const DefaultMaxDepth = 5

// Graph looks states up by name. agent.Graph implements it.
type Graph interface {
	State(name string) (models.State, bool)
}

// Resolve walks forward from proposed while the current state's data key is
// already satisfied, following the first success route each time. It stops at
// the first unmet requirement, at a terminal state, at maxDepth, or before
// revisiting a state. It returns the landing state and the skipped states in
// walk order. Resolve has no side effects.
func Resolve(proposed string, g Graph, data map[string]any, maxDepth int) (string, []string) {
	current := proposed
	var skipped []string
	seen := map[string]bool{}

	for depth := 0; depth < maxDepth; depth++ {
		st, ok := g.State(current)
		if !ok || !st.Satisfied(data) || len(st.Routes.Success) == 0 {
			break
		}
		next := st.Routes.Success[0].State
		if next == current || seen[next] {
			slog.Warn("skip.Resolve: cycle detected", "state", current, "next", next)
			break
		}
		seen[current] = true
		skipped = append(skipped, current)
		current = next
	}

	if len(skipped) > 0 {
		slog.Debug("skip.Resolve: skipped satisfied states", "proposed", proposed, "final", current, "skipped", skipped)
	}
	return current, skipped
}
