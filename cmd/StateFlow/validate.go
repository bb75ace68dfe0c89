package main

import (
	"fmt"
	"sort"

	"github.com/BTreeMap/StateFlow/internal/agent"
	"github.com/BTreeMap/StateFlow/internal/tools"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [agent.yaml]",
	Short: "Load and validate an agent graph",
	Long:  `Parses the graph, checks every route destination, the initial state and the tool names of each state.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.AgentFile
		if len(args) > 0 {
			path = args[0]
		}
		g, err := loadGraph(path)
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Graph %q is valid: %d states, initial %s\n", g.Name, len(g.States), g.Initial)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// loadGraph loads a graph and rejects tools the dispatcher does not know.
func loadGraph(path string) (*agent.Graph, error) {
	g, err := agent.LoadFile(path)
	if err != nil {
		return nil, err
	}
	known := tools.NewDispatcher(nil)
	var unknown []string
	for _, st := range g.States {
		for _, name := range st.Tools {
			if !known.Known(name) {
				unknown = append(unknown, st.Name+"."+name)
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: unknown tools %v (known: %v)", agent.ErrInvalidGraph, unknown, known.Names())
	}
	return g, nil
}
