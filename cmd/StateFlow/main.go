// Command StateFlow runs guided conversations over a validated state graph.
package main

import (
	"fmt"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/BTreeMap/StateFlow/internal/config"
	"github.com/spf13/cobra"
)

// cfg is filled by the root command before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "StateFlow",
	Short:         "StateFlow drives conversations through a validated state graph",
	Long:          `StateFlow buffers inbound messages, decides the next state of each conversation, validates the decision and dispatches the tools of the state it lands on.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("agent") {
			loaded.AgentFile, _ = cmd.Flags().GetString("agent")
		}
		if cmd.Flags().Changed("log-level") {
			loaded.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		cfg = loaded
		initializeLogger(cmd, cfg.SlogLevel())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("agent", config.DefaultAgentFile, "agent graph definition (overrides $STATEFLOW_AGENT_FILE)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error (overrides $STATEFLOW_LOG_LEVEL)")
}

// initializeLogger sets up structured logging on the command's error stream.
func initializeLogger(cmd *cobra.Command, level slog.Level) {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
