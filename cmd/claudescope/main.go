// Command claudescope is a CLI for inspecting the claudescope daemon:
// session state, event history, and wrapper control.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nkall/claudescope/internal/cli"
	"github.com/nkall/claudescope/internal/config"
	"github.com/nkall/claudescope/internal/ipc"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getClient() (*ipc.Client, error) {
	c, err := ipc.Dial(cfg.Daemon.Socket)
	if err != nil {
		return nil, fmt.Errorf("daemon not running? %w", err)
	}
	return c, nil
}

var rootCmd = &cobra.Command{
	Use:   "claudescope",
	Short: "Inspect and control the claudescope daemon",
	Long: `claudescope - session and event inspection for the claudescope daemon.

Examples:
  claudescope status                    # Daemon health summary
  claudescope sessions                  # List sessions
  claudescope sessions --status active  # Active sessions only
  claudescope events <session-id>       # Event history for a session
  claudescope wrapper spawn ~/proj      # Launch a wrapped agent
  claudescope wrapper inject a1b2c3d4 "yes\n"`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			cli.ForceColors(false)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	sessionsCmd.Flags().String("status", "", "filter by status (active, completed, error)")
	sessionsCmd.Flags().Int("limit", 0, "max sessions to show")
	sessionsCmd.Flags().Bool("all", false, "include hidden sessions")

	eventsCmd.Flags().Int("limit", 50, "max events to show")
	eventsCmd.Flags().Int64("before", 0, "only events before this timestamp (ms)")

	wrapperSpawnCmd.Flags().Uint16("cols", 80, "terminal columns")
	wrapperSpawnCmd.Flags().Uint16("rows", 24, "terminal rows")

	wrapperCmd.AddCommand(wrapperSpawnCmd, wrapperListCmd, wrapperKillCmd, wrapperResizeCmd, wrapperInjectCmd)
	rootCmd.AddCommand(statusCmd, sessionsCmd, sessionCmd, eventsCmd, deleteCmd, wrapperCmd)
}
