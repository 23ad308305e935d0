package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TimWhiting/dart-custom-lint/cmd/customlint/commands"
	"github.com/TimWhiting/dart-custom-lint/logger"
)

var rootCmd = &cobra.Command{
	Use:   "customlint",
	Short: "custom_lint - plugin broker for analyzer diagnostics",
	Long: `custom_lint - a broker between an analysis host and lint plugin workers.

The broker spawns one worker process per configured plugin, performs the
version handshake, forwards host requests, and multiplexes worker
diagnostics back to the host as notifications.

Available commands:
  serve   - Speak the host protocol on stdin/stdout (production mode)
  check   - Run the configured plugins over the given roots once and exit
  version - Show version information

Examples:
  customlint serve                    # Serve an analysis host over stdio
  customlint check ./my_project       # One-shot lint, exit 1 on findings
  customlint version --json           # Build info as JSON`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonOutput, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to custom_lint.toml (default: search working directory)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.CheckCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
