package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orbisworld/orbis/cmd/orbis/commands"
	"github.com/orbisworld/orbis/logger"
)

var rootCmd = &cobra.Command{
	Use:   "orbis",
	Short: "Orbis - native client runtime for the Orbis virtual world",
	Long: `Orbis - native client runtime for a decentralized virtual world.

The runtime downloads, executes, and sandboxes third-party scenes,
synchronizes avatar and world state with other participants, and manages a
content-addressed asset cache.

Available commands:
  run     - Connect to a realm and run the client
  config  - Show or write the configuration file
  doctor  - Report system capabilities
  version - Show version information

Examples:
  orbis run                         # Join the default realm
  orbis run --realm https://...     # Join a specific realm
  orbis config show                 # Show effective configuration
  orbis doctor                      # Check this machine`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		level := logger.VerbosityToLevel(verbosity)
		if err := logger.InitializeWithLevel(jsonLogs, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON structured logs")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DoctorCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
