package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portalis/dirimport/cmd/dirimport/commands"
	"github.com/portalis/dirimport/logger"
)

var rootCmd = &cobra.Command{
	Use:   "dirimport",
	Short: "dirimport - Bulk identity import into a directory service",
	Long: `dirimport ingests delimited identity files and drives the directory
API to create or update one identity per record, with per-record population
resolution, rate-limited submission, and real-time progress fan-out.

Available commands:
  serve   - Start the import API and progress transports
  import  - Run one import session from a local CSV file
  version - Show build information

Examples:
  dirimport serve --config dirimport.toml
  dirimport import users.csv --population 9a1b2c3d-...
  dirimport version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML configuration file")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
