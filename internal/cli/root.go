// Package cli wires the rankwell commands: connect, status, disconnect,
// serve, and version.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rankwell/rankwell/internal/logging"
	"github.com/rankwell/rankwell/internal/version"
)

var (
	jsonOutput bool
	noColor    bool
	verbose    bool
	quiet      bool
)

// logger is the application-wide logger, writing to stderr so it never
// interferes with piped stdout.
var logger = logging.NewLogger(os.Stderr)

// outWriter is where command output goes; tests redirect it.
var outWriter io.Writer = os.Stdout

func out(format string, args ...any) {
	fmt.Fprintf(outWriter, format, args...)
}

func outln(args ...any) {
	fmt.Fprintln(outWriter, args...)
}

var rootCmd = &cobra.Command{
	Use:          "rankwell",
	Short:        "Rankwell connector agent for Google integrations",
	Long:         "Owns the Google (Analytics / Search Console / Ads) credential lifecycle for the Rankwell platform: interactive authorization, silent refresh, and a local dashboard API.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose && quiet {
			verbose = false
		}
		logging.Configure(logger, logging.Flags{
			Verbose: verbose,
			Quiet:   quiet,
			NoColor: noColor,
			JSON:    jsonOutput,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Minimal output")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// ExecuteContext runs the root command with the given context. Commands
// access it via cmd.Context().
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		if verbose {
			out("rankwell %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
			return
		}
		out("rankwell %s\n", version.Version)
	},
}
