package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

// NewRootCmd builds the command tree. Command output goes to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "linkload",
		Short: "Synthetic redirect traffic and SLO validation for URL shorteners",
		Long: `
Drive skewed key-popularity traffic at a URL shortener, correlate client
latency with the backing cache's hit/miss telemetry and validate the run
against thresholds.

Settings come from a YAML file (--config), LINKLOAD_* environment variables
and flags, in increasing precedence. Example:

target:
  base_url: http://localhost:8080
population:
  mode: generate
  variant: binary
  count: 10000
load:
  vus: 1000
  duration: 5m
telemetry:
  enabled: true
  url: http://localhost:9121/metrics
report:
  destination: results/results-{phase}.json
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("config", "", "path to a YAML config file")

	root.AddCommand(
		newRunCmd(),
		newDatasetCmd(),
		newCompareCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the linkload version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "linkload %s\n", Version)
		},
	}
}
