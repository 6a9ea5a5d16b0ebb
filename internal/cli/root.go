package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates a new root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpreport",
		Short: "Report go test results to a test-management service",
		Long: `rpreport reads the event stream of "go test -json" and reports it as a
launch of suites, tests and logs to a test-management service, a local
SQLite file or nowhere at all.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				_ = os.Setenv("RP_LOG", "DEBUG")
			}
			InitLogging()
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	cmd.AddCommand(
		NewReportCmd(),
		NewValidateCmd(),
		NewLoginCmd(),
		NewLogoutCmd(),
		NewVersionCmd(),
	)

	return cmd
}
