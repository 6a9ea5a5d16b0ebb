package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

// NewVersionCmd creates a new version command
func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rpreport",
		Long:  `Print the version number of rpreport.`,
		Run: func(cmd *cobra.Command, args []string) {
			// RP_VERSION overrides the build-time version
			version := os.Getenv("RP_VERSION")
			if version == "" {
				version = Version
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rpreport %s\n", version)
		},
	}

	return cmd
}
