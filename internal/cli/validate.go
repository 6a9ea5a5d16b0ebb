package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/rpreport/pkg/config"
)

// NewValidateCmd creates a new validate command
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate rpreport configuration files",
		Long: `Validate one or more configuration files against the JSON schema and check
their values, including the issue rule expressions, without reporting anything.

Examples:
  rpreport validate                      # Validate ./rpreport.yaml
  rpreport validate ci.yaml local.yaml   # Validate several files`,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{DefaultConfigFile}
	}

	invalid := 0
	for _, file := range args {
		if err := validateFile(file); err != nil {
			Logger.Error("validation failed", "file", file, "error", err)
			invalid++
			continue
		}
		Logger.Info("validation passed", "file", file)
	}

	if invalid > 0 {
		return fmt.Errorf("validation failed for %d file(s)", invalid)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ All %d file(s) passed validation\n", len(args))
	return nil
}

func validateFile(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	Logger.Debug("file details",
		"endpoint", cfg.Endpoint,
		"project", cfg.Project,
		"launch", cfg.Launch,
		"issue_rules", len(cfg.IssueRules),
	)
	return nil
}
