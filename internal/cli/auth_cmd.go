package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/rpreport/pkg/config"
)

func NewLoginCmd() *cobra.Command {
	var endpoint, apiKey string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API key in the OS keyring",
		Long: `Store the API key for an endpoint in the OS keyring. report picks it up
whenever no key is configured. Without --api-key the key is read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint = endpointOrEnv(endpoint)
			if endpoint == "" {
				return errors.New("--endpoint (or RP_ENDPOINT) is required")
			}
			if apiKey == "" {
				_, _ = fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read api key: %w", err)
				}
				apiKey = strings.TrimSpace(line)
			}
			if apiKey == "" {
				return errors.New("api key must not be empty")
			}
			if err := keyStore.Save(endpoint, apiKey); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s API key stored for %s\n", color.GreenString("✓"), endpoint)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Base URL of the test-management service")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key to store")
	return cmd
}

func NewLogoutCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove a stored API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint = endpointOrEnv(endpoint)
			if endpoint == "" {
				return errors.New("--endpoint (or RP_ENDPOINT) is required")
			}
			if err := keyStore.Delete(endpoint); err != nil {
				return fmt.Errorf("failed to remove api key: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Logged out of %s\n", color.GreenString("✓"), endpoint)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Base URL of the test-management service")
	return cmd
}

func endpointOrEnv(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(config.EnvPrefix + "ENDPOINT")
}
