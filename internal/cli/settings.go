package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rocketship-ai/rpreport/pkg/config"
)

// DefaultConfigFile is read when --config is not given and the file exists.
const DefaultConfigFile = "rpreport.yaml"

// keyStore is where API keys saved by `rpreport login` live.
var keyStore config.KeyStore = config.NewKeyringStore(config.KeyringService)

type flagBinding struct {
	name  string
	apply func(fs *pflag.FlagSet, c *config.Config) error
}

func stringFlag(name string, field func(*config.Config) *string) flagBinding {
	return flagBinding{name: name, apply: func(fs *pflag.FlagSet, c *config.Config) error {
		v, err := fs.GetString(name)
		*field(c) = v
		return err
	}}
}

func intFlag(name string, field func(*config.Config) *int) flagBinding {
	return flagBinding{name: name, apply: func(fs *pflag.FlagSet, c *config.Config) error {
		v, err := fs.GetInt(name)
		*field(c) = v
		return err
	}}
}

func boolFlag(name string, field func(*config.Config) *bool) flagBinding {
	return flagBinding{name: name, apply: func(fs *pflag.FlagSet, c *config.Config) error {
		v, err := fs.GetBool(name)
		*field(c) = v
		return err
	}}
}

func durationFlag(name string, field func(*config.Config) *time.Duration) flagBinding {
	return flagBinding{name: name, apply: func(fs *pflag.FlagSet, c *config.Config) error {
		v, err := fs.GetDuration(name)
		*field(c) = v
		return err
	}}
}

var configFlags = []flagBinding{
	stringFlag("endpoint", func(c *config.Config) *string { return &c.Endpoint }),
	stringFlag("project", func(c *config.Config) *string { return &c.Project }),
	stringFlag("api-key", func(c *config.Config) *string { return &c.APIKey }),
	stringFlag("launch", func(c *config.Config) *string { return &c.Launch }),
	stringFlag("description", func(c *config.Config) *string { return &c.Description }),
	{name: "attribute", apply: func(fs *pflag.FlagSet, c *config.Config) error {
		v, err := fs.GetStringArray("attribute")
		c.Attributes = v
		return err
	}},
	stringFlag("mode", func(c *config.Config) *string { return &c.Mode }),
	stringFlag("launch-id", func(c *config.Config) *string { return &c.LaunchID }),
	boolFlag("rerun", func(c *config.Config) *bool { return &c.Rerun }),
	stringFlag("rerun-of", func(c *config.Config) *string { return &c.RerunOf }),
	intFlag("log-batch-size", func(c *config.Config) *int { return &c.LogBatchSize }),
	{name: "log-batch-payload-limit", apply: func(fs *pflag.FlagSet, c *config.Config) error {
		v, err := fs.GetInt64("log-batch-payload-limit")
		c.LogBatchPayloadLimit = v
		return err
	}},
	stringFlag("log-size-policy", func(c *config.Config) *string { return &c.LogSizePolicy }),
	stringFlag("log-level", func(c *config.Config) *string { return &c.LogLevel }),
	intFlag("queue-size", func(c *config.Config) *int { return &c.QueueSize }),
	boolFlag("thread-logging", func(c *config.Config) *bool { return &c.ThreadLogging }),
	intFlag("retries", func(c *config.Config) *int { return &c.Retries }),
	boolFlag("verify-ssl", func(c *config.Config) *bool { return &c.VerifySSL }),
	durationFlag("connect-timeout", func(c *config.Config) *time.Duration { return &c.ConnectTimeout }),
	durationFlag("read-timeout", func(c *config.Config) *time.Duration { return &c.ReadTimeout }),
	durationFlag("shutdown-timeout", func(c *config.Config) *time.Duration { return &c.ShutdownTimeout }),
	boolFlag("skipped-is-issue", func(c *config.Config) *bool { return &c.SkippedIsIssue }),
}

// addConfigFlags registers a flag for every setting a command can override.
// Defaults shown in help come from config.Default; a flag only takes effect
// when it is set explicitly.
func addConfigFlags(cmd *cobra.Command) {
	d := config.Default()
	fs := cmd.Flags()
	fs.String("config", "", "Path to the YAML configuration file (default ./"+DefaultConfigFile+" if present)")
	fs.String("env-file", ".env", "Path to a .env file with RP_* variables")

	fs.String("endpoint", "", "Base URL of the test-management service")
	fs.String("project", "", "Project to report into")
	fs.String("api-key", "", "API key (prefer rpreport login or RP_API_KEY)")
	fs.String("launch", d.Launch, "Launch name")
	fs.String("description", "", "Launch description")
	fs.StringArray("attribute", nil, "Launch attribute as key:value or value (repeatable)")
	fs.String("mode", d.Mode, "Launch mode (DEFAULT or DEBUG)")
	fs.String("launch-id", "", "Report into an existing launch instead of starting one")
	fs.Bool("rerun", false, "Mark the launch as a rerun")
	fs.String("rerun-of", "", "Id of the launch this run reruns")
	fs.Int("log-batch-size", d.LogBatchSize, "Log entries per batch")
	fs.Int64("log-batch-payload-limit", d.LogBatchPayloadLimit, "Maximum batch payload in bytes")
	fs.String("log-size-policy", d.LogSizePolicy, "How batch payload is measured (full or message)")
	fs.String("log-level", d.LogLevel, "Lowest level of test output that is reported")
	fs.Int("queue-size", d.QueueSize, "Capacity of the reporting queue")
	fs.Bool("thread-logging", d.ThreadLogging, "Attach goroutine logs to the step that spawned them")
	fs.Int("retries", d.Retries, "Retries per failed HTTP call")
	fs.Bool("verify-ssl", d.VerifySSL, "Verify the service's TLS certificate")
	fs.Duration("connect-timeout", d.ConnectTimeout, "Timeout for establishing a connection")
	fs.Duration("read-timeout", d.ReadTimeout, "Timeout for waiting on a response")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "How long to wait for pending reports on exit")
	fs.Bool("skipped-is-issue", d.SkippedIsIssue, "Leave skipped tests for investigation")
}

// resolveConfig layers defaults, the YAML file, the .env file, RP_*
// variables and explicitly set flags, then validates the result.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	fs := cmd.Flags()

	path, _ := fs.GetString("config")
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		Logger.Debug("loaded config file", "path", path)
	}

	envFile, _ := fs.GetString("env-file")
	if envFile != "" {
		if err := config.ApplyEnvFile(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	var errs []error
	for _, b := range configFlags {
		if f := fs.Lookup(b.name); f == nil || !f.Changed {
			continue
		}
		if err := b.apply(fs, cfg); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", b.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.ResolveAPIKey(keyStore); err != nil {
		Logger.Warn("could not read api key from keyring", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}
