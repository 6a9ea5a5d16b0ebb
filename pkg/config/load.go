package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the reporter reads.
const EnvPrefix = "RP_"

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := ValidateYAMLWithSchema(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile reads KEY=VALUE pairs from a .env file. Blank lines and lines
// starting with # are skipped; surrounding quotes are stripped.
func LoadEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer func() { _ = file.Close() }()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("invalid line %d in env file: %s", lineNum, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		if key == "" {
			return nil, fmt.Errorf("empty key at line %d", lineNum)
		}
		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading env file: %w", err)
	}
	return env, nil
}

// ApplyEnvFile exports the variables of a .env file into the process
// environment. Variables that are already set win. A missing file is not an
// error.
func ApplyEnvFile(path string) error {
	env, err := LoadEnvFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for key, value := range env {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set environment variable %s: %w", key, err)
		}
	}
	return nil
}

type envSetter func(c *Config, value string) error

func str(field func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func integer(field func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolean(field func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func duration(field func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

var envSetters = map[string]envSetter{
	"ENDPOINT":    str(func(c *Config) *string { return &c.Endpoint }),
	"PROJECT":     str(func(c *Config) *string { return &c.Project }),
	"API_KEY":     str(func(c *Config) *string { return &c.APIKey }),
	"LAUNCH":      str(func(c *Config) *string { return &c.Launch }),
	"DESCRIPTION": str(func(c *Config) *string { return &c.Description }),
	"ATTRIBUTES": func(c *Config, v string) error {
		c.Attributes = nil
		for _, a := range strings.Split(v, ";") {
			if a = strings.TrimSpace(a); a != "" {
				c.Attributes = append(c.Attributes, a)
			}
		}
		return nil
	},
	"MODE":           str(func(c *Config) *string { return &c.Mode }),
	"LAUNCH_ID":      str(func(c *Config) *string { return &c.LaunchID }),
	"RERUN":          boolean(func(c *Config) *bool { return &c.Rerun }),
	"RERUN_OF":       str(func(c *Config) *string { return &c.RerunOf }),
	"LOG_BATCH_SIZE": integer(func(c *Config) *int { return &c.LogBatchSize }),
	"LOG_BATCH_PAYLOAD_LIMIT": func(c *Config, v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		c.LogBatchPayloadLimit = n
		return nil
	},
	"LOG_SIZE_POLICY":     str(func(c *Config) *string { return &c.LogSizePolicy }),
	"LOG_LEVEL":           str(func(c *Config) *string { return &c.LogLevel }),
	"QUEUE_SIZE":          integer(func(c *Config) *int { return &c.QueueSize }),
	"THREAD_LOGGING":      boolean(func(c *Config) *bool { return &c.ThreadLogging }),
	"RETRIES":             integer(func(c *Config) *int { return &c.Retries }),
	"VERIFY_SSL":          boolean(func(c *Config) *bool { return &c.VerifySSL }),
	"CONNECT_TIMEOUT":     duration(func(c *Config) *time.Duration { return &c.ConnectTimeout }),
	"READ_TIMEOUT":        duration(func(c *Config) *time.Duration { return &c.ReadTimeout }),
	"SHUTDOWN_TIMEOUT":    duration(func(c *Config) *time.Duration { return &c.ShutdownTimeout }),
	"SKIPPED_IS_ISSUE":    boolean(func(c *Config) *bool { return &c.SkippedIsIssue }),
	"OAUTH_TOKEN_URL":     str(func(c *Config) *string { return &c.OAuth.TokenURL }),
	"OAUTH_USERNAME":      str(func(c *Config) *string { return &c.OAuth.Username }),
	"OAUTH_PASSWORD":      str(func(c *Config) *string { return &c.OAuth.Password }),
	"OAUTH_CLIENT_ID":     str(func(c *Config) *string { return &c.OAuth.ClientID }),
	"OAUTH_CLIENT_SECRET": str(func(c *Config) *string { return &c.OAuth.ClientSecret }),
	"OAUTH_SCOPE":         str(func(c *Config) *string { return &c.OAuth.Scope }),
}

// ApplyEnv overrides fields from RP_* variables found through lookup
// (normally os.LookupEnv). Every malformed value is reported.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for suffix, set := range envSetters {
		name := EnvPrefix + suffix
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if err := set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// EnvNames lists the RP_* variables ApplyEnv understands.
func EnvNames() []string {
	names := make([]string, 0, len(envSetters))
	for suffix := range envSetters {
		names = append(names, EnvPrefix+suffix)
	}
	return names
}
