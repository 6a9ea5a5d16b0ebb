// Package config resolves reporter settings from defaults, a YAML file, a .env
// file, RP_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rocketship-ai/rpreport/pkg/dispatch"
	"github.com/rocketship-ai/rpreport/pkg/issues"
	"github.com/rocketship-ai/rpreport/pkg/sink"
)

const (
	DefaultLogBatchSize         = 20
	DefaultLogBatchPayloadLimit = 65 * 1024 * 1024
	DefaultQueueSize            = 1000
	DefaultRetries              = 1
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReadTimeout          = 30 * time.Second
	DefaultShutdownTimeout      = 60 * time.Second
)

// Config is the fully resolved reporter configuration.
type Config struct {
	Endpoint    string   `yaml:"endpoint"`
	Project     string   `yaml:"project"`
	APIKey      string   `yaml:"api_key"`
	Launch      string   `yaml:"launch"`
	Description string   `yaml:"description"`
	Attributes  []string `yaml:"attributes"`
	Mode        string   `yaml:"mode"`
	// LaunchID points at a launch owned by someone else. The reporter then
	// neither starts nor finishes it.
	LaunchID string `yaml:"launch_id"`
	Rerun    bool   `yaml:"rerun"`
	RerunOf  string `yaml:"rerun_of"`

	LogBatchSize         int    `yaml:"log_batch_size"`
	LogBatchPayloadLimit int64  `yaml:"log_batch_payload_limit"`
	LogSizePolicy        string `yaml:"log_size_policy"`
	LogLevel             string `yaml:"log_level"`
	QueueSize            int    `yaml:"queue_size"`
	ThreadLogging        bool   `yaml:"thread_logging"`

	Retries         int           `yaml:"retries"`
	VerifySSL       bool          `yaml:"verify_ssl"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	OAuth OAuth `yaml:"oauth"`

	SkippedIsIssue bool          `yaml:"skipped_is_issue"`
	IssueRules     []issues.Rule `yaml:"issue_rules"`
}

// OAuth holds the password-grant settings used instead of an API key.
type OAuth struct {
	TokenURL     string `yaml:"token_url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

// Enabled reports whether OAuth should be used.
func (o OAuth) Enabled() bool {
	return o.TokenURL != ""
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Launch:               "Go Launch",
		Mode:                 string(sink.ModeDefault),
		LogBatchSize:         DefaultLogBatchSize,
		LogBatchPayloadLimit: DefaultLogBatchPayloadLimit,
		LogSizePolicy:        dispatch.SizeFull.String(),
		LogLevel:             string(sink.LevelInfo),
		QueueSize:            DefaultQueueSize,
		ThreadLogging:        true,
		Retries:              DefaultRetries,
		VerifySSL:            true,
		ConnectTimeout:       DefaultConnectTimeout,
		ReadTimeout:          DefaultReadTimeout,
		ShutdownTimeout:      DefaultShutdownTimeout,
		SkippedIsIssue:       true,
	}
}

// Validate reports every problem at once. Credentials are checked by the
// HTTP client, since other outputs do not need them.
func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint != "" {
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("endpoint %q must be an absolute http(s) URL", c.Endpoint))
		}
	}
	if strings.TrimSpace(c.Launch) == "" && c.LaunchID == "" {
		errs = append(errs, errors.New("launch name is required"))
	}
	if c.LogBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("log_batch_size must be positive, got %d", c.LogBatchSize))
	}
	if c.LogBatchPayloadLimit <= 0 {
		errs = append(errs, fmt.Errorf("log_batch_payload_limit must be positive, got %d", c.LogBatchPayloadLimit))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", c.Retries))
	}
	if _, err := dispatch.ParseSizePolicy(c.LogSizePolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := sink.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LaunchMode(); err != nil {
		errs = append(errs, err)
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 || c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.OAuth.Enabled() && (c.OAuth.Username == "" || c.OAuth.ClientID == "") {
		errs = append(errs, errors.New("oauth requires username and client_id"))
	}
	if _, err := issues.NewClassifier(c.IssueRules, c.SkippedIsIssue); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RequireRemote checks the settings the HTTP output cannot do without.
func (c *Config) RequireRemote() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if c.APIKey == "" && !c.OAuth.Enabled() {
		errs = append(errs, errors.New("api_key or oauth settings are required (run `rpreport login`)"))
	}
	return errors.Join(errs...)
}

func (c *Config) LaunchMode() (sink.Mode, error) {
	switch m := sink.Mode(strings.ToUpper(strings.TrimSpace(c.Mode))); m {
	case "":
		return sink.ModeDefault, nil
	case sink.ModeDefault, sink.ModeDebug:
		return m, nil
	}
	return "", fmt.Errorf("unknown launch mode %q (want DEFAULT or DEBUG)", c.Mode)
}

func (c *Config) Level() sink.Level {
	l, err := sink.ParseLevel(c.LogLevel)
	if err != nil {
		return sink.LevelInfo
	}
	return l
}

func (c *Config) SizePolicy() dispatch.SizePolicy {
	p, err := dispatch.ParseSizePolicy(c.LogSizePolicy)
	if err != nil {
		return dispatch.SizeFull
	}
	return p
}

// LaunchAttributes parses the configured "key:value" attributes.
func (c *Config) LaunchAttributes() []sink.Attribute {
	return sink.ParseAttributes(c.Attributes)
}

// Classifier builds the issue classifier from the configured rules.
func (c *Config) Classifier() (*issues.Classifier, error) {
	return issues.NewClassifier(c.IssueRules, c.SkippedIsIssue)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.APIKey != "" {
		cp.APIKey = "****"
	}
	if cp.OAuth.Password != "" {
		cp.OAuth.Password = "****"
	}
	if cp.OAuth.ClientSecret != "" {
		cp.OAuth.ClientSecret = "****"
	}
	return &cp
}
