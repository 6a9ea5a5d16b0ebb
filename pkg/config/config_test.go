package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/rpreport/pkg/dispatch"
	"github.com/rocketship-ai/rpreport/pkg/issues"
	"github.com/rocketship-ai/rpreport/pkg/sink"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 20, cfg.LogBatchSize)
	assert.Equal(t, int64(65*1024*1024), cfg.LogBatchPayloadLimit)
	assert.Equal(t, 1000, cfg.QueueSize)
	assert.Equal(t, 1, cfg.Retries)
	assert.True(t, cfg.ThreadLogging)
	assert.True(t, cfg.VerifySSL)
	assert.True(t, cfg.SkippedIsIssue)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.ShutdownTimeout)
	assert.Equal(t, sink.LevelInfo, cfg.Level())
	assert.Equal(t, dispatch.SizeFull, cfg.SizePolicy())
	require.NoError(t, cfg.Validate())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Endpoint = "localhost:8080"
	cfg.LogBatchSize = 0
	cfg.QueueSize = -1
	cfg.Mode = "LOUD"
	cfg.LogSizePolicy = "bytes"
	cfg.LogLevel = "chatty"
	cfg.IssueRules = []issues.Rule{{Match: "(", Type: issues.ProductBug}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"endpoint \"localhost:8080\"",
		"log_batch_size must be positive",
		"queue_size must be positive",
		"unknown launch mode",
		"unknown log size policy",
		"unknown log level",
		"issue rule 0",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRequireRemote(t *testing.T) {
	cfg := Default()
	err := cfg.RequireRemote()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint is required")
	assert.Contains(t, err.Error(), "project is required")
	assert.Contains(t, err.Error(), "api_key or oauth")

	cfg.Endpoint = "https://rp.example.com"
	cfg.Project = "demo"
	cfg.OAuth = OAuth{TokenURL: "https://rp.example.com/uat/sso/oauth/token", Username: "u", ClientID: "ui"}
	assert.NoError(t, cfg.RequireRemote())
}

func TestLaunchMode(t *testing.T) {
	cfg := Default()
	cfg.Mode = "debug"
	m, err := cfg.LaunchMode()
	require.NoError(t, err)
	assert.Equal(t, sink.ModeDebug, m)

	cfg.Mode = ""
	m, err = cfg.LaunchMode()
	require.NoError(t, err)
	assert.Equal(t, sink.ModeDefault, m)
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "secret"
	cfg.OAuth.Password = "hunter2"

	r := cfg.Redacted()
	assert.Equal(t, "****", r.APIKey)
	assert.Equal(t, "****", r.OAuth.Password)
	assert.Empty(t, r.OAuth.ClientSecret)
	assert.Equal(t, "secret", cfg.APIKey, "original is untouched")
}
