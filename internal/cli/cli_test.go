package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/rocketship-ai/rpreport/internal/sqlsink"
)

const passingStream = `{"Action":"start","Package":"example.com/p"}
{"Action":"run","Package":"example.com/p","Test":"TestOK"}
{"Action":"output","Package":"example.com/p","Test":"TestOK","Output":"    p_test.go:3: fine\n"}
{"Action":"pass","Package":"example.com/p","Test":"TestOK","Elapsed":0.01}
{"Action":"pass","Package":"example.com/p","Elapsed":0.02}
`

const failingStream = `{"Action":"run","Package":"example.com/p","Test":"TestBad"}
{"Action":"output","Package":"example.com/p","Test":"TestBad","Output":"--- FAIL: TestBad (0.00s)\n"}
{"Action":"fail","Package":"example.com/p","Test":"TestBad","Elapsed":0.01}
{"Action":"fail","Package":"example.com/p","Elapsed":0.02}
`

func TestMain(m *testing.M) {
	keyring.MockInit()
	color.NoColor = true
	os.Exit(m.Run())
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// unsetEnv clears name for the duration of the test.
func unsetEnv(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, "")
	require.NoError(t, os.Unsetenv(name))
}

func TestVersion(t *testing.T) {
	unsetEnv(t, "RP_VERSION")
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "rpreport dev\n", out)

	t.Setenv("RP_VERSION", "v1.2.3")
	out, err = execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "rpreport v1.2.3\n", out)
}

func TestReportToMemory(t *testing.T) {
	unsetEnv(t, "RP_LAUNCH")
	out, err := execute(t, passingStream, "report", "--output", "memory", "--env-file", "", "--launch", "dry")
	require.NoError(t, err)
	assert.Contains(t, out, "Launch dry (dry_1)")
	assert.Contains(t, out, "packages:    1")
	assert.Contains(t, out, "passed:      1")
	assert.Contains(t, out, "failed:      0")
}

func TestReportFailingStreamExitsNonZero(t *testing.T) {
	path := writeFile(t, "events.json", failingStream)
	out, err := execute(t, "", "report", "--output", "memory", "--env-file", "", path)
	require.ErrorIs(t, err, ErrTestsFailed)
	assert.Contains(t, out, "failed:      1")
}

func TestReportTruncatedStreamIsInterrupted(t *testing.T) {
	stream := `{"Action":"run","Package":"example.com/p","Test":"TestHang"}` + "\n"
	out, err := execute(t, stream, "report", "--output", "memory", "--env-file", "")
	require.ErrorIs(t, err, ErrTestsFailed)
	assert.Contains(t, out, "interrupted: 1")
}

func TestReportToSQLite(t *testing.T) {
	unsetEnv(t, "RP_LAUNCH")
	db := filepath.Join(t.TempDir(), "report.db")
	_, err := execute(t, passingStream, "report", "--output", "sqlite:"+db, "--env-file", "", "--launch", "local")
	require.NoError(t, err)

	ctx := context.Background()
	store, err := sqlsink.Open(ctx, db)
	require.NoError(t, err)
	defer store.Close()

	launches, err := store.Launches(ctx)
	require.NoError(t, err)
	require.Len(t, launches, 1)
	assert.Equal(t, "local", launches[0].Name)
	assert.Equal(t, "PASSED", launches[0].Status.String)

	sum, err := store.Summary(ctx, launches[0].ID)
	require.NoError(t, err)
	assert.Equal(t, sqlsink.Summary{Total: 1, Passed: 1}, sum)

	logs, err := store.Logs(ctx, launches[0].ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "    p_test.go:3: fine", logs[0].Message)
}

func TestReportRejectsUnknownOutput(t *testing.T) {
	_, err := execute(t, "", "report", "--output", "kafka", "--env-file", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown output "kafka"`)

	_, err = execute(t, "", "report", "--output", "sqlite:", "--env-file", "")
	require.Error(t, err)
}

func TestReportHTTPNeedsCredentials(t *testing.T) {
	for _, name := range []string{"RP_ENDPOINT", "RP_PROJECT", "RP_API_KEY"} {
		unsetEnv(t, name)
	}
	_, err := execute(t, passingStream, "report", "--env-file", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint is required")
}

func TestConfigPrecedence(t *testing.T) {
	unsetEnv(t, "RP_LAUNCH")
	cfgFile := writeFile(t, "rpreport.yaml", "launch: from-yaml\n")

	out, err := execute(t, passingStream, "report", "--output", "memory", "--env-file", "", "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Launch from-yaml")

	envFile := writeFile(t, ".env", "RP_LAUNCH=from-dotenv\n")
	out, err = execute(t, passingStream, "report", "--output", "memory", "--env-file", envFile, "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Launch from-dotenv")

	t.Setenv("RP_LAUNCH", "from-env")
	out, err = execute(t, passingStream, "report", "--output", "memory", "--env-file", envFile, "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Launch from-env", "the environment wins over the .env file")

	out, err = execute(t, passingStream, "report", "--output", "memory", "--env-file", envFile, "--config", cfgFile, "--launch", "from-flag")
	require.NoError(t, err)
	assert.Contains(t, out, "Launch from-flag")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfgFile := writeFile(t, "rpreport.yaml", "log_batch_size: 0\n")
	_, err := execute(t, passingStream, "report", "--output", "memory", "--env-file", "", "--config", cfgFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_batch_size")

	t.Setenv("RP_LOG_BATCH_SIZE", "0")
	t.Setenv("RP_LOG_LEVEL", "loud")
	_, err = execute(t, passingStream, "report", "--output", "memory", "--env-file", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_batch_size must be positive")
	assert.Contains(t, err.Error(), "unknown log level")

	_, err = execute(t, passingStream, "report", "--output", "memory", "--env-file", "", "--log-batch-size", "5", "--log-level", "debug")
	require.NoError(t, err, "flags override the environment")
}

func TestValidate(t *testing.T) {
	good := writeFile(t, "good.yaml", "endpoint: https://rp.example.com\nproject: demo\nissue_rules:\n  - match: '.output | test(\"timeout\")'\n    type: si001\n")
	bad := writeFile(t, "bad.yaml", "endpoint: https://rp.example.com\nunknown_key: 1\n")
	badRule := writeFile(t, "rule.yaml", "issue_rules:\n  - match: '.output |'\n    type: si001\n")

	out, err := execute(t, "", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "All 1 file(s) passed validation")

	_, err = execute(t, "", "validate", good, bad, badRule)
	require.Error(t, err)
	assert.Equal(t, "validation failed for 2 file(s)", err.Error())
}

func TestLoginLogout(t *testing.T) {
	unsetEnv(t, "RP_ENDPOINT")

	_, err := execute(t, "", "login")
	require.Error(t, err)

	out, err := execute(t, "s3cret\n", "login", "--endpoint", "https://rp.example.com/")
	require.NoError(t, err)
	assert.Contains(t, out, "API key stored for https://rp.example.com/")

	key, err := keyStore.Load("https://rp.example.com")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", key)

	t.Setenv("RP_ENDPOINT", "https://rp.example.com")
	_, err = execute(t, "", "logout")
	require.NoError(t, err)
	_, err = keyStore.Load("https://rp.example.com")
	assert.Error(t, err)
}

func TestLoginRejectsEmptyKey(t *testing.T) {
	_, err := execute(t, "\n", "login", "--endpoint", "https://rp.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be empty")
}
