package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/rpreport/internal/gotest"
	"github.com/rocketship-ai/rpreport/internal/sqlsink"
	"github.com/rocketship-ai/rpreport/pkg/client"
	"github.com/rocketship-ai/rpreport/pkg/config"
	"github.com/rocketship-ai/rpreport/pkg/reporter"
	"github.com/rocketship-ai/rpreport/pkg/sink"
)

// ErrTestsFailed is returned by report when the stream contained failed or
// interrupted tests.
var ErrTestsFailed = errors.New("tests failed")

// NewReportCmd creates the report command
func NewReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [file]",
		Short: "Report a go test -json stream",
		Long: `Report the output of "go test -json" as a launch. The stream is read from
the given file, or from stdin when no file (or "-") is given.

Examples:
  go test -json ./... | rpreport report
  rpreport report --output sqlite:results.db test-output.json
  rpreport report --output memory --launch "dry run" < test-output.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runReport,
	}
	addConfigFlags(cmd)
	cmd.Flags().String("output", "http", "Where to report: http, sqlite:<path> or memory")
	cmd.Flags().Bool("nowait", false, "Do not wait for pending reports when the stream ends")
	return cmd
}

// outputFactory maps an --output value onto the sink it names.
func outputFactory(output string) (reporter.SinkFactory, error) {
	switch {
	case output == "http":
		return func(ctx context.Context, cfg *config.Config) (sink.Sink, error) {
			return client.New(ctx, cfg, client.WithLogger(Logger))
		}, nil
	case output == "memory":
		return func(context.Context, *config.Config) (sink.Sink, error) {
			return sink.NewMemory(), nil
		}, nil
	case strings.HasPrefix(output, "sqlite:"):
		path := strings.TrimPrefix(output, "sqlite:")
		if path == "" {
			return nil, errors.New("sqlite output needs a path, as in sqlite:results.db")
		}
		return func(ctx context.Context, _ *config.Config) (sink.Sink, error) {
			return sqlsink.Open(ctx, path)
		}, nil
	}
	return nil, fmt.Errorf("unknown output %q (want http, sqlite:<path> or memory)", output)
}

func runReport(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	nowait, _ := cmd.Flags().GetBool("nowait")

	factory, err := outputFactory(output)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	classifier, err := cfg.Classifier()
	if err != nil {
		return err
	}

	in, closeIn, err := openInput(cmd, args)
	if err != nil {
		return err
	}
	defer closeIn()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	svc := reporter.New(cfg, reporter.WithSinkFactory(factory), reporter.WithLogger(Logger))
	if err := svc.Init(ctx); err != nil {
		return err
	}
	launch, err := svc.StartLaunch(ctx, reporter.LaunchOptions{})
	if err != nil {
		return errors.Join(err, svc.Terminate(true))
	}
	Logger.Info("reporting launch", "launch", launch.Name(), "output", output)

	adapter := gotest.New(svc, classifier, gotest.WithLogger(Logger))
	runErr := adapter.Run(ctx, in)
	finishErr := svc.FinishLaunch(ctx, sink.FinishLaunchRequest{})
	stats := svc.Stats()
	termErr := svc.Terminate(nowait)

	summary := adapter.Summary()
	printSummary(cmd.OutOrStdout(), launch, summary, stats.Failures)

	if err := errors.Join(runErr, finishErr, termErr); err != nil {
		return fmt.Errorf("reporting failed: %w", err)
	}
	if !summary.OK() {
		return ErrTestsFailed
	}
	return nil
}

func openInput(cmd *cobra.Command, args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open test output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func printSummary(w io.Writer, launch *sink.Ref, s gotest.Summary, failures uint64) {
	id := launch.ID()
	if id == "" {
		id = "not created"
	}
	_, _ = fmt.Fprintf(w, "\nLaunch %s (%s)\n", color.CyanString(launch.Name()), id)
	_, _ = fmt.Fprintf(w, "  packages:    %d\n", s.Packages)
	_, _ = fmt.Fprintf(w, "  passed:      %s\n", color.GreenString("%d", s.Passed))
	_, _ = fmt.Fprintf(w, "  failed:      %s\n", colorIf(s.Failed > 0, color.RedString, s.Failed))
	_, _ = fmt.Fprintf(w, "  skipped:     %s\n", colorIf(s.Skipped > 0, color.YellowString, s.Skipped))
	_, _ = fmt.Fprintf(w, "  interrupted: %s\n", colorIf(s.Interrupted > 0, color.RedString, s.Interrupted))
	if failures > 0 {
		_, _ = fmt.Fprintf(w, "%s %d reporting call(s) failed, see the log\n", color.RedString("✗"), failures)
	}
}

func colorIf(cond bool, paint func(string, ...interface{}) string, n int) string {
	if cond {
		return paint("%d", n)
	}
	return fmt.Sprintf("%d", n)
}
