package gotest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/rpreport/pkg/config"
	"github.com/rocketship-ai/rpreport/pkg/issues"
	"github.com/rocketship-ai/rpreport/pkg/reporter"
	"github.com/rocketship-ai/rpreport/pkg/sink"
)

// orderedSink remembers the order items were finished in.
type orderedSink struct {
	*sink.Memory
	mu       sync.Mutex
	finished []string
}

func (o *orderedSink) FinishItem(ctx context.Context, id string, req sink.FinishItemRequest) error {
	o.mu.Lock()
	o.finished = append(o.finished, id)
	o.mu.Unlock()
	return o.Memory.FinishItem(ctx, id, req)
}

func (o *orderedSink) order() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.finished...)
}

type stream struct {
	t     *testing.T
	lines []string
	at    time.Time
}

func newStream(t *testing.T) *stream {
	return &stream{t: t, at: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (s *stream) add(action, pkg, test, output string) *stream {
	s.at = s.at.Add(time.Millisecond)
	b, err := json.Marshal(Event{Time: s.at, Action: action, Package: pkg, Test: test, Output: output})
	require.NoError(s.t, err)
	s.lines = append(s.lines, string(b))
	return s
}

func (s *stream) raw(line string) *stream {
	s.lines = append(s.lines, line)
	return s
}

func (s *stream) reader() *strings.Reader {
	return strings.NewReader(strings.Join(s.lines, "\n") + "\n")
}

func runStream(t *testing.T, s *stream, classifier *issues.Classifier) (*orderedSink, Summary) {
	t.Helper()
	mem := &orderedSink{Memory: sink.NewMemory()}
	cfg := config.Default()
	cfg.Launch = "go"
	svc := reporter.New(cfg, reporter.WithSink(mem))
	ctx := context.Background()
	require.NoError(t, svc.Init(ctx))
	_, err := svc.StartLaunch(ctx, reporter.LaunchOptions{})
	require.NoError(t, err)

	a := New(svc, classifier)
	require.NoError(t, a.Run(ctx, s.reader()))
	require.NoError(t, svc.FinishLaunch(ctx, sink.FinishLaunchRequest{}))
	require.NoError(t, svc.Terminate(false))
	return mem, a.Summary()
}

func byName(mem *orderedSink) map[string]sink.ItemRecord {
	out := make(map[string]sink.ItemRecord)
	for _, rec := range mem.Items() {
		out[rec.ID] = rec
	}
	return out
}

func TestPackageWithSubtests(t *testing.T) {
	const p = "example.com/calc"
	s := newStream(t).
		add(ActionStart, p, "", "").
		add(ActionRun, p, "TestAdd", "").
		add(ActionOutput, p, "TestAdd", "=== RUN   TestAdd\n").
		add(ActionRun, p, "TestAdd/small", "").
		add(ActionOutput, p, "TestAdd/small", "    calc_test.go:10: adding\n").
		add(ActionOutput, p, "TestAdd/small", "    --- PASS: TestAdd/small (0.00s)\n").
		add(ActionPass, p, "TestAdd/small", "").
		add(ActionOutput, p, "TestAdd", "--- PASS: TestAdd (0.00s)\n").
		add(ActionPass, p, "TestAdd", "").
		add(ActionRun, p, "TestDiv", "").
		add(ActionOutput, p, "TestDiv", "    calc_test.go:20: division by zero\n").
		add(ActionOutput, p, "TestDiv", "--- FAIL: TestDiv (0.00s)\n").
		add(ActionFail, p, "TestDiv", "").
		add(ActionRun, p, "TestSlow", "").
		add(ActionOutput, p, "TestSlow", "    calc_test.go:30: short mode\n").
		add(ActionSkip, p, "TestSlow", "").
		add(ActionOutput, p, "", "FAIL\n").
		add(ActionOutput, p, "", "FAIL\texample.com/calc\t0.01s\n").
		add(ActionFail, p, "", "")

	mem, sum := runStream(t, s, nil)
	assert.Equal(t, Summary{Packages: 1, Passed: 1, Failed: 1, Skipped: 1}, sum)
	assert.False(t, sum.OK())

	items := byName(mem)
	suite := items[p+"_1"]
	assert.Equal(t, sink.TypeSuite, suite.Start.Type)
	assert.Empty(t, suite.Start.ParentID)
	assert.Equal(t, p, suite.Start.CodeRef)
	assert.Equal(t, sink.StatusFailed, suite.Finish.Status)

	add := items["TestAdd_1"]
	assert.Equal(t, suite.ID, add.Start.ParentID)
	assert.True(t, add.Start.HasStats)
	assert.Equal(t, p+".TestAdd", add.Start.CodeRef)
	assert.Equal(t, p+".TestAdd", add.Start.TestCaseID)
	assert.Equal(t, sink.StatusPassed, add.Finish.Status)

	small := items["small_1"]
	assert.Equal(t, add.ID, small.Start.ParentID)
	assert.False(t, small.Start.HasStats)
	assert.Empty(t, small.Start.TestCaseID)
	assert.Equal(t, p+".TestAdd/small", small.Start.CodeRef)

	div := items["TestDiv_1"]
	assert.Equal(t, sink.StatusFailed, div.Finish.Status)
	require.NotNil(t, div.Finish.Issue)
	assert.Equal(t, issues.ToInvestigate, div.Finish.Issue.Type)

	slow := items["TestSlow_1"]
	assert.Equal(t, sink.StatusSkipped, slow.Finish.Status)
	assert.Nil(t, slow.Finish.Issue)

	var messages []string
	for _, e := range mem.BatchedLogs() {
		messages = append(messages, e.Message)
		switch e.Message {
		case "    calc_test.go:10: adding":
			assert.Equal(t, small.ID, e.ItemID)
			assert.Equal(t, sink.LevelInfo, e.Level)
		case "--- FAIL: TestDiv (0.00s)":
			assert.Equal(t, div.ID, e.ItemID)
			assert.Equal(t, sink.LevelError, e.Level)
		}
	}
	assert.ElementsMatch(t, []string{
		"    calc_test.go:10: adding",
		"    calc_test.go:20: division by zero",
		"--- FAIL: TestDiv (0.00s)",
		"    calc_test.go:30: short mode",
	}, messages)
}

func TestFailuresAreClassified(t *testing.T) {
	classifier, err := issues.NewClassifier([]issues.Rule{
		{Match: `.output | test("connection refused")`, Type: issues.SystemIssue, Comment: "infra"},
	}, false)
	require.NoError(t, err)

	const p = "example.com/db"
	s := newStream(t).
		add(ActionRun, p, "TestConnect", "").
		add(ActionOutput, p, "TestConnect", "    db_test.go:5: dial: connection refused\n").
		add(ActionFail, p, "TestConnect", "").
		add(ActionRun, p, "TestQuery", "").
		add(ActionOutput, p, "TestQuery", "    db_test.go:9: wrong row count\n").
		add(ActionFail, p, "TestQuery", "").
		add(ActionRun, p, "TestLater", "").
		add(ActionSkip, p, "TestLater", "").
		add(ActionFail, p, "", "")

	mem, _ := runStream(t, s, classifier)
	items := byName(mem)
	assert.Equal(t, &sink.Issue{Type: issues.SystemIssue, Comment: "infra"}, items["TestConnect_1"].Finish.Issue)
	assert.Equal(t, issues.ToInvestigate, items["TestQuery_1"].Finish.Issue.Type)
	assert.Equal(t, &sink.Issue{Type: issues.NotIssue}, items["TestLater_1"].Finish.Issue)
}

func TestInterleavedPackages(t *testing.T) {
	s := newStream(t).
		add(ActionStart, "a", "", "").
		add(ActionStart, "b", "", "").
		add(ActionRun, "a", "TestA", "").
		add(ActionRun, "b", "TestB", "").
		add(ActionOutput, "a", "TestA", "from a\n").
		add(ActionOutput, "b", "TestB", "from b\n").
		add(ActionPass, "a", "TestA", "").
		add(ActionPass, "a", "", "").
		add(ActionPass, "b", "TestB", "").
		add(ActionPass, "b", "", "")

	mem, sum := runStream(t, s, nil)
	assert.Equal(t, Summary{Packages: 2, Passed: 2}, sum)
	assert.True(t, sum.OK())

	items := byName(mem)
	assert.Equal(t, "a_1", items["TestA_1"].Start.ParentID)
	assert.Equal(t, "b_1", items["TestB_1"].Start.ParentID)
	for _, e := range mem.BatchedLogs() {
		if e.Message == "from a" {
			assert.Equal(t, "TestA_1", e.ItemID)
		} else {
			assert.Equal(t, "TestB_1", e.ItemID)
		}
	}
}

func TestTruncatedStreamInterruptsDeepestFirst(t *testing.T) {
	const p = "example.com/hang"
	s := newStream(t).
		add(ActionRun, p, "TestOuter", "").
		add(ActionRun, p, "TestOuter/inner", "").
		add(ActionRun, p, "TestOuter/inner/leaf", "").
		add(ActionRun, p, "TestOther", "")

	mem, sum := runStream(t, s, nil)
	assert.Equal(t, Summary{Packages: 1, Interrupted: 2}, sum)
	assert.False(t, sum.OK())

	assert.Equal(t, []string{"leaf_1", "inner_1", "TestOther_1", "TestOuter_1", p + "_1"}, mem.order())
	for _, rec := range mem.Items() {
		require.NotNil(t, rec.Finish, rec.ID)
		assert.Equal(t, sink.StatusInterrupted, rec.Finish.Status, rec.ID)
	}
}

func TestPackageEndInterruptsRunningTests(t *testing.T) {
	const p = "example.com/panics"
	s := newStream(t).
		add(ActionRun, p, "TestBoom", "").
		add(ActionOutput, p, "TestBoom", "panic: boom\n").
		add(ActionOutput, p, "", "FAIL\texample.com/panics\t0.01s\n").
		add(ActionFail, p, "", "")

	mem, sum := runStream(t, s, nil)
	assert.Equal(t, 1, sum.Interrupted)

	items := byName(mem)
	assert.Equal(t, sink.StatusInterrupted, items["TestBoom_1"].Finish.Status)
	assert.Equal(t, sink.StatusFailed, items[p+"_1"].Finish.Status)

	logs := mem.BatchedLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "panic: boom", logs[0].Message)
	assert.Equal(t, sink.LevelError, logs[0].Level)
}

func TestNonJSONLinesGoToLaunch(t *testing.T) {
	s := newStream(t).
		raw("# example.com/broken").
		raw("./x.go:3:1: syntax error").
		raw("").
		add(ActionBuildFail, "", "", "")

	mem, sum := runStream(t, s, nil)
	assert.Equal(t, Summary{}, sum)
	assert.Empty(t, mem.Items())

	logs := mem.BatchedLogs()
	require.Len(t, logs, 3)
	for _, e := range logs {
		assert.Empty(t, e.ItemID)
		assert.Equal(t, "go_1", e.LaunchID)
	}
	assert.Equal(t, "# example.com/broken", logs[0].Message)
	assert.Equal(t, sink.LevelError, logs[2].Level)
}

func TestRerunOfSameTestOpensNewItem(t *testing.T) {
	const p = "example.com/count"
	s := newStream(t).
		add(ActionRun, p, "TestFlaky", "").
		add(ActionFail, p, "TestFlaky", "").
		add(ActionRun, p, "TestFlaky", "").
		add(ActionPass, p, "TestFlaky", "").
		add(ActionFail, p, "", "")

	mem, sum := runStream(t, s, nil)
	assert.Equal(t, Summary{Packages: 1, Passed: 1, Failed: 1}, sum)
	items := byName(mem)
	assert.Equal(t, sink.StatusFailed, items["TestFlaky_1"].Finish.Status)
	assert.Equal(t, sink.StatusPassed, items["TestFlaky_2"].Finish.Status)
}

func TestIsFraming(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"=== RUN   TestA", true},
		{"    --- PASS: TestA/b (0.00s)", true},
		{"--- SKIP: TestA (0.00s)", true},
		{"PASS", true},
		{"ok  \texample.com/x\t0.01s", true},
		{"?   \texample.com/y\t[no test files]", true},
		{"--- FAIL: TestA (0.00s)", false},
		{"    x_test.go:1: hello", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, isFraming(tt.line))
		})
	}
}
