// Package gotest reports the event stream of `go test -json` through a
// reporter.Service.
package gotest

import (
	"strings"
	"time"
)

// Event is one line of test2json output.
type Event struct {
	Time       time.Time `json:"Time"`
	Action     string    `json:"Action"`
	Package    string    `json:"Package"`
	ImportPath string    `json:"ImportPath,omitempty"`
	Test       string    `json:"Test,omitempty"`
	Elapsed    float64   `json:"Elapsed,omitempty"`
	Output     string    `json:"Output,omitempty"`
}

const (
	ActionStart       = "start"
	ActionRun         = "run"
	ActionPause       = "pause"
	ActionCont        = "cont"
	ActionPass        = "pass"
	ActionBench       = "bench"
	ActionFail        = "fail"
	ActionOutput      = "output"
	ActionSkip        = "skip"
	ActionBuildOutput = "build-output"
	ActionBuildFail   = "build-fail"
)

// parentTest returns the name of the test a subtest runs under, or "" for a
// top-level test.
func parentTest(name string) string {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return ""
	}
	return name[:i]
}

func depth(name string) int {
	return strings.Count(name, "/")
}

// isFraming reports whether an output line is test2json bookkeeping rather
// than something the test printed.
func isFraming(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	for _, prefix := range []string{"=== RUN", "=== PAUSE", "=== CONT", "=== NAME", "--- PASS", "--- SKIP"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	switch strings.TrimSpace(line) {
	case "PASS", "FAIL":
		return true
	}
	return strings.HasPrefix(line, "ok  \t") || strings.HasPrefix(line, "FAIL\t") || strings.HasPrefix(line, "?   \t")
}

// isErrorLine reports whether an output line marks a failure.
func isErrorLine(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	return strings.HasPrefix(trimmed, "--- FAIL") || strings.HasPrefix(trimmed, "panic:")
}
