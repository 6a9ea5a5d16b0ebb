// Package issues decides which defect type a failed test is reported with.
package issues

import (
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

const (
	// ToInvestigate is the service's default locator for unclassified defects.
	ToInvestigate = "ti001"
	ProductBug    = "pb001"
	AutomationBug = "ab001"
	SystemIssue   = "si001"
	NotADefect    = "nd001"

	// NotIssue tells the service a skipped item needs no investigation.
	NotIssue = "NOT_ISSUE"
)

// Rule maps failures matching a jq expression onto an issue type. The
// expression runs against {"package", "test", "output", "elapsed"} and must
// yield true to match.
type Rule struct {
	Match   string `yaml:"match" json:"match"`
	Type    string `yaml:"type" json:"type"`
	Comment string `yaml:"comment,omitempty" json:"comment,omitempty"`
}

// Failure is what a rule is evaluated against.
type Failure struct {
	Package string
	Test    string
	Output  string
	Elapsed float64
}

func (f Failure) document() map[string]interface{} {
	return map[string]interface{}{
		"package": f.Package,
		"test":    f.Test,
		"output":  f.Output,
		"elapsed": f.Elapsed,
	}
}

type compiledRule struct {
	Rule
	code *gojq.Code
}

type Classifier struct {
	rules          []compiledRule
	skippedIsIssue bool
}

// NewClassifier compiles every rule up front so a bad expression fails at
// startup rather than mid-run.
func NewClassifier(rules []Rule, skippedIsIssue bool) (*Classifier, error) {
	c := &Classifier{skippedIsIssue: skippedIsIssue}
	for i, r := range rules {
		if strings.TrimSpace(r.Match) == "" {
			return nil, fmt.Errorf("issue rule %d: match expression is required", i)
		}
		if strings.TrimSpace(r.Type) == "" {
			return nil, fmt.Errorf("issue rule %d: type is required", i)
		}
		query, err := gojq.Parse(r.Match)
		if err != nil {
			return nil, fmt.Errorf("issue rule %d: failed to parse %q: %w", i, r.Match, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("issue rule %d: failed to compile %q: %w", i, r.Match, err)
		}
		c.rules = append(c.rules, compiledRule{Rule: r, code: code})
	}
	return c, nil
}

// Classify returns the issue for a failed test: the first matching rule, else
// "to investigate".
func (c *Classifier) Classify(f Failure) *sink.Issue {
	doc := f.document()
	for _, r := range c.rules {
		if matches(r.code, doc) {
			return &sink.Issue{Type: r.Type, Comment: r.Comment}
		}
	}
	return &sink.Issue{Type: ToInvestigate}
}

// ForSkipped returns the issue for a skipped test: nil lets the service mark
// it "to investigate"; otherwise it is flagged as needing no investigation.
func (c *Classifier) ForSkipped() *sink.Issue {
	if c.skippedIsIssue {
		return nil
	}
	return &sink.Issue{Type: NotIssue}
}

func matches(code *gojq.Code, doc map[string]interface{}) bool {
	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return false
	}
	if _, isErr := v.(error); isErr {
		return false
	}
	b, isBool := v.(bool)
	return isBool && b
}
