package gotest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/rocketship-ai/rpreport/pkg/issues"
	"github.com/rocketship-ai/rpreport/pkg/reporter"
	"github.com/rocketship-ai/rpreport/pkg/sink"
)

const (
	maxLineSize      = 16 << 20
	maxFailureOutput = 64 << 10
)

// Summary counts top-level tests by outcome.
type Summary struct {
	Packages    int
	Passed      int
	Failed      int
	Skipped     int
	Interrupted int
}

// OK reports whether nothing failed or was cut short.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Interrupted == 0
}

type test struct {
	name   string
	ref    *sink.Ref
	output strings.Builder
}

type pkg struct {
	name  string
	ref   *sink.Ref
	tests map[string]*test
	// open lists running tests in start order.
	open []*test
}

// Adapter turns test2json events into launch items. Packages and parallel
// tests interleave in the stream, so every item is opened with an explicit
// parent instead of relying on implicit nesting.
type Adapter struct {
	svc        *reporter.Service
	classifier *issues.Classifier
	log        *slog.Logger

	pkgs    map[string]*pkg
	summary Summary
}

type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// New returns an adapter reporting through svc. A nil classifier reports
// every failure as "to investigate".
func New(svc *reporter.Service, classifier *issues.Classifier, opts ...Option) *Adapter {
	if classifier == nil {
		classifier, _ = issues.NewClassifier(nil, true)
	}
	a := &Adapter{
		svc:        svc,
		classifier: classifier,
		log:        slog.Default(),
		pkgs:       make(map[string]*pkg),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Summary() Summary {
	return a.summary
}

// Run reads events from r until EOF or ctx is done, then closes whatever is
// still open. Lines that are not JSON, such as compiler errors, are logged to
// the launch.
func (a *Adapter) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ev Event
		if line[0] != '{' || json.Unmarshal(line, &ev) != nil {
			if err := a.logLaunch(ctx, string(line), sink.LevelInfo, time.Time{}); err != nil {
				return err
			}
			continue
		}
		if err := a.Handle(ctx, ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Join(fmt.Errorf("failed to read test events: %w", err), a.Close(ctx))
	}
	return a.Close(ctx)
}

// Handle applies a single event.
func (a *Adapter) Handle(ctx context.Context, ev Event) error {
	switch ev.Action {
	case ActionBuildOutput:
		return a.logLaunch(ctx, ev.Output, sink.LevelError, ev.Time)
	case ActionBuildFail:
		return a.logLaunch(ctx, "build failed: "+ev.ImportPath, sink.LevelError, ev.Time)
	}
	if ev.Package == "" {
		return nil
	}

	p, err := a.pkg(ctx, ev)
	if err != nil {
		return err
	}

	switch ev.Action {
	case ActionRun:
		if ev.Test != "" {
			return a.startTest(ctx, p, ev)
		}
	case ActionOutput:
		return a.output(ctx, p, ev)
	case ActionPass, ActionFail, ActionSkip:
		if ev.Test == "" {
			return a.finishPackage(ctx, p, ev)
		}
		return a.finishTest(ctx, p, ev)
	}
	return nil
}

// Close finishes every item still open as interrupted, deepest first.
func (a *Adapter) Close(ctx context.Context) error {
	names := make([]string, 0, len(a.pkgs))
	for name := range a.pkgs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	now := time.Now()
	for _, name := range names {
		p := a.pkgs[name]
		errs = append(errs, a.interruptTests(ctx, p, now))
		errs = append(errs, a.svc.FinishItem(ctx, p.ref, sink.FinishItemRequest{EndTime: now, Status: sink.StatusInterrupted}))
		delete(a.pkgs, name)
	}
	return errors.Join(errs...)
}

func (a *Adapter) pkg(ctx context.Context, ev Event) (*pkg, error) {
	if p, ok := a.pkgs[ev.Package]; ok {
		return p, nil
	}
	ref, err := a.svc.StartItem(ctx, reporter.ItemOptions{
		Name:      ev.Package,
		Type:      sink.TypeSuite,
		Detached:  true,
		StartTime: ev.Time,
		CodeRef:   ev.Package,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start package %s: %w", ev.Package, err)
	}
	p := &pkg{name: ev.Package, ref: ref, tests: make(map[string]*test)}
	a.pkgs[ev.Package] = p
	a.summary.Packages++
	return p, nil
}

func (a *Adapter) startTest(ctx context.Context, p *pkg, ev Event) error {
	if _, running := p.tests[ev.Test]; running {
		a.log.Warn("test started twice", "package", p.name, "test", ev.Test)
		return nil
	}

	parent := p.ref
	if name := parentTest(ev.Test); name != "" {
		if t, ok := p.tests[name]; ok {
			parent = t.ref
		}
	}
	topLevel := depth(ev.Test) == 0
	codeRef := p.name + "." + ev.Test
	opts := reporter.ItemOptions{
		Name:      ev.Test[strings.LastIndex(ev.Test, "/")+1:],
		Type:      sink.TypeStep,
		Parent:    parent,
		StartTime: ev.Time,
		CodeRef:   codeRef,
		HasStats:  topLevel,
	}
	if topLevel {
		opts.TestCaseID = codeRef
	}
	ref, err := a.svc.StartItem(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to start test %s: %w", ev.Test, err)
	}
	t := &test{name: ev.Test, ref: ref}
	p.tests[ev.Test] = t
	p.open = append(p.open, t)
	return nil
}

func (a *Adapter) output(ctx context.Context, p *pkg, ev Event) error {
	line := strings.TrimRight(ev.Output, "\r\n")
	item := p.ref
	if ev.Test != "" {
		if t, ok := p.tests[ev.Test]; ok {
			item = t.ref
			if t.output.Len() < maxFailureOutput {
				t.output.WriteString(ev.Output)
			}
		}
	}
	if strings.TrimSpace(line) == "" || isFraming(line) {
		return nil
	}
	level := sink.LevelInfo
	if isErrorLine(line) {
		level = sink.LevelError
	}
	return a.svc.Log(ctx, reporter.LogOptions{Item: item, Time: ev.Time, Message: line, Level: level})
}

func (a *Adapter) finishTest(ctx context.Context, p *pkg, ev Event) error {
	t, ok := p.tests[ev.Test]
	if !ok {
		a.log.Warn("finish of a test that never started", "package", p.name, "test", ev.Test)
		return nil
	}
	topLevel := depth(ev.Test) == 0
	req := sink.FinishItemRequest{EndTime: ev.Time, Status: status(ev.Action)}

	switch ev.Action {
	case ActionFail:
		if topLevel {
			req.Issue = a.classifier.Classify(issues.Failure{
				Package: p.name,
				Test:    ev.Test,
				Output:  t.output.String(),
				Elapsed: ev.Elapsed,
			})
			a.summary.Failed++
		}
	case ActionSkip:
		if topLevel {
			req.Issue = a.classifier.ForSkipped()
			a.summary.Skipped++
		}
	default:
		if topLevel {
			a.summary.Passed++
		}
	}

	p.forget(t)
	if err := a.svc.FinishItem(ctx, t.ref, req); err != nil {
		return fmt.Errorf("failed to finish test %s: %w", ev.Test, err)
	}
	return nil
}

func (a *Adapter) finishPackage(ctx context.Context, p *pkg, ev Event) error {
	delete(a.pkgs, p.name)
	if err := a.interruptTests(ctx, p, ev.Time); err != nil {
		return err
	}
	if err := a.svc.FinishItem(ctx, p.ref, sink.FinishItemRequest{EndTime: ev.Time, Status: status(ev.Action)}); err != nil {
		return fmt.Errorf("failed to finish package %s: %w", p.name, err)
	}
	return nil
}

// interruptTests finishes the package's running tests, subtests before their
// parents and later starts before earlier ones.
func (a *Adapter) interruptTests(ctx context.Context, p *pkg, at time.Time) error {
	running := make([]*test, len(p.open))
	for i, t := range p.open {
		running[len(p.open)-1-i] = t
	}
	sort.SliceStable(running, func(i, j int) bool {
		return depth(running[i].name) > depth(running[j].name)
	})

	var errs []error
	for _, t := range running {
		if depth(t.name) == 0 {
			a.summary.Interrupted++
		}
		p.forget(t)
		errs = append(errs, a.svc.FinishItem(ctx, t.ref, sink.FinishItemRequest{EndTime: at, Status: sink.StatusInterrupted}))
	}
	return errors.Join(errs...)
}

func (a *Adapter) logLaunch(ctx context.Context, msg string, level sink.Level, at time.Time) error {
	msg = strings.TrimRight(msg, "\r\n")
	if strings.TrimSpace(msg) == "" {
		return nil
	}
	return a.svc.Log(ctx, reporter.LogOptions{Launch: true, Time: at, Message: msg, Level: level})
}

func (p *pkg) forget(t *test) {
	delete(p.tests, t.name)
	for i, o := range p.open {
		if o == t {
			p.open = append(p.open[:i], p.open[i+1:]...)
			return
		}
	}
}

func status(action string) sink.Status {
	switch action {
	case ActionPass:
		return sink.StatusPassed
	case ActionFail:
		return sink.StatusFailed
	case ActionSkip:
		return sink.StatusSkipped
	}
	return ""
}
