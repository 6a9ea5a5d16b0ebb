// Package reporter is the entry point test-runner adapters talk to. A Service
// turns launch, item and log calls into commands for the reporting worker and
// keeps track of which item is open where, so calls made from nested steps or
// spawned goroutines attach to the right parent.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rocketship-ai/rpreport/pkg/config"
	"github.com/rocketship-ai/rpreport/pkg/dispatch"
	"github.com/rocketship-ai/rpreport/pkg/sink"
	"github.com/rocketship-ai/rpreport/pkg/tracker"
)

var (
	ErrNotInitialized = errors.New("reporter is not initialized")
	ErrNoLaunch       = errors.New("no launch has been started")
	ErrLaunchStarted  = errors.New("launch already started")
	ErrItemNotOpen    = errors.New("item is not open")
)

// SinkFactory builds the sink a Service reports to.
type SinkFactory func(ctx context.Context, cfg *config.Config) (sink.Sink, error)

type Option func(*Service)

// WithSink makes the Service report to s. The caller keeps ownership of it.
func WithSink(s sink.Sink) Option {
	return func(svc *Service) {
		svc.factory = func(context.Context, *config.Config) (sink.Sink, error) { return s, nil }
		svc.ownsSink = false
	}
}

// WithSinkFactory builds a fresh sink on every Init. The Service closes it on
// Terminate if it implements io.Closer.
func WithSinkFactory(f SinkFactory) Option {
	return func(svc *Service) {
		svc.factory = f
		svc.ownsSink = true
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		svc.log = l
	}
}

func WithErrorHandler(h dispatch.ErrorHandler) Option {
	return func(svc *Service) {
		svc.onError = h
	}
}

type placement int

const (
	detached placement = iota
	onStack
	onPath
	onPathTest
)

// session is everything that lives from Init to Terminate.
type session struct {
	sink       sink.Sink
	dispatcher *dispatch.Dispatcher
	tracker    *tracker.Tracker
	level      sink.Level

	mu       sync.Mutex
	launch   *sink.Ref
	external bool
	open     map[*sink.Ref]placement
}

// Service is not a singleton: construct one per test session.
type Service struct {
	cfg      *config.Config
	factory  SinkFactory
	ownsSink bool
	log      *slog.Logger
	onError  dispatch.ErrorHandler

	mu sync.RWMutex
	s  *session
}

func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	svc := &Service{
		cfg: cfg,
		log: slog.Default(),
		factory: func(context.Context, *config.Config) (sink.Sink, error) {
			return nil, errors.New("no sink configured")
		},
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Init builds the sink and starts the reporting worker. Calling it again
// while initialized does nothing.
func (svc *Service) Init(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.s != nil {
		svc.log.Warn("reporter already initialized, ignoring init")
		return nil
	}

	s, err := svc.factory(ctx, svc.cfg)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	d := dispatch.New(s, dispatch.Options{
		QueueSize:    svc.cfg.QueueSize,
		BatchSize:    svc.cfg.LogBatchSize,
		PayloadLimit: svc.cfg.LogBatchPayloadLimit,
		SizePolicy:   svc.cfg.SizePolicy(),
		ErrorHandler: svc.onError,
		JoinTimeout:  svc.cfg.ShutdownTimeout,
		Logger:       svc.log,
	})
	if err := d.Start(); err != nil {
		return err
	}

	svc.s = &session{
		sink:       s,
		dispatcher: d,
		tracker:    tracker.New(),
		level:      svc.cfg.Level(),
		open:       make(map[*sink.Ref]placement),
	}
	svc.log.Debug("reporter initialized", "batch_size", svc.cfg.LogBatchSize, "queue_size", svc.cfg.QueueSize)
	return nil
}

func (svc *Service) session() (*session, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	if svc.s == nil {
		return nil, ErrNotInitialized
	}
	return svc.s, nil
}

// Terminate stops the worker and forgets all reporting state. With nowait the
// queued commands are abandoned after one best-effort log flush. The error
// that made the pipeline give up, if any, is returned. When the worker does
// not stop within the shutdown timeout, an owned sink is closed only after the
// worker's last sink call returns.
func (svc *Service) Terminate(nowait bool) error {
	svc.mu.Lock()
	s := svc.s
	svc.s = nil
	svc.mu.Unlock()

	if s == nil {
		return ErrNotInitialized
	}

	err := s.dispatcher.Stop(!nowait)
	if c, ok := s.sink.(io.Closer); ok && svc.ownsSink {
		if errors.Is(err, dispatch.ErrJoinTimeout) {
			// The worker may still be inside a sink call; close once it returns.
			go func() {
				<-s.dispatcher.Done()
				if cerr := c.Close(); cerr != nil {
					svc.log.Error("failed to close sink", "error", cerr)
				}
			}()
		} else if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close sink: %w", cerr))
		}
	}
	stats := s.dispatcher.Stats()
	svc.log.Debug("reporter terminated", "commands", stats.Commands, "logs", stats.Logs, "batches", stats.Batches, "failures", stats.Failures)
	return err
}

// Initialized reports whether Init has run without a matching Terminate.
func (svc *Service) Initialized() bool {
	_, err := svc.session()
	return err == nil
}

// Launch returns the current launch, or nil before StartLaunch.
func (svc *Service) Launch() *sink.Ref {
	s, err := svc.session()
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launch
}

// Stats reports the worker's counters for the current session.
func (svc *Service) Stats() dispatch.Stats {
	s, err := svc.session()
	if err != nil {
		return dispatch.Stats{}
	}
	return s.dispatcher.Stats()
}

type LaunchOptions struct {
	Name        string
	Description string
	Attributes  []sink.Attribute
	Mode        sink.Mode
	StartTime   time.Time
	Rerun       bool
	RerunOf     string
}

// StartLaunch starts the launch. Empty options fall back to the
// configuration. When the configuration names an existing launch id, that
// launch is used as is and nothing is sent.
func (svc *Service) StartLaunch(ctx context.Context, opts LaunchOptions) (*sink.Ref, error) {
	s, err := svc.session()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launch != nil {
		return nil, fmt.Errorf("%w: %s", ErrLaunchStarted, s.launch)
	}

	req := svc.launchRequest(opts)
	if svc.cfg.LaunchID != "" {
		s.launch = sink.ResolvedRef(req.Name, svc.cfg.LaunchID)
		s.external = true
		svc.log.Info("reporting into existing launch", "launch_id", svc.cfg.LaunchID)
		return s.launch, nil
	}

	launch := sink.NewRef(req.Name)
	if err := s.dispatcher.Enqueue(dispatch.StartLaunch{Launch: launch, Request: req}); err != nil {
		return nil, err
	}
	s.launch = launch
	return launch, nil
}

func (svc *Service) launchRequest(opts LaunchOptions) sink.StartLaunchRequest {
	req := sink.StartLaunchRequest{
		Name:        opts.Name,
		Description: opts.Description,
		Attributes:  opts.Attributes,
		Mode:        opts.Mode,
		StartTime:   opts.StartTime,
		Rerun:       opts.Rerun || svc.cfg.Rerun,
		RerunOf:     opts.RerunOf,
	}
	if req.Name == "" {
		req.Name = svc.cfg.Launch
	}
	if req.Description == "" {
		req.Description = svc.cfg.Description
	}
	if req.Attributes == nil {
		req.Attributes = svc.cfg.LaunchAttributes()
	}
	if req.Mode == "" {
		if m, err := svc.cfg.LaunchMode(); err == nil {
			req.Mode = m
		}
	}
	if req.RerunOf == "" {
		req.RerunOf = svc.cfg.RerunOf
	}
	if req.StartTime.IsZero() {
		req.StartTime = time.Now()
	}
	return req
}

// FinishLaunch finishes the launch. A launch owned by someone else is left
// open; only the buffered logs are flushed.
func (svc *Service) FinishLaunch(ctx context.Context, req sink.FinishLaunchRequest) error {
	s, err := svc.session()
	if err != nil {
		return err
	}
	s.mu.Lock()
	launch, external := s.launch, s.external
	s.mu.Unlock()
	if launch == nil {
		return ErrNoLaunch
	}
	if external {
		return s.dispatcher.Enqueue(dispatch.Flush{})
	}
	if req.EndTime.IsZero() {
		req.EndTime = time.Now()
	}
	return s.dispatcher.Enqueue(dispatch.FinishLaunch{Launch: launch, Request: req})
}

type ItemOptions struct {
	Name string
	Type sink.ItemType
	// Parent pins the item under a specific parent. Such items are not
	// tracked: they never become the implicit parent of later calls.
	Parent *sink.Ref
	// Detached opens the item untracked even without a Parent, directly
	// under the launch when Parent is nil.
	Detached    bool
	StartTime   time.Time
	Description string
	Attributes  []sink.Attribute
	Parameters  map[string]string
	CodeRef     string
	TestCaseID  string
	// HasStats marks a test. Items without stats are nested steps.
	HasStats bool
	Retry    bool
}

// StartItem enqueues the start of an item and opens it for the calling
// goroutine right away, so the next call already nests under it.
func (svc *Service) StartItem(ctx context.Context, opts ItemOptions) (*sink.Ref, error) {
	s, err := svc.session()
	if err != nil {
		return nil, err
	}
	launch := svc.Launch()
	if launch == nil {
		return nil, ErrNoLaunch
	}
	if opts.Type == "" {
		opts.Type = sink.TypeStep
	}
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("unknown item type %q", opts.Type)
	}
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}

	tid := ThreadFrom(ctx)
	parent := opts.Parent
	where := detached
	if parent == nil && !opts.Detached {
		parent = s.tracker.CurrentParent(tid)
		where = svc.placementFor(s, tid, opts)
	}

	item := sink.NewRef(opts.Name)
	cmd := dispatch.StartItem{
		Item:   item,
		Parent: parent,
		Launch: launch,
		Request: sink.StartItemRequest{
			Name:        opts.Name,
			StartTime:   opts.StartTime,
			Type:        opts.Type,
			Description: opts.Description,
			Attributes:  opts.Attributes,
			Parameters:  opts.Parameters,
			CodeRef:     opts.CodeRef,
			TestCaseID:  opts.TestCaseID,
			HasStats:    opts.HasStats,
			Retry:       opts.Retry,
		},
	}
	if err := s.dispatcher.Enqueue(cmd); err != nil {
		return nil, err
	}

	switch where {
	case onStack:
		s.tracker.Push(tid, item)
	case onPath:
		s.tracker.PushPath(item)
	case onPathTest:
		s.tracker.PushPath(item)
		s.tracker.BeginTest(item)
	}
	s.mu.Lock()
	s.open[item] = where
	s.mu.Unlock()
	return item, nil
}

// placementFor decides where a tracked item is opened. Once a goroutine has a
// step open, or is not the runner itself, everything it starts nests on its
// own stack.
func (svc *Service) placementFor(s *session, tid tracker.ThreadID, opts ItemOptions) placement {
	if tid != tracker.Main || s.tracker.Depth(tid) > 0 {
		return onStack
	}
	switch {
	case opts.Type.IsContainer():
		return onPath
	case opts.HasStats:
		return onPathTest
	default:
		return onStack
	}
}

// FinishItem closes the item for the calling goroutine and enqueues its
// finish. Finishing anything but the innermost open item is an error and
// sends nothing.
func (svc *Service) FinishItem(ctx context.Context, item *sink.Ref, req sink.FinishItemRequest) error {
	s, err := svc.session()
	if err != nil {
		return err
	}
	if item == nil {
		return errors.New("finish of a nil item")
	}
	launch := svc.Launch()

	s.mu.Lock()
	where, ok := s.open[item]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotOpen, item)
	}

	switch where {
	case onStack:
		_, err = s.tracker.Pop(ThreadFrom(ctx), item)
	case onPath, onPathTest:
		_, err = s.tracker.PopPath(item)
		if err == nil && where == onPathTest {
			s.tracker.EndTest(item)
		}
	}
	if err != nil {
		svc.log.Error("item finished out of order", "item", item.String(), "error", err)
		return err
	}

	s.mu.Lock()
	delete(s.open, item)
	s.mu.Unlock()

	if req.EndTime.IsZero() {
		req.EndTime = time.Now()
	}
	return s.dispatcher.Enqueue(dispatch.FinishItem{Item: item, Launch: launch, Request: req})
}

type LogOptions struct {
	// Item pins the entry to an item. Otherwise it goes to the innermost item
	// open for the calling goroutine, or to the launch.
	Item       *sink.Ref
	Launch     bool
	Time       time.Time
	Message    string
	Level      sink.Level
	Attachment *sink.Attachment
}

// Log enqueues a log entry. Entries below the configured level are dropped.
func (svc *Service) Log(ctx context.Context, opts LogOptions) error {
	s, err := svc.session()
	if err != nil {
		return err
	}
	launch := svc.Launch()
	if launch == nil {
		return ErrNoLaunch
	}
	if opts.Level == "" {
		opts.Level = sink.LevelInfo
	}
	if !opts.Level.AtLeast(s.level) {
		return nil
	}
	if opts.Time.IsZero() {
		opts.Time = time.Now()
	}

	item := opts.Item
	if item == nil && !opts.Launch {
		item = s.tracker.CurrentParent(ThreadFrom(ctx))
	}
	return s.dispatcher.Enqueue(dispatch.Log{
		Item:   item,
		Launch: launch,
		Entry: sink.LogEntry{
			Time:       opts.Time,
			Message:    opts.Message,
			Level:      opts.Level,
			Attachment: opts.Attachment,
		},
	})
}

// Flush asks the worker to send whatever logs it has buffered.
func (svc *Service) Flush() error {
	s, err := svc.session()
	if err != nil {
		return err
	}
	return s.dispatcher.Enqueue(dispatch.Flush{})
}
