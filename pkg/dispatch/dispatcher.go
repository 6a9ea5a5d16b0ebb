// Package dispatch moves reporting calls off the test runner's goroutines.
// Producers enqueue commands; a single worker drains them in FIFO order,
// batches log entries and is the only caller of the sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

var (
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrNotStarted     = errors.New("dispatcher not started")
	ErrNotRunning     = errors.New("dispatcher is not accepting commands")
	ErrTerminated     = errors.New("reporting pipeline terminated")
	ErrJoinTimeout    = errors.New("timed out waiting for the reporting worker")
)

const (
	DefaultQueueSize   = 1000
	DefaultBatchSize   = 20
	DefaultJoinTimeout = time.Minute
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrorHandler decides what happens after a sink call fails. Returning true
// keeps the pipeline going; false terminates it.
type ErrorHandler func(err error, cmd Command) bool

type Options struct {
	QueueSize    int
	BatchSize    int
	PayloadLimit int64
	SizePolicy   SizePolicy
	ErrorHandler ErrorHandler
	// JoinTimeout bounds how long Stop waits for the worker. Zero waits
	// forever.
	JoinTimeout time.Duration
	Logger      *slog.Logger
}

// Stats counts what the worker has done so far.
type Stats struct {
	Commands uint64
	Logs     uint64
	Batches  uint64
	Failures uint64
}

type Dispatcher struct {
	sink    sink.Sink
	opts    Options
	log     *slog.Logger
	batcher *Batcher

	// gate is held shared by producers while they hand a command over and
	// exclusively by Stop while it changes state, so no command can slip in
	// behind the terminate sentinel.
	gate       sync.RWMutex
	state      atomic.Int32
	stopCalled bool

	errMu sync.Mutex
	fatal error

	queue    chan Command
	stopping chan struct{}
	abort    chan struct{}
	done     chan struct{}

	stopOnce  sync.Once
	abortOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	commands atomic.Uint64
	logs     atomic.Uint64
	batches  atomic.Uint64
	failures atomic.Uint64
}

func New(s sink.Sink, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		sink:     s,
		opts:     opts,
		log:      opts.Logger,
		queue:    make(chan Command, opts.QueueSize),
		stopping: make(chan struct{}),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.batcher = NewBatcher(&countingSink{Sink: s, batches: &d.batches}, opts.BatchSize, opts.PayloadLimit, opts.SizePolicy)
	return d
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Commands: d.commands.Load(),
		Logs:     d.logs.Load(),
		Batches:  d.batches.Load(),
		Failures: d.failures.Load(),
	}
}

// Done is closed once the worker goroutine has returned. After a join
// timeout it may still be inside a sink call for a while.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the error that terminated the pipeline, if any.
func (d *Dispatcher) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.fatal
}

// Start launches the worker.
func (d *Dispatcher) Start() error {
	if !d.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, d.State())
	}
	go d.run()
	d.log.Debug("reporting worker started", "queue_size", d.opts.QueueSize, "batch_size", d.opts.BatchSize)
	return nil
}

// Enqueue hands a command to the worker. It blocks while the queue is full
// and never waits on the sink.
func (d *Dispatcher) Enqueue(cmd Command) error {
	if cmd == nil {
		return errors.New("nil command")
	}
	d.gate.RLock()
	defer d.gate.RUnlock()

	if err := d.acceptErr(); err != nil {
		return err
	}
	select {
	case d.queue <- cmd:
		return nil
	case <-d.stopping:
		return ErrNotRunning
	case <-d.done:
		return d.acceptErr()
	}
}

func (d *Dispatcher) acceptErr() error {
	switch st := d.State(); st {
	case StateRunning:
		return nil
	case StateCreated:
		return ErrNotStarted
	default:
		if err := d.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrTerminated, err)
		}
		return fmt.Errorf("%w (state %s)", ErrNotRunning, st)
	}
}

// Stop shuts the pipeline down. With wait, every queued command is processed
// and buffered logs are flushed before the worker exits. Without wait, the
// worker finishes its current command, drops the rest of the queue and makes
// one best-effort flush of what is already buffered. If the pipeline had
// terminated itself after a sink failure, that failure is returned. On a join
// timeout the worker is abandoned and may still be inside a sink call until
// Done is closed.
func (d *Dispatcher) Stop(wait bool) error {
	// Checked before touching stopping: a closed stopping channel would make
	// a later Start reject commands.
	if d.State() == StateCreated {
		return ErrNotStarted
	}
	// Producers blocked on a full queue hold the gate; wake them first.
	d.stopOnce.Do(func() { close(d.stopping) })

	d.gate.Lock()
	if d.stopCalled {
		d.gate.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotRunning, d.State())
	}
	d.stopCalled = true
	d.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	d.gate.Unlock()

	var timeout <-chan time.Time
	if d.opts.JoinTimeout > 0 {
		timer := time.NewTimer(d.opts.JoinTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	if wait {
		select {
		case d.queue <- terminate{}:
		case <-d.done:
		case <-timeout:
			return d.giveUp()
		}
	} else {
		d.abortOnce.Do(func() { close(d.abort) })
	}

	select {
	case <-d.done:
	case <-timeout:
		return d.giveUp()
	}
	d.state.Store(int32(StateStopped))
	d.cancel()

	if err := d.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, err)
	}
	return nil
}

func (d *Dispatcher) giveUp() error {
	d.abortOnce.Do(func() { close(d.abort) })
	d.cancel()
	d.state.Store(int32(StateStopped))
	d.log.Error("reporting worker did not stop in time", "timeout", d.opts.JoinTimeout)
	return ErrJoinTimeout
}

func (d *Dispatcher) aborted() bool {
	select {
	case <-d.abort:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		if d.aborted() {
			d.flushBestEffort()
			return
		}

		var cmd Command
		select {
		case <-d.abort:
			d.flushBestEffort()
			return
		case cmd = <-d.queue:
		}

		if d.aborted() {
			d.flushBestEffort()
			return
		}

		if _, ok := cmd.(terminate); ok {
			if err := d.batcher.Flush(d.ctx, true); err != nil && !d.handle(err, Flush{}) {
				d.terminate(err)
			}
			return
		}

		d.commands.Add(1)
		if err := d.process(cmd); err != nil {
			d.terminate(err)
			return
		}
	}
}

// process applies one command. It returns an error only when the failure is
// fatal to the pipeline.
func (d *Dispatcher) process(cmd Command) error {
	if _, isLog := cmd.(Log); !isLog {
		if err := d.batcher.Flush(d.ctx, true); err != nil && !d.handle(err, Flush{}) {
			return err
		}
	}
	if err := d.apply(cmd); err != nil && !d.handle(err, cmd) {
		return err
	}
	return nil
}

func (d *Dispatcher) apply(cmd Command) error {
	switch c := cmd.(type) {
	case StartLaunch:
		id, err := d.sink.StartLaunch(d.ctx, c.Request)
		if err != nil {
			return err
		}
		c.Launch.Resolve(id)
		d.log.Debug("launch started", "launch", c.Launch.Name(), "id", id)

	case FinishLaunch:
		id := c.Launch.ID()
		if id == "" {
			d.log.Warn("skipping finish of a launch that never started", "launch", c.Launch.Name())
			return nil
		}
		return d.sink.FinishLaunch(d.ctx, id, c.Request)

	case StartItem:
		req := c.Request
		req.LaunchID = c.Launch.ID()
		req.ParentID = c.Parent.ID()
		if c.Parent != nil && req.ParentID == "" {
			d.log.Warn("parent item was never started, attaching to launch", "item", c.Item.Name(), "parent", c.Parent.Name())
		}
		id, err := d.sink.StartItem(d.ctx, req)
		if err != nil {
			return err
		}
		c.Item.Resolve(id)

	case FinishItem:
		id := c.Item.ID()
		if id == "" {
			d.log.Warn("skipping finish of an item that never started", "item", c.Item.Name())
			return nil
		}
		req := c.Request
		req.LaunchID = c.Launch.ID()
		return d.sink.FinishItem(d.ctx, id, req)

	case Log:
		entry := c.Entry
		entry.LaunchID = c.Launch.ID()
		entry.ItemID = c.Item.ID()
		d.logs.Add(1)
		return d.batcher.Add(d.ctx, entry)

	case Flush:
		// The forced flush in process already did the work.

	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
	return nil
}

func (d *Dispatcher) handle(err error, cmd Command) bool {
	d.failures.Add(1)
	d.log.Error("reporting call failed", "command", Name(cmd), "error", err)
	if d.opts.ErrorHandler == nil {
		return false
	}
	return d.opts.ErrorHandler(err, cmd)
}

// terminate records a fatal failure. Buffered logs are abandoned.
func (d *Dispatcher) terminate(err error) {
	d.state.Store(int32(StateStopped))
	d.errMu.Lock()
	if d.fatal == nil {
		d.fatal = err
	}
	d.errMu.Unlock()
	d.abortOnce.Do(func() { close(d.abort) })
	d.log.Error("reporting pipeline terminated", "error", err, "dropped_logs", d.batcher.Len())
}

func (d *Dispatcher) flushBestEffort() {
	n := d.batcher.Len()
	if n == 0 {
		return
	}
	if err := d.batcher.Flush(d.ctx, true); err != nil {
		d.failures.Add(1)
		d.log.Error("final log flush failed", "entries", n, "error", err)
		if d.opts.ErrorHandler != nil {
			d.opts.ErrorHandler(err, Flush{})
		}
	}
}

type countingSink struct {
	sink.Sink
	batches *atomic.Uint64
}

func (c *countingSink) LogBatch(ctx context.Context, entries []sink.LogEntry) error {
	err := c.Sink.LogBatch(ctx, entries)
	if err == nil {
		c.batches.Add(1)
	}
	return err
}
