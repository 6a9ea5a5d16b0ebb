// Package tracker keeps track of which items are open on which logical
// execution thread, so the next start or log call can find its parent.
//
// Structural items (suites and tests) live on a single path owned by the
// runner. Nested steps live on per-thread stacks. A thread spawned by a test
// is linked to the thread that spawned it; when its own stack is empty, the
// parent chain is walked to find the nearest open step.
package tracker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

var (
	ErrStackMismatch = errors.New("finished item is not the innermost open item")
	ErrEmptyStack    = errors.New("no open item to finish")
)

// ThreadID identifies a logical execution thread. Main is the runner itself.
type ThreadID uint64

const Main ThreadID = 0

var lastThreadID atomic.Uint64

// NewThreadID returns an identifier never handed out before in this process.
func NewThreadID() ThreadID {
	return ThreadID(lastThreadID.Add(1))
}

type thread struct {
	mu     sync.RWMutex
	stack  []*sink.Ref
	parent ThreadID
	linked bool
}

func (t *thread) top() *sink.Ref {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

func (t *thread) push(ref *sink.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stack = append(t.stack, ref)
}

func (t *thread) pop(expected *sink.Ref) (*sink.Ref, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return popExpected(&t.stack, expected)
}

func popExpected(stack *[]*sink.Ref, expected *sink.Ref) (*sink.Ref, error) {
	s := *stack
	if len(s) == 0 {
		return nil, ErrEmptyStack
	}
	top := s[len(s)-1]
	if expected != nil && top != expected {
		return nil, fmt.Errorf("%w: finishing %s, innermost is %s", ErrStackMismatch, expected, top)
	}
	s[len(s)-1] = nil
	*stack = s[:len(s)-1]
	return top, nil
}

// Tracker is safe for concurrent use. Each thread mutates only its own
// stack; the parent walk in CurrentParent reads other threads' tops.
type Tracker struct {
	mu      sync.RWMutex
	threads map[ThreadID]*thread
	path    []*sink.Ref
	test    *sink.Ref
}

func New() *Tracker {
	return &Tracker{threads: make(map[ThreadID]*thread)}
}

func (t *Tracker) lookup(id ThreadID) *thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.threads[id]
}

func (t *Tracker) ensure(id ThreadID) *thread {
	if th := t.lookup(id); th != nil {
		return th
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[id]
	if !ok {
		th = &thread{}
		t.threads[id] = th
	}
	return th
}

// Register records child as spawned by parent, with a fresh empty stack.
// Call it before the child reports anything.
func (t *Tracker) Register(child, parent ThreadID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threads[child] = &thread{parent: parent, linked: true}
}

// Forget drops a thread's state. Its stack is discarded.
func (t *Tracker) Forget(id ThreadID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.threads, id)
}

// Push opens a nested step on the given thread.
func (t *Tracker) Push(id ThreadID, ref *sink.Ref) {
	t.ensure(id).push(ref)
}

// Pop closes the innermost nested step of the given thread. A nil expected
// ref pops whatever is on top.
func (t *Tracker) Pop(id ThreadID, expected *sink.Ref) (*sink.Ref, error) {
	th := t.lookup(id)
	if th == nil {
		return nil, ErrEmptyStack
	}
	return th.pop(expected)
}

// Depth returns the number of nested steps open on a thread.
func (t *Tracker) Depth(id ThreadID) int {
	th := t.lookup(id)
	if th == nil {
		return 0
	}
	th.mu.RLock()
	defer th.mu.RUnlock()
	return len(th.stack)
}

// PushPath opens a structural item (suite or test).
func (t *Tracker) PushPath(ref *sink.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.path = append(t.path, ref)
}

// PopPath closes the innermost structural item.
func (t *Tracker) PopPath(expected *sink.Ref) (*sink.Ref, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return popExpected(&t.path, expected)
}

// BeginTest makes ref the active test item and resets nested-step state so
// nothing from the previous test leaks into this one.
func (t *Tracker) BeginTest(ref *sink.Ref) {
	t.Reset()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.test = ref
}

// EndTest clears the active test if it is ref.
func (t *Tracker) EndTest(ref *sink.Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.test == ref {
		t.test = nil
	}
}

// ActiveTest returns the current test item, if any.
func (t *Tracker) ActiveTest() *sink.Ref {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.test
}

// Reset clears every nested-step stack and thread link. The structural path
// and the active test are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threads = make(map[ThreadID]*thread)
}

// CurrentParent returns the item the next start or log on thread id should
// attach to: the thread's innermost step, else the nearest open step up the
// spawn chain, else the innermost structural item, else the active test. A nil
// result means the launch itself.
func (t *Tracker) CurrentParent(id ThreadID) *sink.Ref {
	t.mu.RLock()
	threads := t.threads
	limit := len(threads)
	test := t.test
	var pathTop *sink.Ref
	if len(t.path) > 0 {
		pathTop = t.path[len(t.path)-1]
	}
	cur, ok := threads[id]
	t.mu.RUnlock()

	// The walk visits at most every registered thread once, so a corrupt
	// chain cannot loop forever.
	for hops := 0; ok && hops <= limit; hops++ {
		if top := cur.top(); top != nil {
			return top
		}
		if !cur.linked {
			break
		}
		t.mu.RLock()
		cur, ok = t.threads[cur.parent]
		t.mu.RUnlock()
	}

	if pathTop != nil {
		return pathTop
	}
	return test
}
