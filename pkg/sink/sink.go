// Package sink defines the contract between the reporting pipeline and the
// remote test-management service, plus the value types that cross it.
package sink

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Sink is a synchronous reporting destination. Every method either succeeds
// or returns an error describing an unrecoverable failure; retrying is the
// implementation's business.
type Sink interface {
	StartLaunch(ctx context.Context, req StartLaunchRequest) (string, error)
	FinishLaunch(ctx context.Context, launchID string, req FinishLaunchRequest) error
	StartItem(ctx context.Context, req StartItemRequest) (string, error)
	FinishItem(ctx context.Context, itemID string, req FinishItemRequest) error
	Log(ctx context.Context, entry LogEntry) error
	LogBatch(ctx context.Context, entries []LogEntry) error
}

// Error is returned by sinks for transport or response failures.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Ref is a client-side handle to a launch or item. The remote identifier is
// assigned once, by whoever processes the start call, and may be read from
// any goroutine.
type Ref struct {
	name string
	id   atomic.Pointer[string]
}

func NewRef(name string) *Ref {
	return &Ref{name: name}
}

// ResolvedRef returns a handle whose identifier is already known, such as a
// launch started by another process.
func ResolvedRef(name, id string) *Ref {
	r := &Ref{name: name}
	r.Resolve(id)
	return r
}

func (r *Ref) Name() string {
	if r == nil {
		return ""
	}
	return r.name
}

// ID returns the remote identifier, or "" while unresolved.
func (r *Ref) ID() string {
	if r == nil {
		return ""
	}
	if p := r.id.Load(); p != nil {
		return *p
	}
	return ""
}

// Resolve sets the remote identifier. Only the first call has an effect.
func (r *Ref) Resolve(id string) bool {
	if r == nil || id == "" {
		return false
	}
	return r.id.CompareAndSwap(nil, &id)
}

func (r *Ref) String() string {
	if id := r.ID(); id != "" {
		return r.Name() + "(" + id + ")"
	}
	return r.Name() + "(pending)"
}
