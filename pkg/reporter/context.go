package reporter

import (
	"context"

	"github.com/rocketship-ai/rpreport/pkg/tracker"
)

type threadKey struct{}

// WithThread returns a context that reports as the given thread.
func WithThread(ctx context.Context, id tracker.ThreadID) context.Context {
	return context.WithValue(ctx, threadKey{}, id)
}

// ThreadFrom returns the thread a context reports as. Contexts that never
// went through WithThread belong to the runner's main thread.
func ThreadFrom(ctx context.Context) tracker.ThreadID {
	if ctx == nil {
		return tracker.Main
	}
	if id, ok := ctx.Value(threadKey{}).(tracker.ThreadID); ok {
		return id
	}
	return tracker.Main
}
