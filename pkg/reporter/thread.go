package reporter

import (
	"context"

	"github.com/rocketship-ai/rpreport/pkg/dispatch"
	"github.com/rocketship-ai/rpreport/pkg/tracker"
)

// Thread is a goroutine started through Service.Go.
type Thread struct {
	id   tracker.ThreadID
	done chan struct{}
}

func (t *Thread) ID() tracker.ThreadID {
	return t.id
}

// Wait blocks until the goroutine has returned and its logs were handed to
// the worker for flushing.
func (t *Thread) Wait() {
	<-t.done
}

// Done is closed once the goroutine has returned.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Go runs fn on a new goroutine that reports as a child of the calling one:
// until the child opens a step of its own, its logs and items attach to the
// innermost step open in its ancestors. When fn returns, buffered logs are
// flushed and the goroutine's tracking state is dropped; goroutines it
// spawned that are still running fall back as if unlinked. With thread
// logging disabled the child is not linked and nothing is flushed.
func (svc *Service) Go(ctx context.Context, fn func(ctx context.Context)) *Thread {
	t := &Thread{id: tracker.NewThreadID(), done: make(chan struct{})}
	parent := ThreadFrom(ctx)

	s, err := svc.session()
	tracked := err == nil && svc.cfg.ThreadLogging
	if tracked {
		s.tracker.Register(t.id, parent)
	}

	go func() {
		defer close(t.done)
		if tracked {
			defer func() {
				s.tracker.Forget(t.id)
				if err := s.dispatcher.Enqueue(dispatch.Flush{}); err != nil {
					svc.log.Debug("could not flush logs of finished goroutine", "thread", uint64(t.id), "error", err)
				}
			}()
		}
		fn(WithThread(ctx, t.id))
	}()
	return t
}
