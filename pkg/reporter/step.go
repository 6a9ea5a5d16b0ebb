package reporter

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

// Step runs fn inside a nested step named name. Calls fn makes with the
// given context, including goroutines it starts through Go, nest under the
// step. The step passes when fn returns nil and fails otherwise; the error is
// logged to the step. A panic in fn fails the step and is re-raised.
func (svc *Service) Step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	item, err := svc.StartItem(ctx, ItemOptions{Name: name, Type: sink.TypeStep})
	if err != nil {
		return fmt.Errorf("failed to start step %s: %w", name, err)
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		_ = svc.FinishItem(ctx, item, sink.FinishItemRequest{Status: sink.StatusFailed})
	}()

	runErr := fn(ctx)

	status := sink.StatusPassed
	if runErr != nil {
		status = sink.StatusFailed
		if logErr := svc.Log(ctx, LogOptions{Item: item, Message: runErr.Error(), Level: sink.LevelError}); logErr != nil {
			svc.log.Debug("could not log step failure", "step", name, "error", logErr)
		}
	}
	finished = true
	return errors.Join(runErr, svc.FinishItem(ctx, item, sink.FinishItemRequest{Status: status}))
}
