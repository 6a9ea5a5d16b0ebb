package dispatch

import "github.com/rocketship-ai/rpreport/pkg/sink"

// Command is one unit of work for the worker. The concrete types below are
// the only implementations.
type Command interface {
	op() string
}

// StartLaunch starts the launch and resolves Launch with the new identifier.
type StartLaunch struct {
	Launch  *sink.Ref
	Request sink.StartLaunchRequest
}

type FinishLaunch struct {
	Launch  *sink.Ref
	Request sink.FinishLaunchRequest
}

// StartItem starts Item under Parent, or directly under the launch when
// Parent is nil or was never resolved.
type StartItem struct {
	Item    *sink.Ref
	Parent  *sink.Ref
	Launch  *sink.Ref
	Request sink.StartItemRequest
}

type FinishItem struct {
	Item    *sink.Ref
	Launch  *sink.Ref
	Request sink.FinishItemRequest
}

// Log buffers an entry for Item, or for the launch when Item is nil or
// unresolved.
type Log struct {
	Item   *sink.Ref
	Launch *sink.Ref
	Entry  sink.LogEntry
}

// Flush forces out whatever logs are buffered.
type Flush struct{}

type terminate struct{}

func (StartLaunch) op() string  { return sink.OpStartLaunch }
func (FinishLaunch) op() string { return sink.OpFinishLaunch }
func (StartItem) op() string    { return sink.OpStartItem }
func (FinishItem) op() string   { return sink.OpFinishItem }
func (Log) op() string          { return sink.OpLog }
func (Flush) op() string        { return "flush" }
func (terminate) op() string    { return "terminate" }

// Name returns the operation a command performs, for logging.
func Name(cmd Command) string {
	if cmd == nil {
		return ""
	}
	return cmd.op()
}
