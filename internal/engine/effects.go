package engine

import (
	"github.com/rendis/stagecraft/pkg/schema"
)

// Effect is an instruction a strategy emits for the runtime to apply. The
// strategies themselves never touch persistence or the waiter.
type Effect interface {
	effect()
}

// ChildPlan pairs a freshly generated instance id with its node definition.
type ChildPlan struct {
	InstanceID string
	NodeID     string
}

// SpawnChild creates and starts one child instance.
type SpawnChild struct {
	ParentID string
	Child    ChildPlan
}

// SpawnChildren creates and starts several child instances concurrently.
type SpawnChildren struct {
	ParentID string
	Children []ChildPlan
}

// SuspendChain ends a chain node as SUSPENDED without spawning further links.
type SuspendChain struct {
	ParentID string
	Response schema.StepResponse
}

// AddExecutableResponse persists the waiting state and status of an instance.
type AddExecutableResponse struct {
	InstanceID string
	Status     schema.Status
	Response   schema.ExecutableResponse
}

// HandleTerminalResult records the terminal result of an instance.
type HandleTerminalResult struct {
	InstanceID string
	Result     schema.StepResponse
}

// WaitFor registers a join that resumes the instance once every callback id
// has been notified.
type WaitFor struct {
	InstanceID  string
	CallbackIDs []string
}

func (SpawnChild) effect()            {}
func (SpawnChildren) effect()         {}
func (SuspendChain) effect()          {}
func (AddExecutableResponse) effect() {}
func (HandleTerminalResult) effect()  {}
func (WaitFor) effect()               {}

// Outcome is the ordered list of effects produced by one start or resume.
type Outcome struct {
	Effects []Effect
}

// Terminal returns the terminal result in the outcome, if any.
func (o Outcome) Terminal() (HandleTerminalResult, bool) {
	for _, e := range o.Effects {
		if t, ok := e.(HandleTerminalResult); ok {
			return t, true
		}
	}
	return HandleTerminalResult{}, false
}

func outcome(effects ...Effect) Outcome {
	return Outcome{Effects: effects}
}
