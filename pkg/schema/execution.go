package schema

import (
	"encoding/json"
	"fmt"
)

// Frame is one level of nesting in an execution stack.
type Frame struct {
	InstanceID string `json:"instanceId"`
	TemplateID string `json:"templateId"`
	Name       string `json:"name,omitempty"`
	Group      string `json:"group,omitempty"`
}

// ExecutionStack describes the active nesting for a node instance. The last
// frame belongs to the instance itself. Values are passed by copy.
type ExecutionStack struct {
	RunID  string  `json:"runId"`
	Frames []Frame `json:"frames"`
}

// Current returns the innermost frame.
func (s ExecutionStack) Current() (Frame, bool) {
	if len(s.Frames) == 0 {
		return Frame{}, false
	}
	return s.Frames[len(s.Frames)-1], true
}

// CurrentInstanceID returns the instance id of the innermost frame, or "".
func (s ExecutionStack) CurrentInstanceID() string {
	f, _ := s.Current()
	return f.InstanceID
}

// Push returns a new stack with f appended. The receiver is never modified
// and the result never shares its backing array.
func (s ExecutionStack) Push(f Frame) ExecutionStack {
	frames := make([]Frame, len(s.Frames), len(s.Frames)+1)
	copy(frames, s.Frames)
	return ExecutionStack{RunID: s.RunID, Frames: append(frames, f)}
}

// Depth returns the number of frames.
func (s ExecutionStack) Depth() int { return len(s.Frames) }

// --- Executable responses ---

// ExecutableResponse is the persisted waiting state of a node. Each execution
// mode has exactly one variant.
type ExecutableResponse interface {
	Mode() ExecutionMode
}

// SyncExecutable marks a node that ran inline and never waited.
type SyncExecutable struct{}

// AsyncExecutable records the callback tokens an asynchronous node waits on.
type AsyncExecutable struct {
	CallbackIDs []string `json:"callbackIds"`
	WaitMode    WaitMode `json:"waitMode"`
}

// ChildrenExecutable records the instances a fan-out node spawned.
type ChildrenExecutable struct {
	ChildInstanceIDs []string `json:"childInstanceIds"`
}

// ChainExecutable records the single outstanding child of a chain node and the
// state carried to the next link.
type ChainExecutable struct {
	ChildInstanceID string                  `json:"childInstanceId"`
	ShouldEnd       bool                    `json:"shouldEnd"`
	PassThroughData json.RawMessage         `json:"passThroughData,omitempty"`
	Accumulated     map[string]ResponseData `json:"accumulated,omitempty"`
}

func (SyncExecutable) Mode() ExecutionMode     { return ModeSync }
func (AsyncExecutable) Mode() ExecutionMode    { return ModeAsync }
func (ChildrenExecutable) Mode() ExecutionMode { return ModeChildren }
func (ChainExecutable) Mode() ExecutionMode    { return ModeChildChain }

type executableEnvelope struct {
	Kind ExecutionMode   `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// MarshalExecutable encodes an executable response with its kind tag.
// A nil response encodes to nil.
func MarshalExecutable(e ExecutableResponse) (json.RawMessage, error) {
	if e == nil {
		return nil, nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(executableEnvelope{Kind: e.Mode(), Body: body})
}

// UnmarshalExecutable decodes the output of MarshalExecutable.
func UnmarshalExecutable(raw json.RawMessage) (ExecutableResponse, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var env executableEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode executable envelope: %w", err)
	}
	var (
		out ExecutableResponse
		err error
	)
	switch env.Kind {
	case ModeSync:
		out = SyncExecutable{}
	case ModeAsync:
		var v AsyncExecutable
		err = json.Unmarshal(env.Body, &v)
		out = v
	case ModeChildren:
		var v ChildrenExecutable
		err = json.Unmarshal(env.Body, &v)
		out = v
	case ModeChildChain:
		var v ChainExecutable
		err = json.Unmarshal(env.Body, &v)
		out = v
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown executable kind %q", env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s executable: %w", env.Kind, err)
	}
	return out, nil
}

// --- Results ---

// FailureData is one structured cause of a failure.
type FailureData struct {
	Code         string        `json:"code"`
	Level        Level         `json:"level"`
	Message      string        `json:"message"`
	FailureTypes []FailureType `json:"failureTypes,omitempty"`
}

// FailureInfo aggregates the failure data of a terminal FAILED result.
type FailureInfo struct {
	ErrorMessage string        `json:"errorMessage"`
	FailureTypes []FailureType `json:"failureTypes,omitempty"`
	FailureData  []FailureData `json:"failureData"`
}

// StepResponse is the terminal result a step produces for its node.
type StepResponse struct {
	Status       Status          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Failure      *FailureInfo    `json:"failure,omitempty"`
	UnitProgress []UnitProgress  `json:"unitProgress,omitempty"`
}

// Response converts a terminal result into the payload delivered to the
// parent's join.
func (r StepResponse) Response() ResponseData {
	return ResponseData{Status: r.Status, Output: r.Output, Failure: r.Failure, UnitProgress: r.UnitProgress}
}

// CarriedError is the error transported inside an error-carrier response.
type CarriedError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ResponseData is a notification delivered for one callback id: either the
// terminal result of a child instance or an external callback payload.
type ResponseData struct {
	Status       Status          `json:"status,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Failure      *FailureInfo    `json:"failure,omitempty"`
	UnitProgress []UnitProgress  `json:"unitProgress,omitempty"`
	ErrorCarrier bool            `json:"errorCarrier,omitempty"`
	Error        *CarriedError   `json:"error,omitempty"`
}

// IsErrorCarrier reports whether the notification transports an error.
func (r ResponseData) IsErrorCarrier() bool {
	return r.ErrorCarrier || r.Error != nil
}
