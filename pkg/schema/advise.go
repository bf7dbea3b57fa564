package schema

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Duration is a time.Duration that encodes as a Go duration string ("1.5s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// AdviserType selects what happens to a node that ended with an advised status.
type AdviserType string

const (
	// AdviserRetry runs the node again after a backoff.
	AdviserRetry AdviserType = "RETRY"
	// AdviserIgnore reports the node to its parent as SUCCEEDED.
	AdviserIgnore AdviserType = "IGNORE"
)

// Backoff strategies for RetrySpec.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetrySpec bounds how often and how fast a node is re-run.
type RetrySpec struct {
	// MaxAttempts counts every execution, the first one included.
	MaxAttempts int      `json:"maxAttempts"`
	Delay       Duration `json:"delay,omitempty"`
	MaxDelay    Duration `json:"maxDelay,omitempty"`
	Backoff     string   `json:"backoff,omitempty"`
}

// AdviserSpec is one on-failure handler attached to a node. Advisers are
// consulted in order after the node produced its terminal result and before
// the parent is told. The first one that applies decides.
type AdviserSpec struct {
	Type AdviserType `json:"type"`
	// Statuses the adviser reacts to. Empty means FAILED only.
	Statuses []Status `json:"statuses,omitempty"`
	// FailureTypes narrows a FAILED result to these failure types. Empty matches any.
	FailureTypes []FailureType `json:"failureTypes,omitempty"`
	Retry        *RetrySpec    `json:"retry,omitempty"`
}

// Matches reports whether the adviser reacts to result.
func (a AdviserSpec) Matches(result StepResponse) bool {
	statuses := a.Statuses
	if len(statuses) == 0 {
		statuses = []Status{StatusFailed}
	}
	if !slices.Contains(statuses, result.Status) {
		return false
	}
	if len(a.FailureTypes) == 0 {
		return true
	}
	if result.Failure == nil {
		return false
	}
	for _, t := range result.Failure.FailureTypes {
		if slices.Contains(a.FailureTypes, t) {
			return true
		}
	}
	return false
}

func (a AdviserSpec) check() error {
	for _, s := range a.Statuses {
		if !s.IsTerminal() || s == StatusAborted {
			return fmt.Errorf("adviser cannot react to status %s", s)
		}
	}
	switch a.Type {
	case AdviserRetry:
		if a.Retry == nil || a.Retry.MaxAttempts < 1 {
			return fmt.Errorf("retry adviser needs maxAttempts >= 1")
		}
		switch a.Retry.Backoff {
		case "", BackoffConstant, BackoffLinear, BackoffExponential:
		default:
			return fmt.Errorf("unknown backoff %q", a.Retry.Backoff)
		}
		if a.Retry.Delay < 0 || a.Retry.MaxDelay < 0 {
			return fmt.Errorf("retry delays must not be negative")
		}
	case AdviserIgnore:
	default:
		return fmt.Errorf("unknown adviser type %q", a.Type)
	}
	return nil
}
