// Package failure converts errors raised by step code into structured
// terminal results.
package failure

import (
	"errors"
	"fmt"

	"github.com/rendis/stagecraft/pkg/schema"
)

// Translate converts err into a FAILED step response. Every StageError and
// TaskExecutionError in the cause chain contributes one failure datum, in
// chain order from outermost to innermost. The innermost datum's message is
// used as the top-level error message. Unit progress carried by a task
// execution failure is attached to the result.
func Translate(err error) schema.StepResponse {
	if err == nil {
		err = errors.New("step failed without an error")
	}

	var (
		data     []schema.FailureData
		progress []schema.UnitProgress
	)
	walk(err, func(e error) {
		switch v := e.(type) {
		case *schema.StageError:
			data = append(data, datumFor(v))
		case *schema.TaskExecutionError:
			data = append(data, schema.FailureData{
				Code:         schema.ErrCodeTaskFailed,
				Level:        schema.LevelError,
				Message:      v.Message,
				FailureTypes: []schema.FailureType{schema.FailureApplication},
			})
			progress = append(progress, v.UnitProgress...)
		}
	})

	if len(data) == 0 {
		data = []schema.FailureData{{
			Code:         schema.ErrCodeUnknown,
			Level:        schema.LevelError,
			Message:      err.Error(),
			FailureTypes: []schema.FailureType{schema.FailureUnknown},
		}}
	}

	return schema.StepResponse{
		Status: schema.StatusFailed,
		Failure: &schema.FailureInfo{
			ErrorMessage: data[len(data)-1].Message,
			FailureTypes: unionTypes(data),
			FailureData:  data,
		},
		UnitProgress: progress,
	}
}

// FromPanic wraps a recovered panic value as a framework error.
func FromPanic(v any) error {
	if err, ok := v.(error); ok {
		return schema.NewErrorf(schema.ErrCodeFramework, "step panicked: %v", err).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeFramework, "step panicked: %v", v)
}

func datumFor(e *schema.StageError) schema.FailureData {
	level := e.Level
	if level == "" {
		level = schema.LevelError
	}
	types := e.FailureTypes
	if len(types) == 0 {
		types = []schema.FailureType{schema.FailureApplication}
	}
	return schema.FailureData{
		Code:         e.Code,
		Level:        level,
		Message:      e.Message,
		FailureTypes: append([]schema.FailureType(nil), types...),
	}
}

// walk visits err and its causes depth-first, following both single and
// joined unwrapping.
func walk(err error, visit func(error)) {
	if err == nil {
		return
	}
	visit(err)
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			walk(e, visit)
		}
	case interface{ Unwrap() error }:
		walk(u.Unwrap(), visit)
	}
}

func unionTypes(data []schema.FailureData) []schema.FailureType {
	seen := make(map[schema.FailureType]bool)
	var out []schema.FailureType
	for _, d := range data {
		for _, t := range d.FailureTypes {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// ExtractSingleResponse returns the only response of a one-token wait. An
// empty map yields (nil, nil). A response that carries an error is returned
// as that error instead of a value.
func ExtractSingleResponse(responses map[string]schema.ResponseData) (*schema.ResponseData, error) {
	if len(responses) == 0 {
		return nil, nil
	}
	if len(responses) > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeFramework,
			"expected a single response, got %d", len(responses))
	}
	for _, r := range responses {
		if !r.IsErrorCarrier() {
			resp := r
			return &resp, nil
		}
		if r.Error == nil {
			return nil, fmt.Errorf("callback reported an error without details")
		}
		code := r.Error.Code
		if code == "" {
			code = schema.ErrCodeStepFailed
		}
		return nil, schema.NewError(code, r.Error.Message)
	}
	return nil, nil
}
