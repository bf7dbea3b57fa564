// Package blueprint reads YAML pipeline definitions and provides the creator
// services that assemble them into plans.
package blueprint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stagecraft/pkg/schema"
)

// Definition is a pipeline: stages run one after another, steps inside a
// stage run in order unless the stage is parallel.
type Definition struct {
	Name         string         `yaml:"name" json:"name"`
	Description  string         `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs       map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	InputsSchema map[string]any `yaml:"inputs_schema,omitempty" json:"inputs_schema,omitempty"`
	Stages       []Stage        `yaml:"stages" json:"stages"`
}

// Stage groups steps.
type Stage struct {
	ID                string `yaml:"id,omitempty" json:"id,omitempty"`
	Name              string `yaml:"name,omitempty" json:"name,omitempty"`
	Parallel          bool   `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	ContinueOnFailure bool   `yaml:"continue_on_failure,omitempty" json:"continue_on_failure,omitempty"`
	Steps             []Step `yaml:"steps" json:"steps"`
}

// Step is a single node, or a parallel group when Parallel is set.
type Step struct {
	ID               string         `yaml:"id,omitempty" json:"id,omitempty"`
	Name             string         `yaml:"name,omitempty" json:"name,omitempty"`
	Type             string         `yaml:"type,omitempty" json:"type,omitempty"`
	Params           map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Parallel         []Step         `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	TolerateFailures bool           `yaml:"tolerate_failures,omitempty" json:"tolerate_failures,omitempty"`
	Retry            *Retry         `yaml:"retry,omitempty" json:"retry,omitempty"`
	IgnoreFailure    bool           `yaml:"ignore_failure,omitempty" json:"ignore_failure,omitempty"`
	WaitBefore       string         `yaml:"wait_before,omitempty" json:"wait_before,omitempty"`
}

// Retry re-runs a failed step up to Attempts times in total.
type Retry struct {
	Attempts int    `yaml:"attempts" json:"attempts"`
	Delay    string `yaml:"delay,omitempty" json:"delay,omitempty"`
	MaxDelay string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	Backoff  string `yaml:"backoff,omitempty" json:"backoff,omitempty"`
}

// LoadFile reads a definition from path.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definition: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Parse decodes a definition from YAML bytes.
func Parse(data []byte) (*Definition, error) {
	return Load(bytes.NewReader(data))
}

// Load decodes a definition, fills in missing ids and checks its shape.
// Stage ids default to "stage-N", step ids to "<parent>.N".
func Load(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "definition is empty")
		}
		return nil, schema.NewError(schema.ErrCodeValidation, "decode definition").WithCause(err)
	}
	if err := def.normalize(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) normalize() error {
	if d.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition has no name")
	}
	if len(d.Stages) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "definition %q has no stages", d.Name)
	}
	for i := range d.Stages {
		st := &d.Stages[i]
		if st.ID == "" {
			st.ID = "stage-" + strconv.Itoa(i+1)
		}
		if err := normalizeSteps(st.ID, st.Steps); err != nil {
			return err
		}
	}
	return nil
}

func normalizeSteps(parent string, list []Step) error {
	for i := range list {
		s := &list[i]
		if s.ID == "" {
			s.ID = parent + "." + strconv.Itoa(i+1)
		}
		switch {
		case len(s.Parallel) > 0 && s.Type != "":
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q sets both type and parallel", s.ID)
		case len(s.Parallel) > 0:
			if err := normalizeSteps(s.ID, s.Parallel); err != nil {
				return err
			}
		case s.Type == "":
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q has no type", s.ID)
		}
		if _, _, err := s.facilitation(); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: %s", s.ID, err).WithCause(err)
		}
	}
	return nil
}

// facilitation turns the step's retry, ignore_failure and wait_before
// settings into node advisers and an initial wait.
func (s Step) facilitation() ([]schema.AdviserSpec, schema.Duration, error) {
	var (
		advisers []schema.AdviserSpec
		wait     schema.Duration
	)
	if s.WaitBefore != "" {
		d, err := time.ParseDuration(s.WaitBefore)
		if err != nil || d < 0 {
			return nil, 0, fmt.Errorf("invalid wait_before %q", s.WaitBefore)
		}
		wait = schema.Duration(d)
	}
	if s.Retry != nil {
		spec := schema.RetrySpec{MaxAttempts: s.Retry.Attempts, Backoff: s.Retry.Backoff}
		for _, f := range []struct {
			name string
			raw  string
			dst  *schema.Duration
		}{{"delay", s.Retry.Delay, &spec.Delay}, {"max_delay", s.Retry.MaxDelay, &spec.MaxDelay}} {
			if f.raw == "" {
				continue
			}
			d, err := time.ParseDuration(f.raw)
			if err != nil || d < 0 {
				return nil, 0, fmt.Errorf("invalid retry %s %q", f.name, f.raw)
			}
			*f.dst = schema.Duration(d)
		}
		switch spec.Backoff {
		case "", schema.BackoffConstant, schema.BackoffLinear, schema.BackoffExponential:
		default:
			return nil, 0, fmt.Errorf("unknown retry backoff %q", spec.Backoff)
		}
		if spec.MaxAttempts < 1 {
			return nil, 0, fmt.Errorf("retry attempts must be at least 1")
		}
		advisers = append(advisers, schema.AdviserSpec{Type: schema.AdviserRetry, Retry: &spec})
	}
	if s.IgnoreFailure {
		advisers = append(advisers, schema.AdviserSpec{Type: schema.AdviserIgnore})
	}
	return advisers, wait, nil
}

// Root returns the dependency blob that seeds assembly of d.
func (d *Definition) Root() (schema.DependencyBlob, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return schema.DependencyBlob{}, fmt.Errorf("encode definition: %w", err)
	}
	return schema.DependencyBlob{ID: d.Name, Kind: KindPipeline, Payload: payload}, nil
}
