package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stagecraft/pkg/schema"
)

// Validator checks wire documents against the creator service and
// notification schemas. It is safe for concurrent use.
type Validator struct {
	request      *jsonschema.Schema
	response     *jsonschema.Schema
	notification *jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// New compiles the built-in schemas.
func New() (*Validator, error) {
	c := newCompiler()
	for url, doc := range map[string]string{
		definitionsSchemaURL:  definitionsSchemaJSON,
		requestSchemaURL:      requestSchemaJSON,
		responseSchemaURL:     responseSchemaJSON,
		notificationSchemaURL: notificationSchemaJSON,
	} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	v := &Validator{cache: make(map[string]*jsonschema.Schema)}
	for url, dst := range map[string]**jsonschema.Schema{
		requestSchemaURL:      &v.request,
		responseSchemaURL:     &v.response,
		notificationSchemaURL: &v.notification,
	} {
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", url, err)
		}
		*dst = compiled
	}
	return v, nil
}

// DecodeResolveRequest validates raw and decodes it.
func (v *Validator) DecodeResolveRequest(raw []byte) (*schema.ResolveRequest, error) {
	if err := validateRaw(v.request, raw, "resolve request"); err != nil {
		return nil, err
	}
	var req schema.ResolveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode resolve request").WithCause(err)
	}
	return &req, nil
}

// DecodeResolveResponse validates raw and decodes it. Node map keys must
// match the ids of the nodes they hold.
func (v *Validator) DecodeResolveResponse(raw []byte) (*schema.ResolveResponse, error) {
	if err := validateRaw(v.response, raw, "resolve response"); err != nil {
		return nil, err
	}
	var resp schema.ResolveResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode resolve response").WithCause(err)
	}
	for key, n := range resp.Nodes {
		if key != n.ID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node keyed %q declares id %q", key, n.ID)
		}
	}
	return &resp, nil
}

// DecodeNotification validates raw and decodes it into a callback response.
func (v *Validator) DecodeNotification(raw []byte) (*schema.ResponseData, error) {
	if err := validateRaw(v.notification, raw, "notification"); err != nil {
		return nil, err
	}
	var resp schema.ResponseData
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode notification").WithCause(err)
	}
	return &resp, nil
}

// ValidateDocument validates any JSON-compatible value against a schema
// given as raw bytes. Compiled schemas are cached by content.
func (v *Validator) ValidateDocument(doc any, schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return toStageError("document", err)
	}
	return nil
}

func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("stagecraft://document-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

func validateRaw(s *jsonschema.Schema, raw []byte, what string) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is empty", what)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is not valid JSON", what).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toStageError(what, err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func toStageError(what string, err error) *schema.StageError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s: %s", what, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s: %s", what, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s: %d violations", what, len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
