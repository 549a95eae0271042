package governance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/persistence"
)

// PayloadValidator checks delegation task data against a JSON Schema. A nil
// validator accepts everything.
type PayloadValidator struct {
	schema *jsonschema.Schema
}

// NewPayloadValidator compiles schemaJSON. An empty schema yields a nil
// validator.
func NewPayloadValidator(schemaJSON string) (*PayloadValidator, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil, nil
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal task data schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task_data.json", doc); err != nil {
		return nil, fmt.Errorf("add task data schema: %w", err)
	}
	schema, err := c.Compile("task_data.json")
	if err != nil {
		return nil, fmt.Errorf("compile task data schema: %w", err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// Validate returns an error wrapping persistence.ErrInvalidInput when data
// does not satisfy the schema. Absent data is not validated.
func (v *PayloadValidator) Validate(data json.RawMessage) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("task data is not valid JSON: %v: %w", err, persistence.ErrInvalidInput)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("task data schema validation failed: %v: %w", err, persistence.ErrInvalidInput)
	}
	return nil
}

// payloadValidator returns the validator for the current policy, compiling
// it again only when the policy version changed.
func (s *Service) payloadValidator() (*PayloadValidator, error) {
	version := s.policy.PolicyVersion()
	s.validatorMu.Lock()
	defer s.validatorMu.Unlock()
	if version == s.validatorVersion {
		return s.validator, nil
	}
	v, err := NewPayloadValidator(s.policy.Snapshot().TaskDataSchema)
	if err != nil {
		return nil, err
	}
	s.validator, s.validatorVersion = v, version
	return v, nil
}
