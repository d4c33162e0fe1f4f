package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// policySchema validates policy documents at the upsert boundary, before any
// row is written. Condition expressions are validated structurally here and
// semantically by ParseExpr.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["policy_id", "scope", "subject", "effect"],
  "properties": {
    "policy_id": {"type": "string", "minLength": 1},
    "scope": {
      "type": "object",
      "required": ["tenant_id"],
      "properties": {
        "tenant_id": {"type": "string", "minLength": 1},
        "workspace_id": {"type": ["string", "null"]},
        "environment": {"type": ["string", "null"]}
      }
    },
    "subject": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["tool", "adapter", "skill", "environment", "risk", "cost"]},
        "name": {"type": "string"}
      }
    },
    "conditions": {
      "type": "object",
      "additionalProperties": {
        "anyOf": [
          {"type": ["string", "number", "boolean"]},
          {"type": "object", "minProperties": 1, "maxProperties": 1}
        ]
      }
    },
    "effect": {
      "type": "object",
      "required": ["decision"],
      "properties": {
        "decision": {"enum": ["allow", "deny", "require_approval"]},
        "max_steps": {"type": "integer", "minimum": 0}
      }
    },
    "explanation": {"type": "string"},
    "precedence": {"type": "integer"},
    "enabled": {"type": "boolean"},
    "wizard_meta": {"type": "object"}
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://warden.schemas.local/policy.schema.json"
		if err := c.AddResource(url, strings.NewReader(policySchema)); err != nil {
			compileErr = fmt.Errorf("policy schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(url)
	})
	return compiledSchema, compileErr
}

// ValidateDocument checks a raw policy document against the embedded schema
// and then parses every condition expression. Fails before persistence.
func ValidateDocument(doc []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("policy: document is not valid JSON: %w", err)
	}
	if err := s.Validate(generic); err != nil {
		return fmt.Errorf("policy: schema validation failed: %w", err)
	}

	// Structural pass done; now make sure each condition parses.
	var p struct {
		Conditions map[string]json.RawMessage `json:"conditions"`
	}
	if err := json.Unmarshal(doc, &p); err != nil {
		return err
	}
	for field, raw := range p.Conditions {
		if _, err := ParseExpr(raw); err != nil {
			return fmt.Errorf("policy: condition %q: %w", field, err)
		}
	}
	return nil
}
