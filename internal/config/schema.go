package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// rawDocumentSchema describes the shape a project config file's raw,
// pre-decode document must have: structural and type checks only,
// the same division of labor internal/toolcatalog draws between
// schema validation (shape) and Validate (semantics, e.g. "must be a
// known provider", "must be > 0").
const rawDocumentSchemaJSON = `{
  "type": "object",
  "properties": {
    "providers": {
      "type": "object",
      "properties": {
        "default": {"type": "string"},
        "api_keys": {"type": "object"}
      }
    },
    "agents": {
      "type": "object",
      "properties": {
        "max_parallel": {"type": "integer"},
        "max_iterations": {"type": "integer"}
      }
    },
    "cost": {
      "type": "object",
      "properties": {
        "budget_per_run": {"type": "number"},
        "budget_per_day": {"type": "number"}
      }
    },
    "quality": {
      "type": "object",
      "properties": {
        "gates": {"type": "array", "items": {"type": "string"}},
        "auto_fix": {"type": "boolean"},
        "max_retries": {"type": "integer"}
      }
    },
    "memory": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "decay_half_life_days": {"type": ["integer", "number", "string"]}
      }
    },
    "reasoning": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"}
      }
    }
  },
  "additionalProperties": true
}`

var rawDocumentSchema = mustCompileRawDocumentSchema()

func mustCompileRawDocumentSchema() *jsonschema.Schema {
	compiled, err := jsonschema.CompileString("cortexos-config.schema.json", rawDocumentSchemaJSON)
	if err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	return compiled
}

// validateRawDocument runs raw (the merged, pre-decode project file
// contents, after $include resolution and env-var expansion) through a
// JSON Schema pass before it is strictly decoded onto a Config. This
// catches type errors (a string where agents.max_parallel expects an
// integer, a non-array quality.gates) with a schema-validation error
// message instead of a less specific YAML decode failure, and runs
// before Validate's semantic checks (known-provider membership, range
// bounds) that require a fully decoded Config to evaluate.
func validateRawDocument(raw map[string]any) error {
	// Round-trip through encoding/json so YAML/JSON5-flavored Go values
	// (int64, map[string]any with non-string-origin numbers) normalize to
	// the float64/string/bool/nil shapes jsonschema.Validate expects,
	// exactly as the Tool Catalog does before validating tool arguments.
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: schema validation: re-marshal document: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("config: schema validation: re-decode document: %w", err)
	}
	if err := rawDocumentSchema.Validate(decoded); err != nil {
		return fmt.Errorf("config: schema validation failed: %w", err)
	}
	return nil
}
