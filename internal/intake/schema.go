package intake

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// detectionSchema is the JSON schema enforced at the wire boundary before
// the gateway's structural validation runs. Keeping it embedded means the
// engine cannot start with a missing or stale schema file.
const detectionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "DetectionReport",
  "type": "object",
  "required": ["source", "region", "worker_id", "severity", "evidence"],
  "properties": {
    "source": {
      "type": "string",
      "enum": ["waf_block", "captcha_challenge", "fingerprint_probe", "rate_limit", "behavioral_analysis", "honeypot"]
    },
    "region": {"type": "string", "minLength": 1},
    "worker_id": {"type": "string", "minLength": 1},
    "severity": {
      "type": "string",
      "enum": ["low", "medium", "high", "critical", "apocalyptic"]
    },
    "evidence": {
      "type": "object",
      "properties": {
        "fingerprint": {"type": "string"},
        "triggers": {"type": "array", "items": {"type": "string"}},
        "timing_anomaly": {"type": "boolean"},
        "challenge_type": {"type": "string"}
      }
    },
    "observed_latency_ms": {"type": "number", "minimum": 0}
  }
}`

// SchemaValidator validates raw detection payloads against the embedded
// JSON schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded detection schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("detection.json", bytes.NewReader([]byte(detectionSchema))); err != nil {
		return nil, fmt.Errorf("add detection schema: %w", err)
	}
	schema, err := compiler.Compile("detection.json")
	if err != nil {
		return nil, fmt.Errorf("compile detection schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks a decoded JSON document against the schema.
func (v *SchemaValidator) Validate(doc any) error {
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
