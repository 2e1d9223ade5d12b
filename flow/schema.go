package flow

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func flowSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("flow.json", strings.NewReader(flowSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("flow.json")
	})
	return compiledSchema, schemaErr
}

// ValidateSchema checks the raw definition against the flow document schema.
func ValidateSchema(data []byte) error {
	schema, err := flowSchema()
	if err != nil {
		return ErrSchemaViolation().WithDetail("error", "compile schema: "+err.Error())
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return ErrMalformedFlow().WithDetail("error", err.Error())
	}

	if err := schema.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return ErrSchemaViolation().WithDetail("violations", schemaViolations(verr))
		}
		return ErrSchemaViolation().WithDetail("error", err.Error())
	}
	return nil
}

func schemaViolations(verr *jsonschema.ValidationError) []string {
	var out []string
	if verr.Message != "" && len(verr.Causes) == 0 {
		loc := verr.InstanceLocation
		if loc == "" {
			loc = "$"
		}
		out = append(out, loc+": "+verr.Message)
	}
	for _, cause := range verr.Causes {
		out = append(out, schemaViolations(cause)...)
	}
	return out
}

const flowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "flow.json",
  "title": "Conversation flow",
  "type": "object",
  "required": ["id", "nodes"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 0},
    "name": {"type": "string"},
    "error_node": {"type": "string"},
    "entry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "any": {"type": "boolean"},
        "keywords": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "pattern": {"type": "string"},
        "priority": {"type": "integer"}
      }
    },
    "failure_policy": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
        "backoff_ms": {"type": "integer", "minimum": 0}
      }
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/node"}
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "kind": {
          "enum": ["start", "message", "question", "condition", "script", "action",
                   "api_call", "db_query", "ai_prompt", "jump", "delay", "handoff", "end",
                   "wa_template", "wa_media", "wa_buttons", "wa_list"]
        },
        "name": {"type": "string"},
        "config": {"type": "object"},
        "next": {"type": "string"},
        "on_error": {"type": "string"},
        "retries": {"type": "integer", "minimum": 0, "maximum": 10},
        "branches": {
          "type": "array",
          "items": {"$ref": "#/$defs/branch"}
        }
      }
    },
    "branch": {
      "type": "object",
      "required": ["when", "next"],
      "additionalProperties": false,
      "properties": {
        "label": {"type": "string"},
        "next": {"type": "string", "minLength": 1},
        "when": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "expr": {"type": "string"},
            "variable": {"type": "string"},
            "operator": {
              "enum": ["equals", "not_equals", "contains", "exists", "not_exists",
                       "gt", "gte", "lt", "lte", "regex"]
            },
            "value": {}
          }
        }
      }
    }
  }
}`
