package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound payloads arriving through an untyped boundary are checked against
// these schemas before entity construction. The schemas validate structure
// only; business rules (alternative counts, non-blank consequence, limit
// presence) belong to the validation layer and are deliberately not
// duplicated here.

const situationInputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["domain", "objective"],
  "properties": {
    "domain": {"type": "string", "minLength": 1},
    "context": {"type": "string"},
    "objective": {"type": "string", "minLength": 1},
    "uncertainties": {"type": "array", "items": {"type": "string"}},
    "alternatives": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "description": {"type": "string"},
          "associated_risks": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "risks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "description": {"type": "string"},
          "kind": {"type": "string"},
          "reversibility": {"type": "string"}
        }
      }
    },
    "urgency": {"enum": ["LOW", "MEDIUM", "HIGH"]},
    "absorption_capacity": {"enum": ["LOW", "MEDIUM", "HIGH"]},
    "relevant_consequence": {"type": "string"},
    "learning_possibility": {"type": "boolean"},
    "declared_use_case": {"type": "integer", "minimum": 0}
  }
}`

const protocolDraftSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["risk_profile", "evaluated_alternatives", "chosen_alternative"],
  "properties": {
    "minimum_criteria": {"type": "array", "items": {"type": "string"}},
    "considered_risks": {"type": "array", "items": {"type": "string"}},
    "defined_limits": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "value"],
        "properties": {
          "kind": {"type": "string"},
          "description": {"type": "string"},
          "value": {"type": "string"}
        }
      }
    },
    "risk_profile": {"enum": ["CONSERVATIVE", "MODERATE", "AGGRESSIVE"]},
    "evaluated_alternatives": {"type": "array", "items": {"type": "string"}},
    "chosen_alternative": {"type": "string"},
    "consulted_memory_ids": {"type": "array", "items": {"type": "string"}},
    "used_attachment_ids": {"type": "array", "items": {"type": "string"}},
    "proposed_by": {"type": "string"}
  }
}`

const consequenceInputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["observed", "minimum_evidences", "registered_by"],
  "properties": {
    "observed": {
      "type": "object",
      "required": ["description"],
      "properties": {
        "description": {"type": "string"},
        "indicators": {"type": "array", "items": {"type": "string"}},
        "attachments": {"type": "array", "items": {"type": "string"}},
        "limits_respected": {"type": "boolean"},
        "conditions_met": {"type": "boolean"}
      }
    },
    "perceived": {
      "type": "object",
      "properties": {
        "description": {"type": "string"},
        "signal": {"type": "string"},
        "perceived_risk": {"type": "string"},
        "lessons": {"type": "array", "items": {"type": "string"}},
        "extra_context": {"type": "string"}
      }
    },
    "minimum_evidences": {"type": "array", "items": {"type": "string"}},
    "registered_by": {"type": "string", "minLength": 1},
    "prior_observation_id": {"type": "string"},
    "notes": {"type": "string"},
    "triggers": {
      "type": "object",
      "properties": {
        "severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
        "category": {"enum": ["OPERATIONAL", "FINANCIAL", "LEGAL", "ETHICAL", "OTHER"]},
        "violated_limits": {"type": "boolean"},
        "reversible": {"type": "boolean"},
        "relevant_loss": {"type": "boolean"}
      }
    },
    "agent_id": {"type": "string"}
  }
}`

const mandateGrantSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_id", "mode", "max_risk_profile", "granted_by"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "mode": {"enum": ["TEACHING", "ASSISTED", "AUTONOMOUS"]},
    "allowed_policies": {"type": "array", "items": {"type": "string"}},
    "max_risk_profile": {"enum": ["CONSERVATIVE", "MODERATE", "AGGRESSIVE"]},
    "limits": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "value"],
        "properties": {
          "kind": {"type": "string"},
          "description": {"type": "string"},
          "value": {"type": "string"}
        }
      }
    },
    "human_trigger_phrases": {"type": "array", "items": {"type": "string"}},
    "allowed_domains": {"type": "array", "items": {"type": "string"}},
    "allowed_use_cases": {"type": "array", "items": {"type": "integer"}},
    "escalation_triggers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["condition", "action"],
        "properties": {
          "condition": {"type": "string", "minLength": 1},
          "action": {"type": "string", "minLength": 1},
          "note": {"type": "string"}
        }
      }
    },
    "granted_by": {"type": "string", "minLength": 1},
    "valid_from": {"type": "string", "format": "date-time"},
    "valid_until": {"type": "string", "format": "date-time"},
    "max_uses": {"type": "integer", "minimum": 1}
  }
}`

func mustCompile(name, schema string) *jsonschema.Schema {
	url := fmt.Sprintf("https://arbiter.schemas.local/%s.schema.json", name)
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("schema load failed for %s: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema compile failed for %s: %v", name, err))
	}
	return compiled
}

var (
	compiledSituationSchema   = mustCompile("situation-input", situationInputSchema)
	compiledProtocolSchema    = mustCompile("protocol-draft", protocolDraftSchema)
	compiledConsequenceSchema = mustCompile("consequence-input", consequenceInputSchema)
	compiledMandateSchema     = mustCompile("mandate-grant", mandateGrantSchema)
)

// ValidateSituationInput checks a raw situation payload against the schema.
func ValidateSituationInput(raw json.RawMessage) error {
	return validateRaw(compiledSituationSchema, raw)
}

// ValidateProtocolDraft checks a raw protocol draft against the schema.
func ValidateProtocolDraft(raw json.RawMessage) error {
	return validateRaw(compiledProtocolSchema, raw)
}

// ValidateConsequenceInput checks a raw consequence payload against the schema.
func ValidateConsequenceInput(raw json.RawMessage) error {
	return validateRaw(compiledConsequenceSchema, raw)
}

// ValidateMandateGrant checks a raw mandate grant against the schema.
func ValidateMandateGrant(raw json.RawMessage) error {
	return validateRaw(compiledMandateSchema, raw)
}

func validateRaw(schema *jsonschema.Schema, raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return NewValidationError("SCHEMA_INVALID", fmt.Sprintf("payload is not valid JSON: %v", err))
	}
	if err := schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return NewValidationError("SCHEMA_INVALID",
				fmt.Sprintf("at %q: %s", pointerOf(ve), ve.Message))
		}
		return NewValidationError("SCHEMA_INVALID", err.Error())
	}
	return nil
}

// pointerOf digs to the deepest cause so the reported JSON pointer names the
// offending field rather than the document root.
func pointerOf(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation == "" {
		return "/"
	}
	return ve.InstanceLocation
}
