package correlate

import "github.com/xeipuuv/gojsonschema"

// ruleSchema is the structural contract every rule document must meet
// before it is decoded. Operator/value arity and regex syntax are
// checked separately in normalize().
const ruleSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "matchCriteria", "confidence", "risk"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9_]+$"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "scope": {"enum": ["single-scan", "cross-scan"]},
    "matchCriteria": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["field", "op"],
        "additionalProperties": false,
        "properties": {
          "field": {"enum": ["type", "data", "module", "risk", "confidence", "visibility"]},
          "op": {"enum": ["eq", "ne", "in", "regex", "gt", "gte", "lt", "lte"]},
          "value": {"type": ["string", "integer"]},
          "values": {"type": "array", "minItems": 1, "items": {"type": "string"}}
        }
      }
    },
    "aggregation": {
      "type": "array",
      "items": {"enum": ["type", "data", "module", "risk", "confidence", "visibility"]}
    },
    "threshold": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "minEvents": {"type": "integer", "minimum": 1},
        "minScans": {"type": "integer", "minimum": 1}
      }
    },
    "confidence": {"type": "integer", "minimum": 0, "maximum": 100},
    "risk": {"enum": ["info", "low", "medium", "high", "critical"]}
  }
}`

var ruleSchemaLoader = gojsonschema.NewStringLoader(ruleSchema)
