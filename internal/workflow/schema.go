package workflow

// graphSchemaJSON is the shape every rendered document must satisfy before
// structural checks run: a non-empty object of node objects, each carrying a
// class_type and optionally inputs and _meta.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "graph.json",
  "title": "Prompt Graph",
  "description": "API-format node graph submitted for generation",
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "type": "object",
    "required": ["class_type"],
    "properties": {
      "class_type": {
        "type": "string",
        "minLength": 1,
        "description": "Processing node type"
      },
      "inputs": {
        "type": "object",
        "description": "Scalar inputs or references to other nodes' outputs"
      },
      "_meta": {
        "type": "object",
        "properties": {
          "title": {"type": "string"}
        },
        "description": "Free-form metadata"
      }
    }
  }
}`
