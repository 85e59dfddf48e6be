package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "crash_report.json"

// schemaJSON is the canonical report contract shared by every provider.
const schemaJSON = `{
  "type": "object",
  "properties": {
    "title": {
      "type": "string",
      "description": "A concise title for the accident case (e.g. 'Frontal Impact on Toyota Camry' or 'Court Doc #123 Analysis')"
    },
    "summary": {
      "type": "string",
      "description": "A professional summary of the visible damage and accident context derived from photos or documents."
    },
    "vehiclesInvolved": {
      "type": "array",
      "items": {"type": "string"},
      "description": "List of identified vehicle makes/models involved"
    },
    "identifiedVehicles": {
      "type": "array",
      "description": "Vehicles identified in the evidence, including the licence plate when legible",
      "items": {
        "type": "object",
        "properties": {
          "make": {"type": "string"},
          "model": {"type": "string"},
          "year": {"type": "string", "description": "Model year or range (e.g. '2018-2020')"},
          "licensePlate": {"type": "string", "description": "Plate text read from the image, or 'Unknown' / 'Not Visible'"},
          "color": {"type": "string"}
        },
        "required": ["make", "model", "year", "licensePlate", "color"]
      }
    },
    "estimatedRepairCostRange": {
      "type": "string",
      "description": "Rough estimated cost range (e.g. '$1500 - $2500' or 'Total Loss')"
    },
    "damagePoints": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "partName": {"type": "string"},
          "damageType": {"type": "string", "description": "Type of damage (Dent, Scratch, Smash, Misalignment)"},
          "severity": {"type": "string", "enum": ["Low", "Medium", "High", "Critical"]},
          "description": {"type": "string", "description": "Detailed description of the damage"},
          "recommendedAction": {"type": "string", "description": "Repair vs Replace vs Paint"},
          "boundingBox": {
            "type": "array",
            "description": "[ymin, xmin, ymax, xmax] on a 0-1000 scale of the first image",
            "items": {"type": "number", "minimum": 0, "maximum": 1000},
            "minItems": 4,
            "maxItems": 4
          }
        },
        "required": ["partName", "damageType", "severity", "description", "recommendedAction"]
      }
    }
  },
  "required": ["title", "summary", "vehiclesInvolved", "estimatedRepairCostRange", "damagePoints"]
}`

var ErrSchemaViolation = errors.New("report violates schema")

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// SchemaJSON returns the canonical JSON Schema text, suitable for embedding in prompts.
func SchemaJSON() string {
	return schemaJSON
}

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader([]byte(schemaJSON))); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

// ValidateSchema checks a report against the canonical schema. Errors wrap ErrSchemaViolation
// when the report itself is at fault.
func ValidateSchema(rep Report) error {
	s, err := schema()
	if err != nil {
		return err
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}
	if err := s.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}

// GoogleResponseSchema converts the canonical schema into the OpenAPI subset accepted
// as a Gemini responseSchema (upper-case types, no numeric bounds).
func GoogleResponseSchema() map[string]any {
	var root map[string]any
	if err := json.Unmarshal([]byte(schemaJSON), &root); err != nil {
		return nil
	}
	return toOpenAPI(root)
}

func toOpenAPI(node map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range node {
		switch key {
		case "type":
			if s, ok := value.(string); ok {
				out["type"] = strings.ToUpper(s)
			}
		case "description", "enum", "required":
			out[key] = value
		case "items":
			if child, ok := value.(map[string]any); ok {
				out["items"] = toOpenAPI(child)
			}
		case "properties":
			props, ok := value.(map[string]any)
			if !ok {
				continue
			}
			converted := make(map[string]any, len(props))
			for name, child := range props {
				if childMap, ok := child.(map[string]any); ok {
					converted[name] = toOpenAPI(childMap)
				}
			}
			out["properties"] = converted
		}
	}
	return out
}
