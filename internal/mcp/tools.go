package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"crashgenius/internal/analysis"
	"crashgenius/internal/auth"
	"crashgenius/internal/evidence"
	"crashgenius/internal/llm"
	"crashgenius/internal/report"
)

type tool struct {
	Name        string
	Description string
	Scope       string
	NeedsStore  bool
	InputSchema string
}

var tools = []tool{
	{
		Name:        "generate_crash_report",
		Description: "Analyse crash evidence and an optional description into a structured damage report",
		Scope:       auth.ScopeReportsWrite,
		InputSchema: `{
  "type": "object",
  "properties": {
    "evidence": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "data_uri": {"type": "string", "pattern": "^data:"}
        },
        "required": ["data_uri"]
      }
    },
    "context": {"type": "string"},
    "language": {"type": "string", "enum": ["en", "ru"]},
    "provider": {"type": "string", "enum": ["google", "mistral", "noop"]},
    "model": {"type": "string"},
    "api_key": {"type": "string"}
  }
}`,
	},
	{
		Name:        "hash_report",
		Description: "Compute the canonical content hash and content id of a report",
		Scope:       auth.ScopeReportsRead,
		InputSchema: `{
  "type": "object",
  "properties": {"report": {"type": "object"}},
  "required": ["report"]
}`,
	},
	{
		Name:        "bounding_box_region",
		Description: "Convert a [ymin, xmin, ymax, xmax] box on the 0-1000 scale into percentage offsets",
		Scope:       auth.ScopeReportsRead,
		InputSchema: `{
  "type": "object",
  "properties": {
    "box": {
      "type": "array",
      "items": {"type": "number", "minimum": 0, "maximum": 1000},
      "minItems": 4,
      "maxItems": 4
    }
  },
  "required": ["box"]
}`,
	},
	{
		Name:        "list_models",
		Description: "List the selectable models and their providers",
		Scope:       auth.ScopeReportsRead,
		InputSchema: `{"type": "object"}`,
	},
	{
		Name:        "get_report",
		Description: "Fetch a stored crash report by id",
		Scope:       auth.ScopeReportsRead,
		NeedsStore:  true,
		InputSchema: `{
  "type": "object",
  "properties": {"report_id": {"type": "string", "minLength": 1}},
  "required": ["report_id"]
}`,
	},
	{
		Name:        "list_reports",
		Description: "List stored crash reports, newest first",
		Scope:       auth.ScopeReportsRead,
		NeedsStore:  true,
		InputSchema: `{
  "type": "object",
  "properties": {
    "limit": {"type": "integer", "minimum": 1, "maximum": 200},
    "offset": {"type": "integer", "minimum": 0}
  }
}`,
	},
}

func findTool(name string) (tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return tool{}, false
}

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(tools))
		for _, t := range tools {
			url := "tools/" + t.Name + ".json"
			if err := compiler.AddResource(url, bytes.NewReader([]byte(t.InputSchema))); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", t.Name, err)
				return
			}
			compiled, err := compiler.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", t.Name, err)
				return
			}
			out[t.Name] = compiled
		}
		schemas = out
	})
	return schemas, schemaErr
}

// errInvalidArguments wraps schema violations in tool arguments.
var errInvalidArguments = errors.New("invalid tool arguments")

func validateArguments(name string, raw json.RawMessage) error {
	compiled, err := compileSchemas()
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", errInvalidArguments, err)
	}
	if err := compiled[name].Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", errInvalidArguments, err)
	}
	return nil
}

func (s *Server) listTools() map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		if t.NeedsStore && s.Reports == nil {
			continue
		}
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": json.RawMessage(t.InputSchema),
		})
	}
	return map[string]any{"tools": out}
}

type generateInput struct {
	Evidence []struct {
		Name    string `json:"name"`
		DataURI string `json:"data_uri"`
	} `json:"evidence"`
	Context  string `json:"context"`
	Language string `json:"language"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

func (s *Server) toolExecutor(params ToolCallParams) (func(context.Context) (any, error), error) {
	args := params.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	switch params.Name {
	case "generate_crash_report":
		var input generateInput
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (any, error) {
			return s.generate(ctx, input)
		}, nil
	case "hash_report":
		var input struct {
			Report map[string]any `json:"report"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, err
		}
		return func(context.Context) (any, error) {
			hash, err := report.Hash(report.Sanitize(input.Report))
			if err != nil {
				return nil, err
			}
			return map[string]any{"hash": hash, "content_id": report.ContentID(hash)}, nil
		}, nil
	case "bounding_box_region":
		var input struct {
			Box report.BoundingBox `json:"box"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, err
		}
		return func(context.Context) (any, error) {
			return map[string]any{"region": input.Box.Region()}, nil
		}, nil
	case "list_models":
		return func(context.Context) (any, error) {
			return map[string]any{"models": s.Models}, nil
		}, nil
	case "get_report":
		var input struct {
			ReportID string `json:"report_id"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (any, error) {
			rec, err := s.Reports.GetReport(ctx, input.ReportID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"record": rec}, nil
		}, nil
	case "list_reports":
		var input struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, err
		}
		if input.Limit == 0 {
			input.Limit = 20
		}
		return func(ctx context.Context) (any, error) {
			recs, err := s.Reports.ListReports(ctx, input.Limit, input.Offset)
			if err != nil {
				return nil, err
			}
			return map[string]any{"records": recs}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown tool: %s", params.Name)
	}
}

func (s *Server) generate(ctx context.Context, input generateInput) (any, error) {
	sel := analysis.ProviderSelector{ModelID: strings.TrimSpace(input.Model), APIKey: strings.TrimSpace(input.APIKey)}
	if input.Provider != "" {
		kind, err := llm.ParseProviderKind(input.Provider)
		if err != nil {
			return nil, err
		}
		sel.Kind = kind
	}
	ev := make([]evidence.Evidence, 0, len(input.Evidence))
	for i, item := range input.Evidence {
		name := item.Name
		if name == "" {
			name = fmt.Sprintf("evidence-%d", i+1)
		}
		e, err := evidence.FromDataURI(name, item.DataURI, s.now().UTC(), s.logger())
		if err != nil {
			return nil, err
		}
		ev = append(ev, e)
	}
	out, err := s.Analysis.Analyze(ctx, analysis.AnalyzeInput{
		Evidence: ev,
		FreeText: input.Context,
		Language: llm.ParseLanguage(input.Language),
		Selector: sel,
	})
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"report":   out.Report,
		"provider": out.Provider,
		"model":    out.Model,
	}
	if out.Record != nil {
		result["report_id"] = out.Record.ID
		result["content_hash"] = out.Record.ContentHash
	}
	return result, nil
}

// textContent wraps a tool result in the content envelope MCP clients render.
func textContent(result any) (map[string]any, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(data)}},
		"structuredContent": result,
	}, nil
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
