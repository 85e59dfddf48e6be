package mcp

import "encoding/json"

const ProtocolVersion = "2025-03-26"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Result  any            `json:"result,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ResourceReadParams struct {
	URI string `json:"uri"`
}

// JSON-RPC error codes. The -3204x range is reserved for caller-recoverable failures.
const (
	codeParse         = -32700
	codeInvalidParams = -32602
	codeServer        = -32000
	codeRateLimited   = -32042
	codeProvider      = -32050
	codeNotFound      = -32004
)

const (
	ResourceModels       = "crashgenius://models"
	ResourceReportSchema = "crashgenius://schema/report"
	resourceReportPrefix = "crashgenius://reports/"
)

func listResources(withReports bool) map[string]any {
	resources := []map[string]any{
		{"uri": ResourceModels, "name": "models", "description": "Model catalogue", "mimeType": "application/json"},
		{"uri": ResourceReportSchema, "name": "report-schema", "description": "JSON schema every crash report satisfies", "mimeType": "application/schema+json"},
	}
	if withReports {
		resources = append(resources, map[string]any{
			"uri": resourceReportPrefix + "{id}", "name": "report", "description": "A stored crash report", "mimeType": "application/json",
		})
	}
	return map[string]any{"resources": resources}
}
