package api

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"crashgenius/internal/analysis"
	"crashgenius/internal/evidence"
	"crashgenius/internal/llm"
	"crashgenius/internal/report"
)

// providerKeyHeaders carry a caller-supplied provider key, most specific first.
var providerKeyHeaders = []string{"X-Mistral-Key", "X-Provider-Key"}

type evidenceInput struct {
	Name       string    `json:"name"`
	MIMEType   string    `json:"mimeType"`
	Payload    string    `json:"payload"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

type analyzeRequest struct {
	Evidence []evidenceInput `json:"evidence"`
	Context  string          `json:"context"`
	Language string          `json:"language"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
}

type sessionRequest struct {
	ReportID string          `json:"reportId"`
	Report   json.RawMessage `json:"report"`
	Evidence []evidenceInput `json:"evidence"`
	Language string          `json:"language"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
}

type messageRequest struct {
	Message string `json:"message"`
}

func selectorFrom(r *http.Request, provider, model string) (analysis.ProviderSelector, error) {
	sel := analysis.ProviderSelector{ModelID: strings.TrimSpace(model)}
	if strings.TrimSpace(provider) != "" {
		kind, err := llm.ParseProviderKind(provider)
		if err != nil {
			return sel, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		sel.Kind = kind
	}
	for _, header := range providerKeyHeaders {
		if key := strings.TrimSpace(r.Header.Get(header)); key != "" {
			sel.APIKey = key
			break
		}
	}
	return sel, nil
}

func decodeEvidence(items []evidenceInput, logger *zap.Logger) ([]evidence.Evidence, error) {
	out := make([]evidence.Evidence, 0, len(items))
	for i, item := range items {
		name := item.Name
		if name == "" {
			name = fmt.Sprintf("evidence-%d", i+1)
		}
		modified := item.ModifiedAt
		if modified.IsZero() {
			modified = time.Now().UTC()
		}
		ev, err := evidence.FromDataURI(name, item.Payload, modified, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// parseAnalyze accepts either a multipart upload or the JSON evidence wire shape.
func (h *Handler) parseAnalyze(r *http.Request) (analysis.AnalyzeInput, error) {
	var in analysis.AnalyzeInput
	if isMultipart(r) {
		if err := r.ParseMultipartForm(h.Config.HTTP.MaxUploadBytes); err != nil {
			return in, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		for _, fh := range r.MultipartForm.File["evidence"] {
			f, err := fh.Open()
			if err != nil {
				return in, &evidence.IOError{Name: fh.Filename, Err: err}
			}
			ev, err := evidence.Normalize(fh.Filename, fh.Header.Get("Content-Type"), f, time.Now().UTC(), h.Logger)
			_ = f.Close()
			if err != nil {
				return in, err
			}
			in.Evidence = append(in.Evidence, ev)
		}
		sel, err := selectorFrom(r, r.FormValue("provider"), r.FormValue("model"))
		if err != nil {
			return in, err
		}
		in.FreeText = r.FormValue("context")
		in.Language = llm.ParseLanguage(r.FormValue("language"))
		in.Selector = sel
		return in, nil
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return in, fmt.Errorf("%w: invalid json", errBadRequest)
	}
	ev, err := decodeEvidence(req.Evidence, h.Logger)
	if err != nil {
		return in, err
	}
	sel, err := selectorFrom(r, req.Provider, req.Model)
	if err != nil {
		return in, err
	}
	in.Evidence = ev
	in.FreeText = req.Context
	in.Language = llm.ParseLanguage(req.Language)
	in.Selector = sel
	return in, nil
}

func sanitizedReport(raw json.RawMessage) (report.Report, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return report.Report{}, false
	}
	return report.Sanitize(raw), true
}
