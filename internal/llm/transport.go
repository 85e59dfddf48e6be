package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"crashgenius/internal/evidence"
	"crashgenius/internal/report"
)

const maxErrorBody = 64 << 10

// postJSON sends payload and returns the response when the status is 2xx. The caller closes the body.
func postJSON(ctx context.Context, client *http.Client, provider, endpoint string, header http.Header, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		req.Header[key] = values
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, protocolError(provider, "request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(provider, resp.StatusCode, data)
	}
	return resp, nil
}

// readFailure distinguishes caller cancellation from a broken response body.
func readFailure(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return protocolError(provider, "read response", err)
}

// finishReport turns decoded model output into a validated report.
func finishReport(provider string, raw any) (report.Report, error) {
	rep := report.Sanitize(raw)
	if err := report.ValidateSchema(rep); err != nil {
		return report.Report{}, protocolError(provider, "report failed validation", err)
	}
	return rep, nil
}

func decodeReportText(provider, text string) (report.Report, error) {
	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return report.Report{}, protocolError(provider, "response is not valid JSON", err)
	}
	if _, ok := raw.(map[string]any); !ok {
		return report.Report{}, protocolError(provider, "response is not a JSON object", nil)
	}
	return finishReport(provider, raw)
}

func documentPlaceholder(ev evidence.Evidence) string {
	return fmt.Sprintf("[Attached document: %s (%s): content not available to this model]", ev.Name, ev.MIMEType)
}
