package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"crashgenius/internal/evidence"
	"crashgenius/internal/report"
)

const (
	DefaultGoogleModel   = "gemini-3-pro-preview"
	DefaultGoogleBaseURL = "https://generativelanguage.googleapis.com"
)

type googleInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type googlePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *googleInlineData `json:"inline_data,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (r googleResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func (r googleResponse) blockReason() string {
	if r.PromptFeedback == nil {
		return ""
	}
	return r.PromptFeedback.BlockReason
}

func (r googleResponse) finished() bool {
	return len(r.Candidates) > 0 && r.Candidates[0].FinishReason != ""
}

// Google talks to the Gemini generateContent API with schema-enforced JSON output.
type Google struct {
	opts    Options
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

func NewGoogle(opts Options) (*Google, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, notConfigured("google", "API key not found")
	}
	g := &Google{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		model:   opts.Model,
		client:  opts.httpClient(),
		logger:  opts.logger().With(zap.String("provider", "google")),
	}
	if g.baseURL == "" {
		g.baseURL = DefaultGoogleBaseURL
	}
	if g.model == "" {
		g.model = DefaultGoogleModel
	}
	return g, nil
}

func (g *Google) Name() string  { return string(ProviderGoogle) }
func (g *Google) Model() string { return g.model }

func (g *Google) endpoint(method string, query url.Values) string {
	u := fmt.Sprintf("%s/v1beta/models/%s:%s", g.baseURL, url.PathEscape(g.model), method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (g *Google) header() http.Header {
	return http.Header{"X-Goog-Api-Key": []string{g.opts.APIKey}}
}

func inlinePart(ev evidence.Evidence) googlePart {
	return googlePart{InlineData: &googleInlineData{MimeType: ev.MIMEType, Data: ev.Base64()}}
}

func (g *Google) GenerateReport(ctx context.Context, req Request) (report.Report, error) {
	parts := make([]googlePart, 0, len(req.Evidence)+2)
	if req.Instructions != "" {
		parts = append(parts, googlePart{Text: req.Instructions})
	}
	for _, ev := range req.Evidence {
		parts = append(parts, inlinePart(ev))
	}
	if req.FreeText != "" {
		parts = append(parts, googlePart{Text: freeTextPart(req.FreeText)})
	}

	payload := googleRequest{
		Contents:          []googleContent{{Role: string(RoleUser), Parts: parts}},
		SystemInstruction: &googleContent{Parts: []googlePart{{Text: reportSystemInstruction(req.Language)}}},
		GenerationConfig: &googleGenerationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   report.GoogleResponseSchema(),
		},
	}

	resp, err := postJSON(ctx, g.client, g.Name(), g.endpoint("generateContent", nil), g.header(), payload)
	if err != nil {
		return report.Report{}, err
	}
	defer resp.Body.Close()

	var decoded googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return report.Report{}, readFailure(ctx, g.Name(), err)
	}
	if reason := decoded.blockReason(); reason != "" {
		return report.Report{}, &Error{Kind: KindFormat, Provider: g.Name(), Message: "prompt blocked: " + reason}
	}
	text := decoded.text()
	if strings.TrimSpace(text) == "" {
		return report.Report{}, protocolError(g.Name(), "no response text", nil)
	}
	g.logger.Debug("report generated", zap.String("model", g.model), zap.Int("bytes", len(text)))
	return decodeReportText(g.Name(), text)
}

func (g *Google) CreateChatSession(_ context.Context, rep report.Report, ev []evidence.Evidence, lang Language) (ChatSession, error) {
	system := &googleContent{Parts: []googlePart{{Text: chatSystemInstruction(lang)}}}
	evidenceParts := make([]googlePart, 0, len(ev))
	for _, item := range ev {
		evidenceParts = append(evidenceParts, inlinePart(item))
	}

	send := func(ctx context.Context, transcript []ChatMessage, emit func(string) error) error {
		contents := make([]googleContent, 0, len(transcript))
		for i, msg := range transcript {
			parts := []googlePart{{Text: msg.Text}}
			if i == 0 && len(evidenceParts) > 0 {
				parts = append(parts, evidenceParts...)
			}
			contents = append(contents, googleContent{Role: string(msg.Role), Parts: parts})
		}
		return g.streamChat(ctx, googleRequest{Contents: contents, SystemInstruction: system}, emit)
	}
	return newSession(rep, ev, send), nil
}

func (g *Google) streamChat(ctx context.Context, payload googleRequest, emit func(string) error) error {
	endpoint := g.endpoint("streamGenerateContent", url.Values{"alt": []string{"sse"}})
	header := g.header()
	header.Set("Accept", "text/event-stream")
	resp, err := postJSON(ctx, g.client, g.Name(), endpoint, header, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	frames := 0
	finished := false
	_, err = scanEvents(resp.Body, func(data string) error {
		var chunk googleResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			g.dropFrame(&StreamFrameError{Provider: g.Name(), Data: data, Err: err})
			return nil
		}
		frames++
		if reason := chunk.blockReason(); reason != "" {
			return &Error{Kind: KindFormat, Provider: g.Name(), Message: "prompt blocked: " + reason}
		}
		finished = finished || chunk.finished()
		return emit(chunk.text())
	})
	if err != nil {
		var providerErr *Error
		if errors.As(err, &providerErr) {
			return err
		}
		return readFailure(ctx, g.Name(), err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if frames == 0 {
		return protocolError(g.Name(), "empty stream", io.ErrUnexpectedEOF)
	}
	if !finished {
		return protocolError(g.Name(), "stream ended before completion", io.ErrUnexpectedEOF)
	}
	return nil
}

func (g *Google) dropFrame(err *StreamFrameError) {
	g.logger.Warn("skipping stream frame", zap.Error(err))
	g.opts.frameDropped(g.Name())
}
