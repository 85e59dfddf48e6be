package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"crashgenius/internal/evidence"
	"crashgenius/internal/report"
)

const (
	DefaultMistralModel   = "pixtral-large-latest"
	DefaultMistralBaseURL = "https://api.mistral.ai"
)

type mistralPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type mistralMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type mistralResponseFormat struct {
	Type string `json:"type"`
}

type mistralRequest struct {
	Model          string                 `json:"model"`
	Messages       []mistralMessage       `json:"messages"`
	Stream         bool                   `json:"stream"`
	ResponseFormat *mistralResponseFormat `json:"response_format,omitempty"`
}

type mistralChoice struct {
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Delta struct {
		Content json.RawMessage `json:"content"`
	} `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type mistralResponse struct {
	Choices []mistralChoice `json:"choices"`
}

// contentText accepts both the plain string and the chunk-list forms of message content.
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var chunks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &chunks); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, chunk := range chunks {
		if chunk.Type == "" || chunk.Type == "text" {
			b.WriteString(chunk.Text)
		}
	}
	return b.String(), nil
}

// Mistral talks to the chat completions API. The report schema is only requested through
// the prompt, so output is fence-stripped and sanitized before use.
type Mistral struct {
	opts    Options
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

func NewMistral(opts Options) (*Mistral, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, notConfigured("mistral", "MISTRAL_NOT_CONFIGURED")
	}
	m := &Mistral{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		model:   opts.Model,
		client:  opts.httpClient(),
		logger:  opts.logger().With(zap.String("provider", "mistral")),
	}
	if m.baseURL == "" {
		m.baseURL = DefaultMistralBaseURL
	}
	if m.model == "" {
		m.model = DefaultMistralModel
	}
	return m, nil
}

func (m *Mistral) Name() string  { return string(ProviderMistral) }
func (m *Mistral) Model() string { return m.model }

func (m *Mistral) endpoint() string {
	return m.baseURL + "/v1/chat/completions"
}

func (m *Mistral) header() http.Header {
	return http.Header{"Authorization": []string{"Bearer " + m.opts.APIKey}}
}

// evidenceParts inlines images and degrades other documents to a placeholder line.
func evidenceParts(items []evidence.Evidence) []mistralPart {
	parts := make([]mistralPart, 0, len(items))
	for _, ev := range items {
		if ev.IsImage() {
			parts = append(parts, mistralPart{Type: "image_url", ImageURL: ev.Payload})
			continue
		}
		parts = append(parts, mistralPart{Type: "text", Text: documentPlaceholder(ev)})
	}
	return parts
}

func reportSchemaInstruction(lang Language) string {
	return reportSystemInstruction(lang) +
		"\n\nRespond with a single JSON object and nothing else. It must conform to this JSON Schema:\n" +
		report.SchemaJSON()
}

func (m *Mistral) GenerateReport(ctx context.Context, req Request) (report.Report, error) {
	parts := make([]mistralPart, 0, len(req.Evidence)+2)
	if req.Instructions != "" {
		parts = append(parts, mistralPart{Type: "text", Text: req.Instructions})
	}
	parts = append(parts, evidenceParts(req.Evidence)...)
	if req.FreeText != "" {
		parts = append(parts, mistralPart{Type: "text", Text: freeTextPart(req.FreeText)})
	}

	payload := mistralRequest{
		Model: m.model,
		Messages: []mistralMessage{
			{Role: "system", Content: reportSchemaInstruction(req.Language)},
			{Role: "user", Content: parts},
		},
		ResponseFormat: &mistralResponseFormat{Type: "json_object"},
	}

	resp, err := postJSON(ctx, m.client, m.Name(), m.endpoint(), m.header(), payload)
	if err != nil {
		return report.Report{}, err
	}
	defer resp.Body.Close()

	var decoded mistralResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return report.Report{}, readFailure(ctx, m.Name(), err)
	}
	if len(decoded.Choices) == 0 {
		return report.Report{}, protocolError(m.Name(), "no choices in response", nil)
	}
	text, err := contentText(decoded.Choices[0].Message.Content)
	if err != nil {
		return report.Report{}, protocolError(m.Name(), "unreadable message content", err)
	}
	if strings.TrimSpace(text) == "" {
		return report.Report{}, protocolError(m.Name(), "no response text", nil)
	}
	m.logger.Debug("report generated", zap.String("model", m.model), zap.Int("bytes", len(text)))
	return decodeReportText(m.Name(), StripCodeFence(text))
}

func (m *Mistral) CreateChatSession(_ context.Context, rep report.Report, ev []evidence.Evidence, lang Language) (ChatSession, error) {
	system := mistralMessage{Role: "system", Content: chatSystemInstruction(lang)}
	attached := evidenceParts(ev)

	send := func(ctx context.Context, transcript []ChatMessage, emit func(string) error) error {
		messages := make([]mistralMessage, 0, len(transcript)+1)
		messages = append(messages, system)
		for i, msg := range transcript {
			role := "user"
			if msg.Role == RoleModel {
				role = "assistant"
			}
			if i == 0 && len(attached) > 0 {
				parts := append([]mistralPart{{Type: "text", Text: msg.Text}}, attached...)
				messages = append(messages, mistralMessage{Role: role, Content: parts})
				continue
			}
			messages = append(messages, mistralMessage{Role: role, Content: msg.Text})
		}
		return m.streamChat(ctx, mistralRequest{Model: m.model, Messages: messages, Stream: true}, emit)
	}
	return newSession(rep, ev, send), nil
}

func (m *Mistral) streamChat(ctx context.Context, payload mistralRequest, emit func(string) error) error {
	header := m.header()
	header.Set("Accept", "text/event-stream")
	resp, err := postJSON(ctx, m.client, m.Name(), m.endpoint(), header, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	finished := false
	done, err := scanEvents(resp.Body, func(data string) error {
		var chunk mistralResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			m.dropFrame(&StreamFrameError{Provider: m.Name(), Data: data, Err: err})
			return nil
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]
		text, err := contentText(choice.Delta.Content)
		if err != nil {
			m.dropFrame(&StreamFrameError{Provider: m.Name(), Data: data, Err: err})
			return nil
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finished = true
		}
		return emit(text)
	})
	if err != nil {
		var providerErr *Error
		if errors.As(err, &providerErr) {
			return err
		}
		return readFailure(ctx, m.Name(), err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !done && !finished {
		return protocolError(m.Name(), "stream ended before completion", io.ErrUnexpectedEOF)
	}
	return nil
}

func (m *Mistral) dropFrame(err *StreamFrameError) {
	m.logger.Warn("skipping stream frame", zap.Error(err))
	m.opts.frameDropped(m.Name())
}
