package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgenius/internal/evidence"
	"crashgenius/internal/report"
)

type frameCounter struct{ dropped atomic.Int32 }

func (f *frameCounter) StreamFrameDropped(string) { f.dropped.Add(1) }

func completionServer(t *testing.T, content string, captured chan<- mistralRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req mistralRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if captured != nil {
			captured <- req
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
}

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			w.(http.Flusher).Flush()
		}
	}))
}

func newTestMistral(t *testing.T, baseURL string, frames FrameCounter) *Mistral {
	t.Helper()
	m, err := NewMistral(Options{APIKey: "test-key", BaseURL: baseURL, Frames: frames})
	require.NoError(t, err)
	return m
}

func TestMistralRequiresKey(t *testing.T) {
	_, err := NewMistral(Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, KindNotConfigured, KindOf(err))
	assert.Contains(t, err.Error(), "MISTRAL_NOT_CONFIGURED")
}

func TestMistralFencedCompletion(t *testing.T) {
	srv := completionServer(t, "```json\n{\"title\":\"X\",\"damagePoints\":[]}\n```", nil)
	defer srv.Close()

	rep, err := newTestMistral(t, srv.URL, nil).GenerateReport(context.Background(), Request{Language: LanguageEnglish})
	require.NoError(t, err)
	assert.Equal(t, report.Report{
		Title:                    "X",
		Summary:                  "No summary provided.",
		VehiclesInvolved:         []string{},
		EstimatedRepairCostRange: "Unknown",
		DamagePoints:             []report.DamageItem{},
	}, rep)
}

func TestMistralFencedAndPlainParseIdentically(t *testing.T) {
	body := `{"title":"Side swipe","summary":"Door scraped","vehiclesInvolved":["Kia Rio"],"damagePoints":[{"partName":"Door","damageType":"Scratch","severity":"Low","description":"long scrape","recommendedAction":"Paint"}]}`

	plain := completionServer(t, body, nil)
	defer plain.Close()
	fenced := completionServer(t, "Here is the report:\n```json\n"+body+"\n```\nLet me know if you need more.", nil)
	defer fenced.Close()

	fromPlain, err := newTestMistral(t, plain.URL, nil).GenerateReport(context.Background(), Request{})
	require.NoError(t, err)
	fromFenced, err := newTestMistral(t, fenced.URL, nil).GenerateReport(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, fromPlain, fromFenced)
	assert.Equal(t, "Side swipe", fromPlain.Title)

	for _, inline := range []string{"```json" + body + "```", "```json " + body + " ```"} {
		srv := completionServer(t, inline, nil)
		fromInline, err := newTestMistral(t, srv.URL, nil).GenerateReport(context.Background(), Request{})
		srv.Close()
		require.NoError(t, err, "completion %q", inline)
		assert.Equal(t, fromPlain, fromInline)
	}
}

func TestMistralRequestShape(t *testing.T) {
	photo := evidence.Evidence{Name: "crash.jpg", MIMEType: "image/jpeg", Payload: "data:image/jpeg;base64,AAAA"}
	doc := evidence.Evidence{Name: "police.pdf", MIMEType: "application/pdf", Payload: "data:application/pdf;base64,BBBB"}

	captured := make(chan mistralRequest, 1)
	srv := completionServer(t, `{"title":"ok"}`, captured)
	defer srv.Close()

	_, err := newTestMistral(t, srv.URL, nil).GenerateReport(context.Background(), Request{
		Evidence:     []evidence.Evidence{photo, doc},
		FreeText:     "rear bumper cracked",
		Language:     LanguageRussian,
		Instructions: "analyse this",
	})
	require.NoError(t, err)

	req := <-captured
	assert.Equal(t, DefaultMistralModel, req.Model)
	assert.False(t, req.Stream)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
	require.Len(t, req.Messages, 2)

	system := req.Messages[0].Content.(string)
	assert.Contains(t, system, "Output all content in Russian")
	assert.Contains(t, system, `"damagePoints"`)

	parts := req.Messages[1].Content.([]any)
	require.Len(t, parts, 4)
	assert.Equal(t, "analyse this", parts[0].(map[string]any)["text"])
	assert.Equal(t, "image_url", parts[1].(map[string]any)["type"])
	assert.Equal(t, photo.Payload, parts[1].(map[string]any)["image_url"])
	assert.Equal(t, "[Attached document: police.pdf (application/pdf): content not available to this model]", parts[2].(map[string]any)["text"])
	assert.Equal(t, "Additional Incident/Document Context: rear bumper cracked", parts[3].(map[string]any)["text"])
}

func TestMistralInvalidJSONIsProtocolError(t *testing.T) {
	srv := completionServer(t, "```json\nnot json at all\n```", nil)
	defer srv.Close()

	_, err := newTestMistral(t, srv.URL, nil).GenerateReport(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestMistralStreamSkipsMalformedFrame(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{not json`,
		`{"choices":[{"delta":{"content":", world"}}]}`,
		`{"choices":[{"delta":{"content":"!"},"finish_reason":"stop"}]}`,
		`[DONE]`,
	})
	defer srv.Close()

	counter := &frameCounter{}
	session, err := newTestMistral(t, srv.URL, counter).CreateChatSession(context.Background(), report.Sanitize(`{"title":"X"}`), nil, LanguageEnglish)
	require.NoError(t, err)
	require.Len(t, session.History(), 2)

	stream, err := session.SendMessageStream(context.Background(), "What should I fix first?")
	require.NoError(t, err)

	var fragments []string
	for stream.Next() {
		fragments = append(fragments, stream.Text())
	}
	require.NoError(t, stream.Err())
	assert.True(t, stream.Completed())
	assert.Equal(t, []string{"Hello", ", world", "!"}, fragments)
	assert.Equal(t, int32(1), counter.dropped.Load())

	history := session.History()
	require.Len(t, history, 4)
	assert.Equal(t, ChatMessage{Role: RoleUser, Text: "What should I fix first?"}, history[2])
	assert.Equal(t, ChatMessage{Role: RoleModel, Text: "Hello, world!"}, history[3])
}

func TestMistralStreamAbruptEndIsError(t *testing.T) {
	srv := sseServer(t, []string{`{"choices":[{"delta":{"content":"partial"}}]}`})
	defer srv.Close()

	session, err := newTestMistral(t, srv.URL, nil).CreateChatSession(context.Background(), report.Sanitize(nil), nil, LanguageEnglish)
	require.NoError(t, err)
	stream, err := session.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)

	text, err := Collect(stream)
	assert.Equal(t, "partial", text)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, stream.Completed())
	assert.Len(t, session.History(), 2)
}

func TestMistralChatHistoryCarriesEvidence(t *testing.T) {
	requests := make(chan mistralRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mistralRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests <- req
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	photo := evidence.Evidence{Name: "crash.png", MIMEType: "image/png", Payload: "data:image/png;base64,AAAA"}
	rep := report.Sanitize(`{"title":"Rear impact"}`)
	session, err := newTestMistral(t, srv.URL, nil).CreateChatSession(context.Background(), rep, []evidence.Evidence{photo}, LanguageEnglish)
	require.NoError(t, err)

	stream, err := session.SendMessageStream(context.Background(), "Is it safe to drive?")
	require.NoError(t, err)
	_, err = Collect(stream)
	require.NoError(t, err)

	captured := <-requests
	assert.True(t, captured.Stream)
	require.Len(t, captured.Messages, 6)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Contains(t, captured.Messages[0].Content.(string), "CarCrashGenius Bot")
	first := captured.Messages[1].Content.([]any)
	assert.Equal(t, "Here is the source evidence (photo or document).", first[0].(map[string]any)["text"])
	assert.Equal(t, "image_url", first[1].(map[string]any)["type"])
	assert.Equal(t, "assistant", captured.Messages[2].Role)
	assert.True(t, strings.HasPrefix(captured.Messages[3].Content.(string), "Here is the generated damage report:\n"))
	assert.Equal(t, `Understood. I have the case file for "Rear impact". How can I assist with this claim?`, captured.Messages[4].Content)
	assert.Equal(t, "Is it safe to drive?", captured.Messages[5].Content)
}

func TestSessionRejectsConcurrentTurns(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"done\"},\"finish_reason\":\"stop\"}]}\n\n")
	}))
	defer srv.Close()

	session, err := newTestMistral(t, srv.URL, nil).CreateChatSession(context.Background(), report.Sanitize(nil), nil, LanguageEnglish)
	require.NoError(t, err)

	first, err := session.SendMessageStream(context.Background(), "one")
	require.NoError(t, err)
	_, err = session.SendMessageStream(context.Background(), "two")
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	text, err := Collect(first)
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	next, err := session.SendMessageStream(context.Background(), "three")
	require.NoError(t, err)
	next.Close()
}

func TestStreamCloseCancelsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	session, err := newTestMistral(t, srv.URL, nil).CreateChatSession(context.Background(), report.Sanitize(nil), nil, LanguageEnglish)
	require.NoError(t, err)
	stream, err := session.SendMessageStream(context.Background(), "hello")
	require.NoError(t, err)

	require.True(t, stream.Next())
	assert.Equal(t, "first", stream.Text())
	stream.Close()

	assert.False(t, stream.Next())
	assert.ErrorIs(t, stream.Err(), context.Canceled)
	assert.False(t, stream.Completed())
	assert.Len(t, session.History(), 2)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"message":"Unauthorized"}`, ErrAuth},
		{http.StatusForbidden, `forbidden`, ErrAuth},
		{http.StatusTooManyRequests, `{"message":"Requests rate limit exceeded"}`, ErrQuota},
		{http.StatusBadRequest, `{"message":"Image format not supported"}`, ErrFormat},
		{http.StatusBadRequest, `{"error":{"message":"API key not valid. Please pass a valid API key."}}`, ErrAuth},
		{http.StatusBadRequest, `{"message":"bad temperature"}`, ErrProtocol},
		{http.StatusInternalServerError, `boom`, ErrProtocol},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, tc.body, tc.status)
		}))
		_, err := newTestMistral(t, srv.URL, nil).GenerateReport(context.Background(), Request{})
		srv.Close()

		require.Error(t, err)
		assert.ErrorIs(t, err, tc.want, "status %d body %s", tc.status, tc.body)
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, tc.status, pe.Status)
	}
}
