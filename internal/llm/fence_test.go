package llm

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crashgenius/internal/evidence"
	"crashgenius/internal/report"
)

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":               `{"a":1}`,
		"```\n{\"a\":1}\n```":                   `{"a":1}`,
		"```JSON\r\n{\"a\":1}\r\n```":           `{"a":1}`,
		"{\"a\":1}":                             `{"a":1}`,
		"Sure! {\"a\":1} Hope that helps.":      `{"a":1}`,
		"prefix\n```json\n{\"a\":1}\n```\nmore": `{"a":1}`,
		"```{\"a\":1}```":                       `{"a":1}`,
		"```json{\"a\":1}```":                   `{"a":1}`,
		"```json {\"a\":1} ```":                 `{"a":1}`,
		"no json here":                          "no json here",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripCodeFence(in), "input %q", in)
	}
}

func TestScanEventsStopsAtDone(t *testing.T) {
	input := ": keep-alive\nevent: message\ndata: one\n\ndata:two\n\ndata: [DONE]\n\ndata: three\n"
	var got []string
	done, err := scanEvents(strings.NewReader(input), func(data string) error {
		got = append(got, data)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestParseLanguageAndKind(t *testing.T) {
	assert.Equal(t, LanguageRussian, ParseLanguage("RU"))
	assert.Equal(t, LanguageEnglish, ParseLanguage("de"))
	assert.Equal(t, "Russian", LanguageRussian.Name())

	kind, err := ParseProviderKind(" Mistral ")
	require.NoError(t, err)
	assert.Equal(t, ProviderMistral, kind)
	_, err = ParseProviderKind("openai")
	assert.Error(t, err)
}

func TestNoopProvider(t *testing.T) {
	noop := NewNoop()
	ev := []evidence.Evidence{{Name: "crash.jpg", MIMEType: "image/jpeg"}}
	rep, err := noop.GenerateReport(context.Background(), Request{Evidence: ev, FreeText: "Rear bumper cracked, trunk dented"})
	require.NoError(t, err)
	assert.Equal(t, "Offline analysis: crash.jpg", rep.Title)
	require.Len(t, rep.DamagePoints, 2)
	assert.Equal(t, "Bumper", rep.DamagePoints[0].PartName)
	assert.Equal(t, report.SeverityHigh, rep.DamagePoints[0].Severity)
	require.NoError(t, report.ValidateSchema(rep))

	again, err := noop.GenerateReport(context.Background(), Request{Evidence: ev, FreeText: "Rear bumper cracked, trunk dented"})
	require.NoError(t, err)
	assert.Equal(t, rep, again)

	session, err := noop.CreateChatSession(context.Background(), rep, ev, LanguageEnglish)
	require.NoError(t, err)
	stream, err := session.SendMessageStream(context.Background(), "Is it drivable?")
	require.NoError(t, err)
	reply, err := Collect(stream)
	require.NoError(t, err)
	assert.True(t, stream.Completed())
	assert.Contains(t, reply, `"Offline analysis: crash.jpg"`)
	assert.Contains(t, reply, "Is it drivable?")
	assert.Len(t, session.History(), 6)
}

func TestChatSessionsAreIndependent(t *testing.T) {
	noop := NewNoop()
	rep := report.Sanitize(`{"title":"X"}`)
	a, err := noop.CreateChatSession(context.Background(), rep, nil, LanguageEnglish)
	require.NoError(t, err)
	b, err := noop.CreateChatSession(context.Background(), rep, nil, LanguageEnglish)
	require.NoError(t, err)
	assert.Equal(t, a.History(), b.History())

	stream, err := a.SendMessageStream(context.Background(), "hi")
	require.NoError(t, err)
	_, err = Collect(stream)
	require.NoError(t, err)
	assert.Len(t, a.History(), 4)
	assert.Len(t, b.History(), 2)
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "П...", truncate("Привет", 3))
	assert.Equal(t, "Пр...", truncate("Привет", 4))

	body := []byte(strings.Repeat("ж", 400))
	err := statusError("mistral", 500, body)
	assert.True(t, utf8.ValidString(err.Message))
	assert.Equal(t, strings.Repeat("ж", 256)+"...", err.Message)
}
