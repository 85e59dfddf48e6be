package llm

import "strings"

// StripCodeFence returns the body of the first markdown code block in text, without its
// language tag. Text without a fence is trimmed down to its outermost JSON object when one exists.
func StripCodeFence(text string) string {
	const fence = "```"
	trimmed := strings.TrimSpace(text)

	start := strings.Index(trimmed, fence)
	if start == -1 {
		return outermostObject(trimmed)
	}

	body := trimmed[start+len(fence):]
	if end := strings.Index(body, fence); end != -1 {
		body = body[:end]
	}
	// Drop a language tag such as "json" on the opening line.
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		tag := strings.TrimSpace(body[:nl])
		if tag == "" || !strings.ContainsAny(tag, "{[\"") {
			body = body[nl+1:]
		}
	}
	body = strings.TrimSpace(body)
	// A tag on the same line as the payload, as in "```json{...}```".
	if body != "" && body[0] != '{' && body[0] != '[' {
		return outermostObject(body)
	}
	return body
}

func outermostObject(text string) string {
	open := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if open == -1 || end < open {
		return text
	}
	return text[open : end+1]
}
