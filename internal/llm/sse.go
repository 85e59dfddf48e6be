package llm

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const maxFrameBytes = 1 << 20

// StreamFrameError describes one undecodable event-stream frame. It is logged and
// skipped, never returned to callers.
type StreamFrameError struct {
	Provider string
	Data     string
	Err      error
}

func (e *StreamFrameError) Error() string {
	return fmt.Sprintf("%s: malformed stream frame %q: %v", e.Provider, truncate(e.Data, 120), e.Err)
}

func (e *StreamFrameError) Unwrap() error { return e.Err }

// scanEvents calls handle with the payload of every "data:" line. It stops at the
// literal [DONE] marker and reports whether that marker was seen.
func scanEvents(r io.Reader, handle func(data string) error) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == "[DONE]" {
			return true, nil
		}
		if strings.TrimSpace(data) == "" {
			continue
		}
		if err := handle(data); err != nil {
			return false, err
		}
	}
	return false, scanner.Err()
}

// truncate cuts text to at most limit bytes without splitting a rune.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + "..."
}
