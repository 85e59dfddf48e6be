package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorKind string

const (
	KindNotConfigured ErrorKind = "not_configured"
	KindAuth          ErrorKind = "auth"
	KindQuota         ErrorKind = "quota"
	KindFormat        ErrorKind = "format"
	KindProtocol      ErrorKind = "protocol"
)

var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrAuth          = errors.New("provider rejected credentials")
	ErrQuota         = errors.New("provider quota exceeded")
	ErrFormat        = errors.New("provider rejected evidence format")
	ErrProtocol      = errors.New("provider protocol error")

	ErrSessionBusy = errors.New("chat session busy")
)

var kindSentinels = map[ErrorKind]error{
	KindNotConfigured: ErrNotConfigured,
	KindAuth:          ErrAuth,
	KindQuota:         ErrQuota,
	KindFormat:        ErrFormat,
	KindProtocol:      ErrProtocol,
}

// Error is returned by adapters for every failure that is not a caller cancellation.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(kindSentinels[e.Kind].Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf reports the error kind, or "" when err is not a provider error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func notConfigured(provider, message string) *Error {
	return &Error{Kind: KindNotConfigured, Provider: provider, Message: message}
}

func protocolError(provider, message string, err error) *Error {
	return &Error{Kind: KindProtocol, Provider: provider, Message: message, Err: err}
}

// statusError classifies a non-2xx response.
func statusError(provider string, status int, body []byte) *Error {
	message := truncate(strings.TrimSpace(string(body)), 512)
	kind := KindProtocol
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	case http.StatusTooManyRequests:
		kind = KindQuota
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		switch {
		case invalidKey(message):
			kind = KindAuth
		case unsupportedInput(message):
			kind = KindFormat
		}
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Message: message}
}

// Gemini answers a bad key with 400 INVALID_ARGUMENT rather than 401.
func invalidKey(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "api key not valid") || strings.Contains(lower, "api_key_invalid")
}

func unsupportedInput(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range []string{"unsupported", "not supported", "mime", "invalid image", "image format"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
