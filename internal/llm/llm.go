package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"crashgenius/internal/evidence"
	"crashgenius/internal/report"
)

type Language string

const (
	LanguageEnglish Language = "en"
	LanguageRussian Language = "ru"
)

// ParseLanguage maps anything other than "ru" to English.
func ParseLanguage(s string) Language {
	if strings.EqualFold(strings.TrimSpace(s), string(LanguageRussian)) {
		return LanguageRussian
	}
	return LanguageEnglish
}

// Name is the language name used inside prompts.
func (l Language) Name() string {
	if l == LanguageRussian {
		return "Russian"
	}
	return "English"
}

type ProviderKind string

const (
	ProviderGoogle  ProviderKind = "google"
	ProviderMistral ProviderKind = "mistral"
	ProviderNoop    ProviderKind = "noop"
)

func ParseProviderKind(s string) (ProviderKind, error) {
	switch kind := ProviderKind(strings.ToLower(strings.TrimSpace(s))); kind {
	case ProviderGoogle, ProviderMistral, ProviderNoop:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Request is one report generation. The first evidence item is the reference image for bounding boxes.
type Request struct {
	Evidence     []evidence.Evidence
	FreeText     string
	Language     Language
	Instructions string
}

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type ChatMessage struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ChatSession is a multi-turn conversation bound to one report, evidence set and language.
type ChatSession interface {
	SendMessageStream(ctx context.Context, text string) (*Stream, error)
	History() []ChatMessage
}

type Provider interface {
	GenerateReport(ctx context.Context, req Request) (report.Report, error)
	CreateChatSession(ctx context.Context, rep report.Report, ev []evidence.Evidence, lang Language) (ChatSession, error)
	Name() string
	Model() string
}

// FrameCounter receives malformed stream frames that were skipped.
type FrameCounter interface {
	StreamFrameDropped(provider string)
}

// Options configures an HTTP-backed adapter. The client is owned by the caller.
type Options struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
	Frames     FrameCounter
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: o.Timeout}
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

func (o Options) frameDropped(provider string) {
	if o.Frames != nil {
		o.Frames.StreamFrameDropped(provider)
	}
}
