package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crashgenius/internal/config"
	"crashgenius/internal/evidence"
	"crashgenius/internal/llm"
	"crashgenius/internal/observability"
	"crashgenius/internal/report"
	"crashgenius/internal/store"
)

var ErrNoInput = errors.New("no evidence or context provided")

// ProviderSelector picks the backend for one call. Empty fields fall back to the
// configured defaults.
type ProviderSelector struct {
	Kind    llm.ProviderKind
	ModelID string
	APIKey  string
}

// Factory builds a provider for a resolved selector. It must not touch the network.
type Factory func(sel ProviderSelector) (llm.Provider, error)

type ReportSaver interface {
	SaveReport(ctx context.Context, rec store.ReportRecord) (store.ReportRecord, error)
}

type Settings struct {
	DefaultProvider llm.ProviderKind
	Google          llm.Options
	Mistral         llm.Options
	// Models maps catalogue model ids to the provider that serves them.
	Models map[string]llm.ProviderKind
}

func SettingsFromConfig(cfg config.Config) Settings {
	s := Settings{
		DefaultProvider: llm.ProviderKind(cfg.LLM.DefaultProvider),
		Google: llm.Options{
			APIKey:  cfg.Google.APIKey,
			Model:   cfg.Google.Model,
			BaseURL: cfg.Google.BaseURL,
			Timeout: cfg.LLM.RequestTimeout,
		},
		Mistral: llm.Options{
			Model:   cfg.Mistral.Model,
			BaseURL: cfg.Mistral.BaseURL,
			Timeout: cfg.LLM.RequestTimeout,
		},
		Models: make(map[string]llm.ProviderKind, len(cfg.Models)),
	}
	for _, m := range cfg.Models {
		if kind, err := llm.ParseProviderKind(m.Provider); err == nil {
			s.Models[m.ID] = kind
		}
	}
	return s
}

type Service struct {
	settings Settings
	saver    ReportSaver
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu        sync.RWMutex
	factories map[llm.ProviderKind]Factory
}

// NewService registers the built-in providers. saver and metrics may be nil.
func NewService(settings Settings, saver ReportSaver, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.DefaultProvider == "" {
		settings.DefaultProvider = llm.ProviderGoogle
	}
	for _, opts := range []*llm.Options{&settings.Google, &settings.Mistral} {
		if opts.Logger == nil {
			opts.Logger = logger
		}
		if opts.Frames == nil && metrics != nil {
			opts.Frames = metrics
		}
	}
	s := &Service{
		settings:  settings,
		saver:     saver,
		metrics:   metrics,
		logger:    logger,
		factories: make(map[llm.ProviderKind]Factory),
	}
	s.Register(llm.ProviderGoogle, s.googleFactory)
	s.Register(llm.ProviderMistral, s.mistralFactory)
	s.Register(llm.ProviderNoop, func(ProviderSelector) (llm.Provider, error) { return llm.NewNoop(), nil })
	return s
}

// Register installs or replaces the factory for kind.
func (s *Service) Register(kind llm.ProviderKind, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[kind] = f
}

func (s *Service) googleFactory(sel ProviderSelector) (llm.Provider, error) {
	opts := s.settings.Google
	if sel.APIKey != "" {
		opts.APIKey = sel.APIKey
	}
	if sel.ModelID != "" {
		opts.Model = sel.ModelID
	}
	return llm.NewGoogle(opts)
}

// Mistral keys are never taken from server configuration.
func (s *Service) mistralFactory(sel ProviderSelector) (llm.Provider, error) {
	opts := s.settings.Mistral
	opts.APIKey = sel.APIKey
	if sel.ModelID != "" {
		opts.Model = sel.ModelID
	}
	return llm.NewMistral(opts)
}

func (s *Service) resolve(sel ProviderSelector) ProviderSelector {
	if sel.Kind == "" && sel.ModelID != "" {
		if kind, ok := s.settings.Models[sel.ModelID]; ok {
			sel.Kind = kind
		}
	}
	if sel.Kind == "" {
		sel.Kind = s.settings.DefaultProvider
	}
	return sel
}

// Provider resolves sel to a constructed adapter.
func (s *Service) Provider(sel ProviderSelector) (llm.Provider, error) {
	sel = s.resolve(sel)
	s.mu.RLock()
	factory, ok := s.factories[sel.Kind]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", sel.Kind)
	}
	return factory(sel)
}

// AnalyzeInput is one report generation request.
type AnalyzeInput struct {
	Evidence []evidence.Evidence
	FreeText string
	Language llm.Language
	Selector ProviderSelector
}

// Outcome carries the report and, when a store is configured, its persisted record.
type Outcome struct {
	Report   report.Report
	Provider string
	Model    string
	Record   *store.ReportRecord
}

func (s *Service) GenerateCrashReport(ctx context.Context, ev []evidence.Evidence, freeText string, lang llm.Language, sel ProviderSelector) (report.Report, error) {
	out, err := s.Analyze(ctx, AnalyzeInput{Evidence: ev, FreeText: freeText, Language: lang, Selector: sel})
	if err != nil {
		return report.Report{}, err
	}
	return out.Report, nil
}

func (s *Service) Analyze(ctx context.Context, in AnalyzeInput) (Outcome, error) {
	if len(in.Evidence) == 0 && strings.TrimSpace(in.FreeText) == "" {
		return Outcome{}, ErrNoInput
	}
	provider, err := s.Provider(in.Selector)
	if err != nil {
		s.logger.Info("provider unavailable", zap.String("provider", string(s.resolve(in.Selector).Kind)), zap.Error(err))
		return Outcome{}, err
	}

	req := llm.Request{
		Evidence:     in.Evidence,
		FreeText:     in.FreeText,
		Language:     in.Language,
		Instructions: BuildInstructions(in.Language, len(in.Evidence)),
	}
	start := time.Now()
	rep, err := provider.GenerateReport(ctx, req)
	elapsed := time.Since(start)
	s.metrics.ObserveReport(provider.Name(), elapsed, err)
	if err != nil {
		s.logger.Warn("report generation failed",
			zap.String("provider", provider.Name()),
			zap.String("model", provider.Model()),
			zap.String("kind", string(llm.KindOf(err))),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return Outcome{}, err
	}
	s.logger.Info("report generated",
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()),
		zap.Int("evidence", len(in.Evidence)),
		zap.Int("damage_points", len(rep.DamagePoints)),
		zap.Duration("elapsed", elapsed))

	out := Outcome{Report: rep, Provider: provider.Name(), Model: provider.Model()}
	if s.saver != nil {
		rec, err := s.saver.SaveReport(ctx, store.ReportRecord{
			Provider:      provider.Name(),
			Model:         provider.Model(),
			Language:      string(in.Language),
			Report:        rep,
			EvidenceCount: len(in.Evidence),
		})
		if err != nil {
			s.logger.Error("report persistence failed", zap.Error(err))
		} else {
			out.Record = &rec
		}
	}
	return out, nil
}

// Session is a chat session tagged with the provider serving it.
type Session struct {
	llm.ChatSession
	Provider string
	Model    string
}

func (s *Service) CreateChatSession(ctx context.Context, rep report.Report, ev []evidence.Evidence, lang llm.Language, sel ProviderSelector) (*Session, error) {
	provider, err := s.Provider(sel)
	if err != nil {
		return nil, err
	}
	chat, err := provider.CreateChatSession(ctx, report.Sanitize(rep), ev, lang)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("chat session created", zap.String("provider", provider.Name()), zap.Int("evidence", len(ev)))
	return &Session{ChatSession: chat, Provider: provider.Name(), Model: provider.Model()}, nil
}

// ObserveChatTurn records the outcome of a drained chat stream.
func (s *Service) ObserveChatTurn(provider string, err error) {
	s.metrics.ObserveChatTurn(provider, err)
}
