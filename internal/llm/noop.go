package llm

import (
	"context"
	"fmt"
	"strings"

	"crashgenius/internal/evidence"
	"crashgenius/internal/report"
)

// Noop is an offline provider with deterministic output, used in dev mode and tests.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Name() string  { return string(ProviderNoop) }
func (n *Noop) Model() string { return "noop" }

var noopParts = []struct {
	keyword string
	part    string
}{
	{"bumper", "Bumper"},
	{"hood", "Hood"},
	{"door", "Door"},
	{"fender", "Fender"},
	{"windshield", "Windshield"},
	{"headlight", "Headlight"},
	{"trunk", "Trunk"},
	{"wheel", "Wheel"},
}

func (n *Noop) GenerateReport(_ context.Context, req Request) (report.Report, error) {
	lower := strings.ToLower(req.FreeText)
	severity := report.SeverityMedium
	damageType := "Dent"
	action := "Repair"
	for _, word := range []string{"cracked", "smashed", "shattered", "broken"} {
		if strings.Contains(lower, word) {
			severity = report.SeverityHigh
			damageType = "Crack"
			action = "Replace"
			break
		}
	}
	if strings.Contains(lower, "airbag") || strings.Contains(lower, "suspension") {
		severity = report.SeverityCritical
	}

	var points []any
	for _, candidate := range noopParts {
		if !strings.Contains(lower, candidate.keyword) {
			continue
		}
		points = append(points, map[string]any{
			"partName":          candidate.part,
			"damageType":        damageType,
			"severity":          string(severity),
			"description":       truncate(req.FreeText, 160),
			"recommendedAction": action,
		})
	}

	title := "Offline analysis"
	if len(req.Evidence) > 0 {
		title += ": " + req.Evidence[0].Name
	}
	summary := fmt.Sprintf("Offline analysis of %d evidence item(s) without a model.", len(req.Evidence))
	if req.FreeText != "" {
		summary += " Context: " + truncate(req.FreeText, 240)
	}
	return report.Sanitize(map[string]any{
		"title":                    title,
		"summary":                  summary,
		"vehiclesInvolved":         []any{},
		"estimatedRepairCostRange": "Unknown",
		"damagePoints":             points,
	}), nil
}

func (n *Noop) CreateChatSession(_ context.Context, rep report.Report, ev []evidence.Evidence, _ Language) (ChatSession, error) {
	send := func(ctx context.Context, transcript []ChatMessage, emit func(string) error) error {
		question := transcript[len(transcript)-1].Text
		reply := fmt.Sprintf("Offline assistant: the case file %q lists %d damage point(s). You asked: %s",
			rep.Title, len(rep.DamagePoints), question)
		for _, word := range strings.SplitAfter(reply, " ") {
			if err := emit(word); err != nil {
				return err
			}
		}
		return nil
	}
	return newSession(rep, ev, send), nil
}
