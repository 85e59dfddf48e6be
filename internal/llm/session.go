package llm

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"crashgenius/internal/evidence"
	"crashgenius/internal/report"
)

var ErrEmptyMessage = errors.New("chat message is empty")

// turnFunc streams the model's answer to the final user message of transcript.
type turnFunc func(ctx context.Context, transcript []ChatMessage, emit func(string) error) error

// session holds the transcript shared by every provider. Turns are serialised; the
// transcript only grows when a reply finishes successfully.
type session struct {
	send turnFunc

	turn    sync.Mutex
	mu      sync.RWMutex
	history []ChatMessage
}

func newSession(rep report.Report, ev []evidence.Evidence, send turnFunc) *session {
	return &session{send: send, history: seedHistory(rep, ev)}
}

// seedHistory primes the conversation with the evidence and the generated report.
func seedHistory(rep report.Report, ev []evidence.Evidence) []ChatMessage {
	var history []ChatMessage
	if len(ev) > 0 {
		history = append(history,
			ChatMessage{Role: RoleUser, Text: evidenceTurn},
			ChatMessage{Role: RoleModel, Text: evidenceAck},
		)
	}
	return append(history,
		ChatMessage{Role: RoleUser, Text: reportTurn(rep)},
		ChatMessage{Role: RoleModel, Text: reportAck(rep)},
	)
}

func (s *session) History() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

func (s *session) SendMessageStream(ctx context.Context, text string) (*Stream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if !s.turn.TryLock() {
		return nil, ErrSessionBusy
	}

	user := ChatMessage{Role: RoleUser, Text: text}
	s.mu.RLock()
	transcript := append(slices.Clone(s.history), user)
	s.mu.RUnlock()

	return startStream(ctx, func(ctx context.Context, emit func(string) error) error {
		defer s.turn.Unlock()
		var reply strings.Builder
		err := s.send(ctx, transcript, func(fragment string) error {
			reply.WriteString(fragment)
			return emit(fragment)
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.history = append(s.history, user, ChatMessage{Role: RoleModel, Text: reply.String()})
		s.mu.Unlock()
		return nil
	}), nil
}
