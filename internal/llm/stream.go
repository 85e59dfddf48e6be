package llm

import (
	"context"
	"strings"
	"sync"
)

// Stream is a pull iterator over reply fragments, in the order the provider sent them.
//
//	for s.Next() {
//		fmt.Print(s.Text())
//	}
//	if err := s.Err(); err != nil { ... }
//
// Completed distinguishes a graceful end from an interrupted one. Callers that stop
// early must call Close so the producer and its HTTP response are released.
type Stream struct {
	fragments chan string
	cancel    context.CancelFunc
	current   string

	mu        sync.Mutex
	err       error
	completed bool
}

type produceFunc func(ctx context.Context, emit func(string) error) error

func startStream(ctx context.Context, produce produceFunc) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{fragments: make(chan string, 1), cancel: cancel}
	go func() {
		err := produce(ctx, func(text string) error {
			if text == "" {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case s.fragments <- text:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		s.mu.Lock()
		s.err = err
		s.completed = err == nil
		s.mu.Unlock()
		close(s.fragments)
		cancel()
	}()
	return s
}

// Next blocks until the next fragment is available. It returns false once the stream has ended.
func (s *Stream) Next() bool {
	text, ok := <-s.fragments
	if !ok {
		return false
	}
	s.current = text
	return true
}

func (s *Stream) Text() string { return s.current }

// Err returns the terminal error once Next has returned false.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Completed reports whether the provider signalled a graceful end of the reply.
func (s *Stream) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Close cancels the in-flight request and waits for the producer to exit.
func (s *Stream) Close() {
	s.cancel()
	for range s.fragments {
	}
}

// Collect drains the stream and returns the concatenated reply.
func Collect(s *Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Text())
	}
	return b.String(), s.Err()
}
