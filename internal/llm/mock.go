package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockAdapter produces deterministic prose for local runs and tests. It
// streams word by word, optionally pausing between words.
type MockAdapter struct {
	delay time.Duration
}

func NewMockAdapter(delay time.Duration) *MockAdapter { return &MockAdapter{delay: delay} }

func (a *MockAdapter) StreamCompletion(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	text := buildMockReply(req)
	words := strings.SplitAfter(text, " ")

	var out strings.Builder
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return Response{Text: out.String()}, err
		}
		if a.delay > 0 && i > 0 {
			timer := time.NewTimer(a.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{Text: out.String()}, ctx.Err()
			case <-timer.C:
			}
		}
		out.WriteString(w)
		if onDelta != nil {
			if err := onDelta(w); err != nil {
				return Response{Text: out.String()}, err
			}
		}
	}
	return Response{Text: out.String()}, nil
}

func buildMockReply(req Request) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if c := strings.TrimSpace(req.Messages[i].Content); c != "" {
			last = c
			break
		}
	}
	if req.PlayerVoice {
		if last == "" {
			return "I take a slow breath and look around."
		}
		return fmt.Sprintf("I consider what just happened (%s) and step forward.", excerpt(last, 40))
	}

	speaker := strings.TrimSpace(req.Speaker)
	if speaker == "" {
		speaker = "The narrator"
	}
	if last == "" {
		return fmt.Sprintf("%s surveys the scene as the story begins.", speaker)
	}
	return fmt.Sprintf("%s listens carefully. \"%s\" still hangs in the air.", speaker, excerpt(last, 60))
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
