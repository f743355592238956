package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/taleweave/internal/reliability"
)

const streamDoneSentinel = "[DONE]"

// HTTPAdapter posts requests to a completion endpoint that answers with JSON,
// server-sent events or newline-delimited JSON.
type HTTPAdapter struct {
	url    string
	token  string
	strict bool
	client *http.Client
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return NewHTTPAdapterWithOptions(url, false)
}

// NewHTTPAdapterWithOptions builds an adapter; strict rejects stream payloads
// that are not valid JSON instead of treating them as raw text.
func NewHTTPAdapterWithOptions(url string, strict bool) *HTTPAdapter {
	return &HTTPAdapter{
		url:    strings.TrimSpace(url),
		strict: strict,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (a *HTTPAdapter) StreamCompletion(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return a.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return a.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	text := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &obj); err == nil {
		text = extractText(obj)
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

// consumeSSE reads "data:" lines; comments and event names are ignored.
func (a *HTTPAdapter) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	var out strings.Builder
	err := scanLines(body, func(line string) (bool, error) {
		if !strings.HasPrefix(line, "data:") {
			return false, nil
		}
		return a.handlePayload(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "), &out, onDelta)
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Text: out.String()}, nil
}

func (a *HTTPAdapter) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	var out strings.Builder
	err := scanLines(body, func(line string) (bool, error) {
		return a.handlePayload(line, &out, onDelta)
	})
	if err != nil {
		return Response{}, err
	}
	return Response{Text: out.String()}, nil
}

func (a *HTTPAdapter) handlePayload(payload string, out *strings.Builder, onDelta DeltaHandler) (bool, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return false, nil
	}
	if trimmed == streamDoneSentinel {
		return true, nil
	}

	delta := payload
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		delta = extractText(obj)
	} else if a.strict {
		return false, fmt.Errorf("invalid stream payload %q: %w", truncate(trimmed, 80), err)
	}
	if delta == "" {
		return false, nil
	}
	out.WriteString(delta)
	if onDelta != nil {
		if err := onDelta(delta); err != nil {
			return false, err
		}
	}
	return false, nil
}

// scanLines feeds non-comment lines to fn until it reports done.
func scanLines(body io.Reader, fn func(line string) (bool, error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
			continue
		}
		done, err := fn(line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "content", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	// OpenAI-style {"choices":[{"delta":{"content":"..."}}]}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if first, ok := choices[0].(map[string]any); ok {
			for _, k := range []string{"delta", "message"} {
				if inner, ok := first[k].(map[string]any); ok {
					if s, ok := inner["content"].(string); ok {
						return s
					}
				}
			}
			if s, ok := first["text"].(string); ok {
				return s
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// StatusError is a non-2xx answer from the completion endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Code) }
