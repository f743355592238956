package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPAdapterConsumeSSE(t *testing.T) {
	a := NewHTTPAdapterWithOptions("http://example.test", false)
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\"}",
		"",
		"data: [DONE]",
		"",
		"data: {\"delta\":\"ignored\"}",
	}, "\n"))

	var deltas []string
	resp, err := a.consumeSSE(stream, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hello")
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %q, want %q", strings.Join(deltas, ""), "Hello")
	}
}

func TestHTTPAdapterConsumeSSEOpenAIChoices(t *testing.T) {
	a := NewHTTPAdapter("http://example.test")
	stream := strings.NewReader(`data: {"choices":[{"delta":{"content":"Alice "}}]}` + "\n\n" +
		`data: {"choices":[{"delta":{"content":"nods."}}]}` + "\n\n")

	resp, err := a.consumeSSE(stream, nil)
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if resp.Text != "Alice nods." {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Alice nods.")
	}
}

func TestHTTPAdapterConsumeSSEStrictInvalidJSON(t *testing.T) {
	a := NewHTTPAdapterWithOptions("http://example.test", true)
	stream := strings.NewReader("data: {not-json}\n\n")
	if _, err := a.consumeSSE(stream, nil); err == nil {
		t.Fatalf("consumeSSE() expected error for invalid strict payload")
	}
}

func TestHTTPAdapterConsumeNDJSON(t *testing.T) {
	a := NewHTTPAdapterWithOptions("http://example.test", false)
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		" there",
		"[DONE]",
	}, "\n"))

	resp, err := a.consumeNDJSON(stream, nil)
	if err != nil {
		t.Fatalf("consumeNDJSON() error = %v", err)
	}
	if resp.Text != "Hi there" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hi there")
	}
}

func TestHTTPAdapterConsumeNDJSONStrictInvalidJSON(t *testing.T) {
	a := NewHTTPAdapterWithOptions("http://example.test", true)
	if _, err := a.consumeNDJSON(strings.NewReader("not-json\n"), nil); err == nil {
		t.Fatalf("consumeNDJSON() expected error for strict invalid payload")
	}
}

func TestHTTPAdapterDeltaErrorStopsStream(t *testing.T) {
	a := NewHTTPAdapter("http://example.test")
	stop := errors.New("stop")
	_, err := a.consumeNDJSON(strings.NewReader("{\"text\":\"a\"}\n{\"text\":\"b\"}\n"), func(string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("consumeNDJSON() error = %v, want stop", err)
	}
}

func TestHTTPAdapterStreamCompletionOverHTTP(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\":\"Bob \"}\n\ndata: {\"text\":\"grins.\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	a, err := NewAdapter(Config{Mode: "http", HTTPURL: srv.URL, HTTPToken: "k"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	resp, err := a.StreamCompletion(context.Background(), Request{Speaker: "Bob", Messages: []Message{{Role: "user", Content: "Hi"}}}, nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if resp.Text != "Bob grins." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if got.Speaker != "Bob" || len(got.Messages) != 1 {
		t.Fatalf("request = %+v", got)
	}
}

func TestHTTPAdapterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPAdapter(srv.URL).StreamCompletion(context.Background(), Request{}, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		t.Fatalf("StreamCompletion() error = %v, want 429 StatusError", err)
	}
}
