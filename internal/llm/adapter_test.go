package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewAdapterAutoWithoutURLIsMock(t *testing.T) {
	a, err := NewAdapter(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if _, ok := a.(*MockAdapter); !ok {
		t.Fatalf("NewAdapter() = %T, want *MockAdapter", a)
	}
}

func TestNewAdapterRejectsUnknownMode(t *testing.T) {
	if _, err := NewAdapter(Config{Mode: "carrier-pigeon"}); err == nil {
		t.Fatalf("NewAdapter() expected error")
	}
	if _, err := NewAdapter(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewAdapter(http) expected error without url")
	}
}

func TestMockAdapterStreamsSpeakerProse(t *testing.T) {
	a := NewMockAdapter(0)
	var deltas []string
	resp, err := a.StreamCompletion(context.Background(), Request{
		Speaker:  "Alice",
		Messages: []Message{{Role: "user", Content: "Where is the key?"}},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if !strings.HasPrefix(resp.Text, "Alice ") {
		t.Fatalf("resp.Text = %q, want Alice prefix", resp.Text)
	}
	if len(deltas) < 2 || strings.Join(deltas, "") != resp.Text {
		t.Fatalf("deltas = %q", deltas)
	}
}

func TestMockAdapterPlayerVoice(t *testing.T) {
	resp, err := NewMockAdapter(0).StreamCompletion(context.Background(), Request{PlayerVoice: true}, nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if !strings.HasPrefix(resp.Text, "I ") {
		t.Fatalf("resp.Text = %q, want first person", resp.Text)
	}
}

func TestMockAdapterHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockAdapter(0).StreamCompletion(ctx, Request{Speaker: "Bob"}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestFallbackAdapterUsesFallback(t *testing.T) {
	a := NewFallbackAdapter(errAdapter{}, okAdapter{text: "fallback"})
	resp, err := a.StreamCompletion(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("StreamCompletion() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackAdapterSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(cancelAdapter{}, fb)
	_, err := a.StreamCompletion(context.Background(), Request{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackAdapterSkipsFallbackAfterPartialStream(t *testing.T) {
	fb := &countingAdapter{text: "fallback"}
	a := NewFallbackAdapter(partialAdapter{}, fb)
	_, err := a.StreamCompletion(context.Background(), Request{}, func(string) error { return nil })
	if err == nil {
		t.Fatalf("expected primary error to surface")
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

type errAdapter struct{}

func (errAdapter) StreamCompletion(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, errors.New("boom")
}

type okAdapter struct {
	text string
}

func (a okAdapter) StreamCompletion(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{Text: a.text}, nil
}

type cancelAdapter struct{}

func (cancelAdapter) StreamCompletion(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, context.Canceled
}

type partialAdapter struct{}

func (partialAdapter) StreamCompletion(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	_ = onDelta("half a sent")
	return Response{}, errors.New("connection reset")
}

type countingAdapter struct {
	text  string
	calls int
}

func (a *countingAdapter) StreamCompletion(context.Context, Request, DeltaHandler) (Response, error) {
	a.calls++
	return Response{Text: a.text}, nil
}
