// Package llm streams prose from a language model endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one transcript entry of a completion request.
type Message struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Request is the normalized completion request.
type Request struct {
	SessionID string    `json:"session_id"`
	Speaker   string    `json:"speaker"`
	System    string    `json:"system"`
	Messages  []Message `json:"messages"`

	// PlayerVoice asks for text written as the player character.
	PlayerVoice bool `json:"player_voice,omitempty"`
}

// Response is the final response after streaming deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

type Adapter interface {
	StreamCompletion(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls adapter construction.
type Config struct {
	Mode           string
	HTTPURL        string
	HTTPToken      string
	HTTPTimeout    time.Duration
	StreamStrict   bool
	FallbackToMock bool
	MockDelay      time.Duration
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return NewMockAdapter(cfg.MockDelay), nil
		}
		return withFallback(cfg, newHTTPAdapter(cfg)), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("llm HTTP url is required for http mode")
		}
		return withFallback(cfg, newHTTPAdapter(cfg)), nil
	case "mock":
		return NewMockAdapter(cfg.MockDelay), nil
	default:
		return nil, fmt.Errorf("unsupported llm adapter mode %q", cfg.Mode)
	}
}

func newHTTPAdapter(cfg Config) *HTTPAdapter {
	a := NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.StreamStrict)
	a.token = strings.TrimSpace(cfg.HTTPToken)
	if cfg.HTTPTimeout > 0 {
		a.client.Timeout = cfg.HTTPTimeout
	}
	return a
}

func withFallback(cfg Config, primary Adapter) Adapter {
	if !cfg.FallbackToMock {
		return primary
	}
	return NewFallbackAdapter(primary, NewMockAdapter(cfg.MockDelay))
}
