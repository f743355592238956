package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/taleweave/internal/logging"
	"github.com/ent0n29/taleweave/internal/reliability"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

const (
	remoteRequestTimeout = 15 * time.Second
	remoteGetRetries     = 2
	remoteRetryBase      = 200 * time.Millisecond
	remoteRetryCap       = 2 * time.Second
	streamBuffer         = 64
)

// RemoteBackend talks to an external generation backend: generation endpoints
// answer with a server-sent event stream, everything else is plain JSON.
type RemoteBackend struct {
	baseURL string
	token   string
	stream  *http.Client
	client  *http.Client
	log     *zap.Logger
}

type RemoteConfig struct {
	BaseURL string
	Token   string
	Logger  *zap.Logger
}

func NewRemoteBackend(cfg RemoteConfig) (*RemoteBackend, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("remote backend url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse remote backend url: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RemoteBackend{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		// Streams are bounded by the caller's context, not a client timeout.
		stream: &http.Client{},
		client: &http.Client{Timeout: remoteRequestTimeout},
		log:    log,
	}, nil
}

func (b *RemoteBackend) GenerateOpening(ctx context.Context, sessionID string) (<-chan Event, error) {
	return b.openStream(ctx, b.sessionPath(sessionID, "opening"), nil)
}

func (b *RemoteBackend) GenerateTurn(ctx context.Context, sessionID, text string, mode roleplay.InputMode) (<-chan Event, error) {
	return b.openStream(ctx, b.sessionPath(sessionID, "turns"), map[string]any{
		"text": text,
		"mode": mode,
	})
}

func (b *RemoteBackend) RegenerateTurn(ctx context.Context, sessionID string, targetSceneID int64) (<-chan Event, error) {
	path := b.sessionPath(sessionID, "turns", strconv.FormatInt(targetSceneID, 10), "regenerate")
	return b.openStream(ctx, path, nil)
}

func (b *RemoteBackend) AutoContinue(ctx context.Context, sessionID string, count int) (<-chan Event, error) {
	return b.openStream(ctx, b.sessionPath(sessionID, "auto-continue"), map[string]any{"count": count})
}

func (b *RemoteBackend) AutoPlayerDraft(ctx context.Context, sessionID string) (<-chan Event, error) {
	return b.openStream(ctx, b.sessionPath(sessionID, "auto-player-draft"), nil)
}

func (b *RemoteBackend) ListTurns(ctx context.Context, sessionID string) ([]roleplay.Turn, error) {
	var out struct {
		Turns []roleplay.Turn `json:"turns"`
	}
	if err := b.getJSON(ctx, b.sessionPath(sessionID, "turns"), &out); err != nil {
		return nil, err
	}
	return out.Turns, nil
}

func (b *RemoteBackend) EditTurn(ctx context.Context, sessionID string, sceneID int64, content string) error {
	path := b.sessionPath(sessionID, "turns", strconv.FormatInt(sceneID, 10))
	return b.doJSON(ctx, http.MethodPatch, path, map[string]any{"content": content}, nil)
}

func (b *RemoteBackend) DeleteTurnsFrom(ctx context.Context, sessionID string, sequence int) error {
	path := b.sessionPath(sessionID, "turns") + "?from=" + strconv.Itoa(sequence)
	return b.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (b *RemoteBackend) ListCharacters(ctx context.Context, sessionID string) ([]roleplay.Character, error) {
	var out struct {
		Characters []roleplay.Character `json:"characters"`
	}
	if err := b.getJSON(ctx, b.sessionPath(sessionID, "characters"), &out); err != nil {
		return nil, err
	}
	return out.Characters, nil
}

func (b *RemoteBackend) AddCharacter(ctx context.Context, sessionID string, c roleplay.Character) (roleplay.Character, error) {
	var out roleplay.Character
	if err := b.doJSON(ctx, http.MethodPost, b.sessionPath(sessionID, "characters"), c, &out); err != nil {
		return roleplay.Character{}, err
	}
	return out, nil
}

func (b *RemoteBackend) RemoveCharacter(ctx context.Context, sessionID string, storyCharacterID int64) error {
	path := b.sessionPath(sessionID, "characters", strconv.FormatInt(storyCharacterID, 10))
	return b.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (b *RemoteBackend) sessionPath(sessionID string, parts ...string) string {
	segs := append([]string{"v1", "roleplays", url.PathEscape(sessionID)}, parts...)
	return "/" + strings.Join(segs, "/")
}

// openStream returns immediately; connection and status failures surface as a
// failed event so the caller handles every transport problem in one place.
func (b *RemoteBackend) openStream(ctx context.Context, path string, body any) (<-chan Event, error) {
	req, err := b.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	s := NewStream(streamBuffer)
	go func() {
		res, err := b.stream.Do(req)
		if err != nil {
			s.Finish(Failed(fmt.Sprintf("send request: %v", err)))
			return
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			b.log.Warn("generation stream rejected",
				zap.String("path", path),
				zap.Int("status", res.StatusCode),
				zap.String("body", logging.Redact(strings.TrimSpace(string(msg)))),
			)
			evt := Failed(fmt.Sprintf("backend status %d: %s", res.StatusCode, strings.TrimSpace(string(msg))))
			evt.Retryable = reliability.IsRetryableHTTPStatus(res.StatusCode)
			s.Finish(evt)
			return
		}
		s.Finish(consumeSSE(ctx, res.Body, s))
	}()
	return s.Events(), nil
}

// consumeSSE forwards decoded events until a terminal one arrives and returns
// the terminal event the stream must finish with.
func consumeSSE(ctx context.Context, body io.Reader, s *Stream) Event {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		name string
		data strings.Builder
	)
	dispatch := func() (Event, bool, error) {
		defer func() {
			name = ""
			data.Reset()
		}()
		if name == "" && data.Len() == 0 {
			return Event{}, false, nil
		}
		evt, err := decodeSSEEvent(name, data.String())
		if err != nil {
			return Event{}, false, err
		}
		return evt, true, nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			evt, ok, err := dispatch()
			if err != nil {
				return Failed(err.Error())
			}
			if !ok {
				continue
			}
			if evt.Kind.Terminal() {
				return evt
			}
			if err := s.Emit(ctx, evt); err != nil {
				return Failed(err.Error())
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if evt, ok, err := dispatch(); err == nil && ok && evt.Kind.Terminal() {
		return evt
	}
	if err := ctx.Err(); err != nil {
		return Failed(err.Error())
	}
	if err := scanner.Err(); err != nil {
		return Failed(fmt.Sprintf("stream read: %v", err))
	}
	return Failed("stream ended without a terminal event")
}

func decodeSSEEvent(name, data string) (Event, error) {
	unmarshal := func(v any) error {
		if strings.TrimSpace(data) == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return fmt.Errorf("decode %s event: %w", name, err)
		}
		return nil
	}

	switch name {
	case "start":
		var meta StartMeta
		if err := unmarshal(&meta); err != nil {
			return Event{}, err
		}
		return Started(meta), nil
	case "content", "":
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err == nil {
			return Chunk(payload.Text), nil
		}
		var text string
		if err := json.Unmarshal([]byte(data), &text); err == nil {
			return Chunk(text), nil
		}
		// Plain-text chunks are accepted as-is.
		return Chunk(data), nil
	case "complete":
		var r Result
		if err := unmarshal(&r); err != nil {
			return Event{}, err
		}
		return Completed(r), nil
	case "auto_turn_start":
		var payload struct {
			Index int `json:"index"`
		}
		if err := unmarshal(&payload); err != nil {
			return Event{}, err
		}
		return AutoTurnStarted(payload.Index), nil
	case "auto_turn_complete":
		var payload struct {
			Index     int   `json:"index"`
			SceneID   int64 `json:"scene_id"`
			VariantID int64 `json:"variant_id"`
		}
		if err := unmarshal(&payload); err != nil {
			return Event{}, err
		}
		return AutoTurnCompleted(payload.Index, payload.SceneID, payload.VariantID), nil
	case "error":
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.Message == "" {
			return Failed(strings.TrimSpace(data)), nil
		}
		return Failed(payload.Message), nil
	case "done":
		return Done(), nil
	default:
		return Event{}, fmt.Errorf("unknown stream event %q", name)
	}
}

func (b *RemoteBackend) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return req, nil
}

// getJSON retries idempotent reads on retryable statuses.
func (b *RemoteBackend) getJSON(ctx context.Context, path string, out any) error {
	var err error
	for attempt := 0; attempt <= remoteGetRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, remoteRetryBase, remoteRetryCap))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err = b.doJSON(ctx, http.MethodGet, path, nil, out)
		var se *StatusError
		if err == nil || !errors.As(err, &se) || !se.Retryable() {
			return err
		}
		b.log.Debug("retrying backend read", zap.String("path", path), zap.Int("attempt", attempt+1))
	}
	return err
}

func (b *RemoteBackend) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := b.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	res, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is a non-2xx answer from the remote backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Code) }

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}
