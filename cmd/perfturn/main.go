package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/taleweave/internal/protocol"
	"github.com/ent0n29/taleweave/internal/roleplay"
)

type options struct {
	baseURL        string
	turns          int
	startDelay     time.Duration
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	Title      string               `json:"title"`
	Scenario   string               `json:"scenario"`
	Characters []roleplay.Character `json:"characters"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	State  string `json:"state,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// turnSample is the latency of one submitted turn.
type turnSample struct {
	firstChunk time.Duration
	idle       time.Duration
}

var defaultLines = []string{
	"I step onto the dock and look for the captain.",
	"I ask about the cargo nobody wants to talk about.",
	"I offer to pay double for passage tonight.",
	"I follow her below deck.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfturn: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var startDelayMS int
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "taleweave base URL")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.IntVar(&startDelayMS, "start-delay-ms", 200, "delay before the first turn in milliseconds")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for the session to return to idle per turn")
	flag.StringVar(&textsRaw, "texts", "", "player lines separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultLines...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("perfturn: session=%s turns=%d\n", sessionID, cfg.turns)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	events := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh, cfg.verbose)

	samples := make([]turnSample, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfturn: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		started := time.Now()
		if err := sendSubmit(conn, sessionID, text); err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		sample, err := awaitIdle(events, readErrCh, started, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		samples = append(samples, sample)
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Print(formatSummary(samples))
	return nil
}

func createSession(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		Title:    "perfturn replay",
		Scenario: "A quiet harbor town before a storm.",
		Characters: []roleplay.Character{
			{Name: "Traveler", IsPlayer: true},
			{Name: "Mara", Role: "ship captain"},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/roleplays", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/roleplays/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/roleplays/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) && verbose {
			fmt.Fprintf(os.Stderr, "perfturn: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		events <- env
	}
}

func sendSubmit(conn *websocket.Conn, sessionID, text string) error {
	return conn.WriteJSON(protocol.ClientAction{
		Type:      protocol.TypeClientAction,
		SessionID: sessionID,
		Action:    protocol.ActionSubmit,
		Text:      text,
		Mode:      roleplay.ModeCharacter,
	})
}

// awaitIdle waits for the cycle started at started to finish, recording when
// the first content delta arrived.
func awaitIdle(events <-chan wsEnvelope, readErrCh <-chan error, started time.Time, timeout time.Duration) (turnSample, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var sample turnSample
	busy := false
	for {
		select {
		case env := <-events:
			switch env.Type {
			case string(protocol.TypeContentDelta):
				if sample.firstChunk == 0 {
					sample.firstChunk = time.Since(started)
				}
			case string(protocol.TypeErrorEvent):
				if env.Code == "busy" {
					return sample, fmt.Errorf("session busy: %s", env.Detail)
				}
			case string(protocol.TypeStateChanged):
				if env.State != "idle" {
					busy = true
					continue
				}
				if busy {
					sample.idle = time.Since(started)
					return sample, nil
				}
			}
		case err := <-readErrCh:
			return sample, err
		case <-timer.C:
			return sample, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func formatSummary(samples []turnSample) string {
	if len(samples) == 0 {
		return "perfturn: no samples\n"
	}
	first := make([]time.Duration, 0, len(samples))
	idle := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s.firstChunk > 0 {
			first = append(first, s.firstChunk)
		}
		idle = append(idle, s.idle)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "perfturn: %d turns\n", len(samples))
	fmt.Fprintf(&b, "  first_chunk p50=%s p95=%s\n", percentile(first, 50), percentile(first, 95))
	fmt.Fprintf(&b, "  turn_total  p50=%s p95=%s\n", percentile(idle, 50), percentile(idle, 95))
	return b.String()
}

// percentile uses the nearest-rank method.
func percentile(values []time.Duration, p int) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
