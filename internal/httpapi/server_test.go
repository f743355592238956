package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/taleweave/internal/backend"
	"github.com/ent0n29/taleweave/internal/config"
	"github.com/ent0n29/taleweave/internal/engine"
	"github.com/ent0n29/taleweave/internal/llm"
	"github.com/ent0n29/taleweave/internal/observability"
	"github.com/ent0n29/taleweave/internal/session"
	"github.com/ent0n29/taleweave/internal/store"
)

func newTestServer(t *testing.T, mockDelay time.Duration) *httptest.Server {
	t.Helper()
	local, err := backend.NewLocal(backend.LocalConfig{
		Store:   store.NewInMemoryStore(),
		Adapter: llm.NewMockAdapter(mockDelay),
	})
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	sessions := session.NewManager(time.Minute, func(id string) *engine.Orchestrator {
		return engine.New(id, local, engine.Options{Metrics: metrics})
	}, nil)
	srv := New(config.Config{BackendMode: "local"}, sessions, local, metrics, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		sessions.CloseAll(context.Background())
		ts.Close()
	})
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func createRoleplay(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	res := postJSON(t, ts.URL+"/v1/roleplays", map[string]any{
		"title":    "Harbor",
		"scenario": "A foggy port at dawn.",
		"characters": []map[string]any{
			{"name": "Rin", "is_player": true},
			{"name": "Alice", "role": "captain"},
		},
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if len(created.Snapshot.Characters) != 2 {
		t.Fatalf("snapshot characters = %d, want 2", len(created.Snapshot.Characters))
	}
	return created.SessionID
}

func getSnapshot(t *testing.T, ts *httptest.Server, id string) engine.Snapshot {
	t.Helper()
	res, err := http.Get(ts.URL + "/v1/roleplays/" + id)
	if err != nil {
		t.Fatalf("GET snapshot error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap engine.Snapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func waitIdle(t *testing.T, ts *httptest.Server, id string) engine.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := getSnapshot(t, ts, id)
		if snap.State == engine.StateIdle {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not return to idle", id)
	return engine.Snapshot{}
}

func TestCreateAndEndSession(t *testing.T) {
	ts := newTestServer(t, 0)
	id := createRoleplay(t, ts)

	endRes := postJSON(t, ts.URL+"/v1/roleplays/"+id+"/end", nil)
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	res, err := http.Get(ts.URL + "/v1/roleplays/" + id)
	if err != nil {
		t.Fatalf("GET after end error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status after end = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	// Persisted roleplays can be resumed by id.
	resumed := postJSON(t, ts.URL+"/v1/roleplays", map[string]any{"session_id": id})
	defer resumed.Body.Close()
	if resumed.StatusCode != http.StatusCreated {
		t.Fatalf("resume status = %d, want %d", resumed.StatusCode, http.StatusCreated)
	}
}

func TestSubmitTurnCommitsReply(t *testing.T) {
	ts := newTestServer(t, 0)
	id := createRoleplay(t, ts)

	res := postJSON(t, ts.URL+"/v1/roleplays/"+id+"/turns", map[string]any{"text": "I wave at the ship."})
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}

	snap := waitIdle(t, ts, id)
	if len(snap.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(snap.Turns))
	}
	if snap.Turns[0].SceneID == 0 {
		t.Fatalf("submitted turn was not reconciled: %+v", snap.Turns[0])
	}
	if snap.Turns[1].Speaker != "Alice" {
		t.Fatalf("reply speaker = %q, want Alice", snap.Turns[1].Speaker)
	}
}

func TestBusySessionRejectsSecondAction(t *testing.T) {
	ts := newTestServer(t, 50*time.Millisecond)
	id := createRoleplay(t, ts)

	first := postJSON(t, ts.URL+"/v1/roleplays/"+id+"/auto-continue", map[string]any{"count": 3})
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("auto-continue status = %d, want %d", first.StatusCode, http.StatusAccepted)
	}

	second := postJSON(t, ts.URL+"/v1/roleplays/"+id+"/turns", map[string]any{"text": "Wait!"})
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second submit status = %d, want %d", second.StatusCode, http.StatusConflict)
	}

	stop := postJSON(t, ts.URL+"/v1/roleplays/"+id+"/stop", nil)
	defer stop.Body.Close()
	if stop.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want %d", stop.StatusCode, http.StatusOK)
	}
	var snap engine.Snapshot
	if err := json.NewDecoder(stop.Body).Decode(&snap); err != nil {
		t.Fatalf("decode stop snapshot: %v", err)
	}
	if snap.State != engine.StateIdle {
		t.Fatalf("state after stop = %q, want idle", snap.State)
	}
}

func TestValidationAndNotFound(t *testing.T) {
	ts := newTestServer(t, 0)
	id := createRoleplay(t, ts)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty submit", http.MethodPost, "/v1/roleplays/" + id + "/turns", `{"text":"  "}`, http.StatusBadRequest},
		{"bad mode", http.MethodPost, "/v1/roleplays/" + id + "/turns", `{"text":"hi","mode":"shout"}`, http.StatusBadRequest},
		{"zero count", http.MethodPost, "/v1/roleplays/" + id + "/auto-continue", `{"count":0}`, http.StatusBadRequest},
		{"bad delete", http.MethodDelete, "/v1/roleplays/" + id + "/turns?from=x", "", http.StatusBadRequest},
		{"regenerate empty", http.MethodPost, "/v1/roleplays/" + id + "/regenerate", "", http.StatusConflict},
		{"unknown session", http.MethodPost, "/v1/roleplays/nope/stop", "", http.StatusNotFound},
		{"edit unknown turn", http.MethodPatch, "/v1/roleplays/" + id + "/turns/99", `{"content":"x"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, ts.URL+tc.path, strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: NewRequest() error = %v", tc.name, err)
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: request error = %v", tc.name, err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, res.StatusCode, tc.want)
		}
	}
}

func TestCharacterRoutes(t *testing.T) {
	ts := newTestServer(t, 0)
	id := createRoleplay(t, ts)

	res := postJSON(t, ts.URL+"/v1/roleplays/"+id+"/characters", map[string]any{"name": "Bob"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add character status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var added struct {
		StoryCharacterID int64 `json:"story_character_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&added); err != nil {
		t.Fatalf("decode character: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/roleplays/"+id+"/characters/"+jsonInt(added.StoryCharacterID), nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("remove character error = %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Fatalf("remove character status = %d, want %d", del.StatusCode, http.StatusOK)
	}

	snap := getSnapshot(t, ts, id)
	for _, c := range snap.Characters {
		if c.Name == "Bob" && c.IsActive {
			t.Fatalf("Bob still active after removal")
		}
	}
}

func TestCreateWithoutCreatorNeedsSessionID(t *testing.T) {
	sessions := session.NewManager(time.Minute, nil, nil)
	srv := New(config.Config{BackendMode: "remote"}, sessions, nil, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res := postJSON(t, ts.URL+"/v1/roleplays", map[string]any{"title": "x"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestPerfLatency(t *testing.T) {
	ts := newTestServer(t, 0)
	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["stages"]; !ok {
		t.Fatalf("missing stages in response: %+v", payload)
	}
}

func TestSessionWebSocketStreamsTurn(t *testing.T) {
	ts := newTestServer(t, 0)
	id := createRoleplay(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/roleplays/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if first["type"] != "state_snapshot" {
		t.Fatalf("first message type = %v, want state_snapshot", first["type"])
	}

	err = conn.WriteJSON(map[string]any{
		"type":       "client_action",
		"session_id": id,
		"action":     "submit",
		"text":       "I wave at the ship.",
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	sawDelta := false
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		switch msg["type"] {
		case "content_delta":
			sawDelta = true
		case "error_event":
			t.Fatalf("unexpected error event: %+v", msg)
		case "turn_committed":
			turn, _ := msg["turn"].(map[string]any)
			if turn["speaker"] != "Alice" {
				continue
			}
			if !sawDelta {
				t.Fatalf("turn committed before any content_delta")
			}
			return
		}
	}
}

func TestSessionWebSocketRejectsBadMessages(t *testing.T) {
	ts := newTestServer(t, 0)
	id := createRoleplay(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/roleplays/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var snapshot map[string]any
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg["type"] != "error_event" || msg["code"] != "invalid_client_message" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func jsonInt(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}
