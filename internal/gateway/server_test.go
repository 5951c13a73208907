package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/config"
	"github.com/nextlevelbuilder/talon/internal/task"
)

type stubSubmitter struct {
	last *task.SubmitRequest
	err  error
}

func (s *stubSubmitter) Submit(req task.SubmitRequest) (*task.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.last = &req
	return &task.Record{ID: "task-1", Status: task.StatusQueued}, nil
}

func testServer(t *testing.T, token string, tasks TaskSubmitter) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(config.GatewayConfig{Token: token}, func() interface{} {
		return map[string]string{"status": "ok"}
	}, tasks)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/webhook/task", s.handleWebhookTask)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t, "", nil)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}

func TestWebhookTaskSubmission(t *testing.T) {
	sub := &stubSubmitter{}
	_, ts := testServer(t, "secret", sub)

	// Missing token is rejected.
	resp, err := http.Post(ts.URL+"/webhook/task", "application/json", strings.NewReader(`{"text":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no-token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhook/task", strings.NewReader(`{"text":"deploy the fix","repoId":"default"}`))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["taskId"] != "task-1" {
		t.Errorf("body = %v", body)
	}
	if sub.last == nil || sub.last.Source != task.SourceWebhook {
		t.Errorf("submission = %+v, want webhook source", sub.last)
	}
}

func TestEventBroadcastReachesWebSocketClients(t *testing.T) {
	s, ts := testServer(t, "", nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous with the HTTP handshake.
	deadline := time.Now().Add(time.Second)
	for {
		s.mu.RLock()
		n := len(s.clients)
		s.mu.RUnlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Broadcast(bus.Event{Name: "task_finished", Payload: map[string]string{"id": "task-9"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Name != "task_finished" {
		t.Errorf("event = %+v", ev)
	}
}
