package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/coordinator"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/store"
	"github.com/itsmeterrylin/WorkoutVoiceTracker/internal/workout"
)

var quiet = log.New(io.Discard, "", 0)

func newCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dash.db"), store.WithLogger(quiet))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	cfg := coordinator.DefaultConfig(workout.OriginPrimary)
	cfg.SweepInterval = 0
	cfg.Logger = quiet
	c, err := coordinator.New(coordinator.Deps{Store: s}, cfg)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start coordinator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
		s.Close()
	})
	return c
}

func TestAPIRecordLifecycle(t *testing.T) {
	c := newCoordinator(t)
	server := NewServer(c, &Config{Logger: quiet})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	body := `{"occurred_at":"2025-02-08T15:30:00Z","duration_seconds":1800}`
	resp, err := http.Post(ts.URL+"/api/records", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var created workout.Record
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	resp.Body.Close()
	if created.ID == "" || created.Origin != workout.OriginPrimary || created.Revision != 1 {
		t.Errorf("Unexpected record %+v", created)
	}

	resp, err = http.Get(ts.URL + "/api/records")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var list []workout.Record
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode list: %v", err)
	}
	resp.Body.Close()
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("Expected the created record, got %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/records/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/records/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown id, got %d", resp.StatusCode)
	}
}

func TestAPIErrors(t *testing.T) {
	c := newCoordinator(t)
	ts := httptest.NewServer(NewServer(c, &Config{Logger: quiet}).Handler())
	defer ts.Close()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/records", `{`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/records", `{"title":"x"}`, http.StatusBadRequest},
		{"missing occurred_at", http.MethodPost, "/api/records", `{"duration_seconds":5}`, http.StatusBadRequest},
		{"negative duration", http.MethodPost, "/api/records", `{"occurred_at":"2025-02-08T15:30:00Z","duration_seconds":-1}`, http.StatusBadRequest},
		{"sync without remote", http.MethodPost, "/api/sync", ``, http.StatusConflict},
		{"status", http.MethodGet, "/api/status", ``, http.StatusOK},
		{"health", http.MethodGet, "/health", ``, http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", ``, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, bytes.NewBufferString(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestWebSocketReceivesRecordUpdates(t *testing.T) {
	c := newCoordinator(t)
	server := NewServer(c, &Config{Addr: "127.0.0.1:0", Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Stop()

	handler := NewHandler(server, quiet)
	if err := handler.Prime(context.Background()); err != nil {
		t.Fatalf("Prime failed: %v", err)
	}
	sub := c.OnDataChanged(handler.OnDataChanged)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg := readMessage(ctx, t, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected initial stats message, got %s", msg.Type)
	}

	rec, err := c.SubmitRecord(ctx, workout.Input{OccurredAt: time.Now(), DurationSeconds: 60})
	if err != nil {
		t.Fatalf("SubmitRecord failed: %v", err)
	}

	for {
		msg := readMessage(ctx, t, conn)
		if msg.Type != MessageTypeRecordUpdate {
			continue
		}
		var data RecordUpdateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("Failed to decode update: %v", err)
		}
		if data.ID != rec.ID || data.Action != "created" {
			t.Errorf("Unexpected update %+v", data)
		}
		return
	}
}

func readMessage(ctx context.Context, t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestHandlerDiff(t *testing.T) {
	h := NewHandler(NewServer(nil, &Config{Logger: quiet}), quiet)
	a := workout.Record{ID: "a", Revision: 1, Origin: workout.OriginPrimary}
	b := workout.Record{ID: "b", Revision: 1, Origin: workout.OriginCompanion}

	got := h.diffLocked([]workout.Record{a, b})
	if len(got) != 2 {
		t.Fatalf("Expected 2 creations, got %+v", got)
	}

	a.Revision = 2
	got = h.diffLocked([]workout.Record{a})
	actions := map[string]string{}
	for _, u := range got {
		actions[u.ID] = u.Action
	}
	if actions["a"] != "updated" || actions["b"] != "deleted" || len(actions) != 2 {
		t.Errorf("Unexpected diff %v", actions)
	}

	if got := h.diffLocked([]workout.Record{a}); len(got) != 0 {
		t.Errorf("Expected no changes, got %+v", got)
	}
}
