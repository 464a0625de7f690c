package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/agentchat/internal/services"
)

const directSessionJSON = `{
	"id": "abc123",
	"appName": "deep_research",
	"userId": "alice",
	"lastUpdateTime": 1700000002.5,
	"state": {
		"sources": {
			"src-1": {"id": "src-1", "url": "https://a.example", "title": "A", "domain": "a.example", "supportedClaims": ["claim"]},
			"src-2": {"id": "src-2", "url": "https://b.example", "title": "B"},
			"src-3": "not an object"
		},
		"url_to_short_id": {"https://a.example": "src-1", "https://bad.example": 7}
	},
	"events": [
		{"id": "e2", "author": "writer", "invocationId": "inv-1", "timestamp": 1700000002, "content": {"role": "model", "parts": [{"text": "answer"}]}, "turnComplete": true},
		{"id": "e1", "author": "user", "invocationId": "inv-1", "timestamp": 1700000001, "content": "{\"role\":\"user\",\"parts\":[{\"text\":\"question\"}]}"},
		{"id": "e3", "author": "writer", "timestamp": 1700000002, "errorCode": 500, "errorMessage": "tool failed"}
	]
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDirectGatewayCreateSession(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"id":"abc123","appName":"deep_research","userId":"alice","state":{"mode":"fast"},"events":[],"lastUpdateTime":1700000000.25}`)
	}))
	defer srv.Close()

	gw := services.NewDirectGateway(srv.URL+"/", "deep_research", srv.Client(), discardLogger())
	s, err := gw.CreateSession(context.Background(), "alice", map[string]any{"mode": "fast"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if gotPath != "/apps/deep_research/users/alice/sessions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["mode"] != "fast" {
		t.Errorf("body = %v, want the initial state", gotBody)
	}
	if s.ID != "abc123" || s.AppName != "deep_research" || s.UserID != "alice" || s.LastUpdateTime != 1700000000.25 {
		t.Errorf("session = %+v", s)
	}
	if s.State["mode"] != "fast" {
		t.Errorf("state = %v", s.State)
	}
}

func TestDirectGatewayGetSession(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantNil   bool
		wantErr   bool
		wantInErr []string
	}{
		{name: "found", status: http.StatusOK, body: directSessionJSON},
		{name: "not found", status: http.StatusNotFound, body: `{"detail":"Session not found"}`, wantNil: true},
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			body:      "database is locked",
			wantErr:   true,
			wantInErr: []string{"500", "Internal Server Error", "database is locked"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/apps/deep_research/users/alice/sessions/abc123" {
					t.Errorf("path = %q", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			gw := services.NewDirectGateway(srv.URL, "deep_research", nil, discardLogger())
			s, err := gw.GetSession(context.Background(), "alice", "abc123")
			if tt.wantErr {
				if err == nil {
					t.Fatal("GetSession() should fail")
				}
				var pe *services.ProtocolError
				if !errors.As(err, &pe) {
					t.Errorf("error = %T, want *ProtocolError", err)
				}
				for _, want := range tt.wantInErr {
					if !strings.Contains(err.Error(), want) {
						t.Errorf("error %q should contain %q", err.Error(), want)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if tt.wantNil {
				if s != nil {
					t.Errorf("GetSession() = %+v, want nil", s)
				}
				return
			}
			if s == nil || s.ID != "abc123" || len(s.Events) != 3 {
				t.Fatalf("GetSession() = %+v", s)
			}
			if s.Events[0].InvocationID != "inv-1" || !s.Events[0].TurnComplete {
				t.Errorf("event fields not decoded: %+v", s.Events[0])
			}
			if s.Events[2].ErrorCode != "500" || s.Events[2].ErrorMessage != "tool failed" {
				t.Errorf("error fields not decoded: %+v", s.Events[2])
			}
		})
	}
}

func TestDirectGatewaySessionWithEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, directSessionJSON)
	}))
	defer srv.Close()

	gw := services.NewDirectGateway(srv.URL, "deep_research", nil, discardLogger())
	sw, err := gw.SessionWithEvents(context.Background(), "alice", "abc123")
	if err != nil {
		t.Fatalf("SessionWithEvents() error = %v", err)
	}

	wantOrder := []string{"e1", "e2", "e3"}
	for i, ev := range sw.Session.Events {
		if ev.ID != wantOrder[i] {
			t.Errorf("events[%d] = %q, want %q", i, ev.ID, wantOrder[i])
		}
	}
	if got := sw.Session.Events[0].Content.Text(); got != "question" {
		t.Errorf("encoded content text = %q, want question", got)
	}

	if len(sw.Sources) != 1 {
		t.Fatalf("Sources = %+v, want only the valid source", sw.Sources)
	}
	if src := sw.Sources["src-1"]; src.URL != "https://a.example" || len(src.SupportedClaims) != 1 {
		t.Errorf("source = %+v", src)
	}
	if len(sw.URLToShortID) != 1 || sw.URLToShortID["https://a.example"] != "src-1" {
		t.Errorf("URLToShortID = %v", sw.URLToShortID)
	}
}

func TestDirectGatewaySessionWithEventsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	gw := services.NewDirectGateway(srv.URL, "deep_research", nil, discardLogger())
	_, err := gw.SessionWithEvents(context.Background(), "alice", "abc123")
	if !errors.Is(err, services.ErrSessionNotFound) {
		t.Errorf("SessionWithEvents() error = %v, want ErrSessionNotFound", err)
	}
}

func TestDirectGatewayListAndDelete(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = io.WriteString(w, `[{"id":"s1","appName":"deep_research","userId":"alice","lastUpdateTime":1},{"id":"s2","appName":"deep_research","userId":"alice","lastUpdateTime":2}]`)
		case http.MethodDelete:
			deleted = r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	gw := services.NewDirectGateway(srv.URL, "deep_research", nil, discardLogger())
	sessions, err := gw.ListSessions(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 || sessions[1].ID != "s2" || sessions[1].State == nil {
		t.Errorf("ListSessions() = %+v", sessions)
	}

	if err := gw.DeleteSession(context.Background(), "alice", "s1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if deleted != "/apps/deep_research/users/alice/sessions/s1" {
		t.Errorf("deleted path = %q", deleted)
	}
}

func TestDirectGatewayHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/list-apps" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `["deep_research"]`)
	}))
	defer srv.Close()

	gw := services.NewDirectGateway(srv.URL, "deep_research", nil, discardLogger())
	if err := gw.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestDirectGatewayNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	gw := services.NewDirectGateway(srv.URL, "deep_research", nil, discardLogger())
	_, err := gw.GetSession(context.Background(), "alice", "abc123")
	if err == nil {
		t.Fatal("GetSession() should fail when the runtime is unreachable")
	}
	var pe *services.ProtocolError
	if errors.As(err, &pe) {
		t.Error("transport errors should not be reported as protocol errors")
	}
}
