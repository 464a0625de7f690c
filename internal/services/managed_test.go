package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/agentchat/internal/services"
	"golang.org/x/oauth2"
)

const managedSessionJSON = `{"output": {
	"id": "abc123",
	"app_name": "deep_research",
	"user_id": "alice",
	"last_update_time": 1700000002,
	"state": {},
	"events": [
		{"id": "e2", "author": "writer", "invocation_id": "inv-1", "timestamp": 1700000002, "content": {"role": "model", "parts": [{"text": "answer"}]}, "turn_complete": true},
		{"id": "e1", "author": "user", "invocation_id": "inv-1", "timestamp": 1700000001, "content": {"role": "user", "parts": [{"text": "question"}]}}
	]
}}`

type managedCall struct {
	ClassMethod string         `json:"class_method"`
	Input       map[string]any `json:"input"`
}

func staticTokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret", TokenType: "Bearer"})
}

func newManagedServer(t *testing.T, handler func(w http.ResponseWriter, call managedCall)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if r.Method == http.MethodGet {
			handler(w, managedCall{})
			return
		}
		if r.URL.Path != "/v1/projects/p/locations/l/reasoningEngines/42:query" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var call managedCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("failed to decode envelope: %v", err)
		}
		handler(w, call)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func queryURL(srv *httptest.Server) string {
	return srv.URL + "/v1/projects/p/locations/l/reasoningEngines/42:query"
}

func TestManagedGatewayCreateSession(t *testing.T) {
	var got managedCall
	srv := newManagedServer(t, func(w http.ResponseWriter, call managedCall) {
		got = call
		_, _ = io.WriteString(w, `{"output": {"id": "abc123", "app_name": "deep_research", "user_id": "alice", "last_update_time": 1700000000}}`)
	})

	gw := services.NewManagedGateway(queryURL(srv), staticTokens(), nil, discardLogger())
	s, err := gw.CreateSession(context.Background(), "alice", map[string]any{"mode": "fast"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if got.ClassMethod != "create_session" {
		t.Errorf("class_method = %q, want create_session", got.ClassMethod)
	}
	if got.Input["user_id"] != "alice" {
		t.Errorf("input = %v", got.Input)
	}
	if state, _ := got.Input["state"].(map[string]any); state["mode"] != "fast" {
		t.Errorf("input state = %v", got.Input["state"])
	}
	if s.ID != "abc123" || s.AppName != "deep_research" || s.UserID != "alice" || s.LastUpdateTime != 1700000000 {
		t.Errorf("session = %+v", s)
	}
	if s.State == nil {
		t.Error("state should never be nil")
	}
}

func TestManagedGatewayGetSession(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantNil bool
		wantErr bool
	}{
		{name: "found", status: http.StatusOK, body: managedSessionJSON},
		{name: "status not found", status: http.StatusNotFound, body: `{"error": {"code": 404}}`, wantNil: true},
		{name: "error body not found", status: http.StatusBadRequest, body: `{"error": {"message": "Session abc123 Not Found."}}`, wantNil: true},
		{name: "null output", status: http.StatusOK, body: `{"output": null}`, wantNil: true},
		{name: "empty body", status: http.StatusOK, body: ``, wantNil: true},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error": {"message": "internal"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newManagedServer(t, func(w http.ResponseWriter, call managedCall) {
				if call.ClassMethod != "get_session" || call.Input["session_id"] != "abc123" || call.Input["user_id"] != "alice" {
					t.Errorf("call = %+v", call)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			gw := services.NewManagedGateway(queryURL(srv), staticTokens(), nil, discardLogger())
			s, err := gw.GetSession(context.Background(), "alice", "abc123")
			if tt.wantErr {
				var pe *services.ProtocolError
				if !errors.As(err, &pe) || pe.StatusCode != tt.status {
					t.Fatalf("GetSession() error = %v, want a protocol error with status %d", err, tt.status)
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
			if s == nil || len(s.Events) != 2 {
				t.Fatalf("GetSession() = %+v", s)
			}
			if s.Events[0].InvocationID != "inv-1" || !s.Events[0].TurnComplete {
				t.Errorf("snake_case fields not decoded: %+v", s.Events[0])
			}
		})
	}
}

func TestManagedGatewaySessionWithEvents(t *testing.T) {
	srv := newManagedServer(t, func(w http.ResponseWriter, _ managedCall) {
		_, _ = io.WriteString(w, managedSessionJSON)
	})

	gw := services.NewManagedGateway(queryURL(srv), staticTokens(), nil, discardLogger())
	sw, err := gw.SessionWithEvents(context.Background(), "alice", "abc123")
	if err != nil {
		t.Fatalf("SessionWithEvents() error = %v", err)
	}
	if sw.Session.Events[0].ID != "e1" || sw.Session.Events[1].ID != "e2" {
		t.Errorf("events not in timestamp order: %+v", sw.Session.Events)
	}
	if sw.Sources == nil || sw.URLToShortID == nil {
		t.Error("missing state entries should yield empty maps")
	}
}

func TestManagedGatewayListSessions(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "wrapped", body: `{"output": {"sessions": [{"id": "s1"}, {"id": "s2"}]}}`},
		{name: "bare list", body: `{"output": [{"id": "s1"}, {"id": "s2"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newManagedServer(t, func(w http.ResponseWriter, call managedCall) {
				if call.ClassMethod != "list_sessions" {
					t.Errorf("class_method = %q", call.ClassMethod)
				}
				_, _ = io.WriteString(w, tt.body)
			})

			gw := services.NewManagedGateway(queryURL(srv), staticTokens(), nil, discardLogger())
			sessions, err := gw.ListSessions(context.Background(), "alice")
			if err != nil {
				t.Fatalf("ListSessions() error = %v", err)
			}
			if len(sessions) != 2 || sessions[0].ID != "s1" || sessions[1].ID != "s2" {
				t.Errorf("ListSessions() = %+v", sessions)
			}
		})
	}
}

func TestManagedGatewayDeleteSession(t *testing.T) {
	var got managedCall
	srv := newManagedServer(t, func(w http.ResponseWriter, call managedCall) {
		got = call
		_, _ = io.WriteString(w, `{"output": null}`)
	})

	gw := services.NewManagedGateway(queryURL(srv), staticTokens(), nil, discardLogger())
	if err := gw.DeleteSession(context.Background(), "alice", "abc123"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if got.ClassMethod != "delete_session" || got.Input["session_id"] != "abc123" {
		t.Errorf("call = %+v", got)
	}
}

func TestManagedGatewayHealth(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"name": "projects/p/locations/l/reasoningEngines/42"}`)
	}))
	defer srv.Close()

	gw := services.NewManagedGateway(queryURL(srv), staticTokens(), nil, discardLogger())
	if err := gw.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if gotPath != "/v1/projects/p/locations/l/reasoningEngines/42" {
		t.Errorf("health path = %q, want the resource path", gotPath)
	}
}

type failingTokens struct{}

func (failingTokens) Token() (*oauth2.Token, error) {
	return nil, errBoom
}

var errBoom = errors.New("boom")

func TestManagedGatewayCredentialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request should be sent without a token")
	}))
	defer srv.Close()

	gw := services.NewManagedGateway(queryURL(srv), failingTokens{}, nil, discardLogger())
	_, err := gw.GetSession(context.Background(), "alice", "abc123")
	if !errors.Is(err, services.ErrAuth) {
		t.Errorf("GetSession() error = %v, want ErrAuth", err)
	}
}
