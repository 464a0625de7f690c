package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/agentchat/internal/models"
	"golang.org/x/oauth2"
)

// ManagedGateway implements the session gateway against the hosted runtime. Every operation is a POST of
// {"class_method", "input"} to one query endpoint, authorized with a bearer token, and every answer is
// wrapped as {"output": ...} with snake_case fields.
type ManagedGateway struct {
	queryURL string
	tokens   oauth2.TokenSource

	client *http.Client

	logger *slog.Logger
}

type managedRequest struct {
	ClassMethod string `json:"class_method"`
	Input       any    `json:"input"`
}

type managedResponse struct {
	Output json.RawMessage `json:"output"`
}

type managedSessionInput struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	State     map[string]any `json:"state,omitempty"`
}

type managedSession struct {
	ID             string         `json:"id"`
	AppName        string         `json:"app_name"`
	UserID         string         `json:"user_id"`
	State          map[string]any `json:"state"`
	Events         []managedEvent `json:"events"`
	LastUpdateTime float64        `json:"last_update_time"`
}

type managedEvent struct {
	ID           string          `json:"id"`
	Author       string          `json:"author"`
	InvocationID string          `json:"invocation_id"`
	Content      json.RawMessage `json:"content"`
	Timestamp    float64         `json:"timestamp"`
	TurnComplete bool            `json:"turn_complete"`
	Partial      bool            `json:"partial"`
	ErrorCode    flexString      `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
}

type managedSessionList struct {
	Sessions []managedSession `json:"sessions"`
}

const (
	managedCreateSession = "create_session"
	managedGetSession    = "get_session"
	managedListSessions  = "list_sessions"
	managedDeleteSession = "delete_session"
	managedStreamQuery   = "stream_query"
)

// NewManagedGateway creates a ManagedGateway for the query endpoint queryURL. Tokens are requested from
// tokens on every call; a caching source such as the one returned by NewTokenSource keeps that cheap.
func NewManagedGateway(queryURL string, tokens oauth2.TokenSource, client *http.Client, logger *slog.Logger) ManagedGateway {
	return ManagedGateway{
		queryURL: queryURL,
		tokens:   tokens,
		client:   defaultClient(client),
		logger:   logger.With(slog.String("module", "managed")),
	}
}

func (s managedSession) model() models.Session {
	events := make([]models.Event, len(s.Events))
	for i, e := range s.Events {
		events[i] = models.Event{
			ID:           e.ID,
			Author:       e.Author,
			InvocationID: e.InvocationID,
			Content:      models.DecodeEventContent(e.Content),
			Timestamp:    e.Timestamp,
			TurnComplete: e.TurnComplete,
			Partial:      e.Partial,
			ErrorCode:    string(e.ErrorCode),
			ErrorMessage: e.ErrorMessage,
		}
	}
	state := s.State
	if state == nil {
		state = map[string]any{}
	}
	return models.Session{
		ID:             s.ID,
		AppName:        s.AppName,
		UserID:         s.UserID,
		State:          state,
		LastUpdateTime: s.LastUpdateTime,
		Events:         events,
	}
}

// CreateSession creates a session owned by userID with the given initial state.
func (m ManagedGateway) CreateSession(ctx context.Context, userID string, state map[string]any) (models.Session, error) {
	var s managedSession
	found, err := m.call(ctx, managedCreateSession, managedSessionInput{UserID: userID, State: state}, &s)
	if err != nil {
		return models.Session{}, err
	}
	if !found || s.ID == "" {
		return models.Session{}, fmt.Errorf("%s: runtime returned no session", managedCreateSession)
	}

	m.logger.Debug("Session created", slog.String("sessionID", s.ID), slog.String("userID", userID))
	return s.model(), nil
}

// GetSession returns the session, or nil if the runtime does not know it. Besides 404, the hosted runtime
// reports unknown sessions as an error whose body says so, or as an empty output.
func (m ManagedGateway) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var s managedSession
	found, err := m.call(ctx, managedGetSession, managedSessionInput{UserID: userID, SessionID: sessionID}, &s)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && (pe.NotFound() || strings.Contains(strings.ToLower(pe.Body), "not found")) {
			return nil, nil
		}
		return nil, err
	}
	if !found {
		return nil, nil
	}

	session := s.model()
	return &session, nil
}

// ListSessions returns the sessions of userID.
func (m ManagedGateway) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	var raw json.RawMessage
	found, err := m.call(ctx, managedListSessions, managedSessionInput{UserID: userID}, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var ss []managedSession
	if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '[' {
		if err := json.Unmarshal(t, &ss); err != nil {
			return nil, fmt.Errorf("error decoding %s output: %w", managedListSessions, err)
		}
	} else {
		var list managedSessionList
		if err := json.Unmarshal(t, &list); err != nil {
			return nil, fmt.Errorf("error decoding %s output: %w", managedListSessions, err)
		}
		ss = list.Sessions
	}

	sessions := make([]models.Session, len(ss))
	for i, s := range ss {
		sessions[i] = s.model()
	}
	return sessions, nil
}

// DeleteSession deletes the whole session.
func (m ManagedGateway) DeleteSession(ctx context.Context, userID, sessionID string) error {
	_, err := m.call(ctx, managedDeleteSession, managedSessionInput{UserID: userID, SessionID: sessionID}, nil)
	return err
}

// SessionWithEvents returns the session with its events in canonical order and its sources extracted. A
// missing session is reported as ErrSessionNotFound.
func (m ManagedGateway) SessionWithEvents(ctx context.Context, userID, sessionID string) (*models.SessionWithEvents, error) {
	s, err := m.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return withEvents(*s, m.logger), nil
}

// Health checks that the runtime resource can be read within HealthTimeout.
func (m ManagedGateway) Health(ctx context.Context) error {
	ctx, cancel := healthContext(ctx)
	defer cancel()

	target, err := ResourceURL(m.queryURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("error creating health request: %w", err)
	}
	if err := authorize(req, m.tokens); err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending health request: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return protocolError("health", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// call invokes classMethod and decodes the unwrapped output into out. It reports false when the output is
// missing or null.
func (m ManagedGateway) call(ctx context.Context, classMethod string, input, out any) (bool, error) {
	body, err := json.Marshal(managedRequest{ClassMethod: classMethod, Input: input})
	if err != nil {
		return false, fmt.Errorf("error marshaling %s request: %w", classMethod, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.queryURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("error creating %s request: %w", classMethod, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authorize(req, m.tokens); err != nil {
		return false, err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("error sending %s request: %w", classMethod, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return false, protocolError(classMethod, resp)
	}

	var res managedResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("error decoding %s response: %w", classMethod, err)
	}

	output := bytes.TrimSpace(res.Output)
	if len(output) == 0 || bytes.Equal(output, []byte("null")) {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(output, out); err != nil {
		return false, fmt.Errorf("error decoding %s output: %w", classMethod, err)
	}
	return true, nil
}
