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
	"net/url"
	"strings"

	"github.com/MegaGrindStone/agentchat/internal/models"
)

// DirectGateway implements the session gateway against the local development runtime, which exposes one REST
// resource per session under /apps/{app}/users/{user}/sessions and answers with flat camelCase JSON.
type DirectGateway struct {
	baseURL string
	appName string

	client *http.Client

	logger *slog.Logger
}

type directSession struct {
	ID             string         `json:"id"`
	AppName        string         `json:"appName"`
	UserID         string         `json:"userId"`
	State          map[string]any `json:"state"`
	Events         []directEvent  `json:"events"`
	LastUpdateTime float64        `json:"lastUpdateTime"`
}

type directEvent struct {
	ID           string          `json:"id"`
	Author       string          `json:"author"`
	InvocationID string          `json:"invocationId"`
	Content      json.RawMessage `json:"content"`
	Timestamp    float64         `json:"timestamp"`
	TurnComplete bool            `json:"turnComplete"`
	Partial      bool            `json:"partial"`
	ErrorCode    flexString      `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

// NewDirectGateway creates a DirectGateway for the runtime at baseURL serving the agent app appName. A nil
// client uses a default http.Client.
func NewDirectGateway(baseURL, appName string, client *http.Client, logger *slog.Logger) DirectGateway {
	return DirectGateway{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		appName: appName,
		client:  defaultClient(client),
		logger:  logger.With(slog.String("module", "direct")),
	}
}

func (s directSession) model() models.Session {
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

func (d DirectGateway) sessionsURL(userID string) string {
	return fmt.Sprintf("%s/apps/%s/users/%s/sessions", d.baseURL, url.PathEscape(d.appName), url.PathEscape(userID))
}

func (d DirectGateway) sessionURL(userID, sessionID string) string {
	return d.sessionsURL(userID) + "/" + url.PathEscape(sessionID)
}

// CreateSession creates a session owned by userID with the given initial state.
func (d DirectGateway) CreateSession(ctx context.Context, userID string, state map[string]any) (models.Session, error) {
	if state == nil {
		state = map[string]any{}
	}
	body, err := json.Marshal(state)
	if err != nil {
		return models.Session{}, fmt.Errorf("error marshaling state: %w", err)
	}

	var s directSession
	if err := d.do(ctx, "create session", http.MethodPost, d.sessionsURL(userID), body, &s); err != nil {
		return models.Session{}, err
	}

	d.logger.Debug("Session created", slog.String("sessionID", s.ID), slog.String("userID", userID))
	return s.model(), nil
}

// GetSession returns the session, or nil if the runtime does not know it.
func (d DirectGateway) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var s directSession
	err := d.do(ctx, "get session", http.MethodGet, d.sessionURL(userID, sessionID), nil, &s)
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.NotFound() {
			return nil, nil
		}
		return nil, err
	}

	session := s.model()
	return &session, nil
}

// ListSessions returns the sessions of userID. Listed sessions may come without events.
func (d DirectGateway) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	var ss []directSession
	if err := d.do(ctx, "list sessions", http.MethodGet, d.sessionsURL(userID), nil, &ss); err != nil {
		return nil, err
	}

	sessions := make([]models.Session, len(ss))
	for i, s := range ss {
		sessions[i] = s.model()
	}
	return sessions, nil
}

// DeleteSession deletes the whole session.
func (d DirectGateway) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return d.do(ctx, "delete session", http.MethodDelete, d.sessionURL(userID, sessionID), nil, nil)
}

// SessionWithEvents returns the session with its events in canonical order and its sources extracted. A
// missing session is reported as ErrSessionNotFound.
func (d DirectGateway) SessionWithEvents(ctx context.Context, userID, sessionID string) (*models.SessionWithEvents, error) {
	s, err := d.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return withEvents(*s, d.logger), nil
}

// Health checks that the runtime answers its app listing within HealthTimeout.
func (d DirectGateway) Health(ctx context.Context) error {
	ctx, cancel := healthContext(ctx)
	defer cancel()

	return d.do(ctx, "list apps", http.MethodGet, d.baseURL+"/list-apps", nil, nil)
}

func (d DirectGateway) do(ctx context.Context, op, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("error creating %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return protocolError(op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding %s response: %w", op, err)
	}
	return nil
}
