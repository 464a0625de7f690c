package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/agentchat/internal/models"
	"github.com/MegaGrindStone/agentchat/internal/services"
	"github.com/MegaGrindStone/agentchat/internal/timeline"
)

// EventSource provides session snapshots for synchronization.
type EventSource interface {
	SessionWithEvents(ctx context.Context, userID, sessionID string) (*models.SessionWithEvents, error)
}

// SessionCreator creates sessions on behalf of the message flow.
type SessionCreator interface {
	CreateSession(ctx context.Context, userID string, state map[string]any) (models.Session, error)
}

// SessionGateway is the normalized CRUD interface over both runtime protocols.
type SessionGateway interface {
	EventSource
	SessionCreator

	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
	Health(ctx context.Context) error
}

// TurnRouter submits one conversation turn without waiting for the agent's answer.
type TurnRouter interface {
	HandleRequest(ctx context.Context, sessionID, userText, userID string) (services.Result, error)
}

// SessionRepository remembers the last active session of each user.
type SessionRepository interface {
	LastSession(ctx context.Context, userID string) (string, error)
	SetLastSession(ctx context.Context, userID, sessionID string) error
	ClearLastSession(ctx context.Context, userID string) error
}

// TitleStore keeps human readable session titles.
type TitleStore interface {
	Title(ctx context.Context, userID, sessionID string) (string, error)
	SetTitle(ctx context.Context, userID, sessionID, title string) error
	DeleteTitle(ctx context.Context, userID, sessionID string) error
}

// Identity supplies the authenticated user id.
type Identity interface {
	UserID(ctx context.Context) (string, error)
}

// Notifier shows transient notifications to the user.
type Notifier interface {
	Notify(message string)
}

// Navigator moves the view to another session.
type Navigator interface {
	Navigate(ctx context.Context, sessionID string) error
}

const errLoggerKey = "err"

const maxTitleRunes = 60

// Config holds the collaborators and settings of a Conversation.
type Config struct {
	Gateway    SessionGateway
	Router     TurnRouter
	Repository SessionRepository
	// Titles is optional.
	Titles   TitleStore
	Identity Identity
	Notifier Notifier

	PollInterval time.Duration
	PendingTTL   time.Duration
	Sources      timeline.SourcePolicy

	// OnChange is called with a snapshot of the timeline after every change. It must not call back into the
	// Conversation.
	OnChange func([]models.Message)

	// SyncOptions are passed to the synchronization controller.
	SyncOptions []SyncOption
}

// Conversation is one conversation view: the rendered timeline, the controller polling the active session,
// and the controller handling user input. It implements Navigator for its own message flow.
type Conversation struct {
	view *View
	sync *Sync
	flow *Flow

	userID     string
	repository SessionRepository
	titles     TitleStore

	logger *slog.Logger
}

// NewConversation resolves the user identity and wires the controllers of a conversation view.
func NewConversation(ctx context.Context, cfg Config, logger *slog.Logger) (*Conversation, error) {
	if cfg.Gateway == nil || cfg.Router == nil || cfg.Repository == nil || cfg.Identity == nil {
		return nil, errors.New("gateway, router, repository and identity are required")
	}

	userID, err := cfg.Identity.UserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user id: %w", err)
	}
	if userID == "" {
		return nil, errors.New("user id is empty")
	}

	logger = logger.With(slog.String("userID", userID))

	c := &Conversation{
		view:       NewView(cfg.OnChange),
		userID:     userID,
		repository: cfg.Repository,
		titles:     cfg.Titles,
		logger:     logger.With(slog.String("module", "conversation")),
	}
	c.sync = NewSync(cfg.Gateway, c.view, SyncConfig{
		UserID:     userID,
		Interval:   cfg.PollInterval,
		PendingTTL: cfg.PendingTTL,
		Sources:    cfg.Sources,
	}, logger, cfg.SyncOptions...)
	c.flow = NewFlow(FlowConfig{
		UserID:    userID,
		Creator:   cfg.Gateway,
		Router:    cfg.Router,
		Syncer:    c.sync,
		View:      c.view,
		Notifier:  cfg.Notifier,
		Navigator: c,
	}, logger)

	return c, nil
}

// UserID returns the user the conversation belongs to.
func (c *Conversation) UserID() string {
	return c.userID
}

// Flow returns the message flow controller of the conversation.
func (c *Conversation) Flow() *Flow {
	return c.flow
}

// Messages returns a snapshot of the rendered timeline.
func (c *Conversation) Messages() []models.Message {
	return c.view.Messages()
}

// SessionID returns the active session, or an empty string for a conversation that has not started.
func (c *Conversation) SessionID() string {
	return c.flow.SessionID()
}

// Resume opens the last active session of the user, if one was recorded. It reports whether a session was
// opened.
func (c *Conversation) Resume(ctx context.Context) (bool, error) {
	sessionID, err := c.repository.LastSession(ctx, c.userID)
	if err != nil {
		return false, fmt.Errorf("failed to read last session: %w", err)
	}
	if sessionID == "" {
		return false, nil
	}
	return true, c.Open(ctx, sessionID)
}

// Open makes sessionID the active session and starts polling it. Messages of a previously active session
// are cleared before the first tick.
func (c *Conversation) Open(ctx context.Context, sessionID string) error {
	c.flow.setSession(sessionID)
	if err := c.repository.SetLastSession(ctx, c.userID, sessionID); err != nil {
		c.logger.Warn("Failed to remember last session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
	c.sync.Start(ctx, sessionID)
	return nil
}

// Navigate is called by the message flow after it created a session. The optimistic messages stay in the
// timeline until the server confirms them.
func (c *Conversation) Navigate(ctx context.Context, sessionID string) error {
	c.storeTitle(ctx, sessionID)
	return c.Open(ctx, sessionID)
}

// New leaves the active session, clears the timeline and forgets the last session, so the next submission
// creates a new session.
func (c *Conversation) New(ctx context.Context) error {
	c.sync.Stop()
	c.sync.forget()
	c.flow.setSession("")
	c.view.Reset()
	return c.repository.ClearLastSession(ctx, c.userID)
}

// Close stops polling. It must be called when the view goes away.
func (c *Conversation) Close() {
	c.sync.Stop()
}

func (c *Conversation) storeTitle(ctx context.Context, sessionID string) {
	if c.titles == nil {
		return
	}

	var first string
	for _, m := range c.view.Messages() {
		if m.Role == models.RoleUser {
			first = m.Content
			break
		}
	}
	title := provisionalTitle(first)
	if title == "" {
		return
	}

	if err := c.titles.SetTitle(ctx, c.userID, sessionID, title); err != nil {
		c.logger.Warn("Failed to store session title",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func provisionalTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
	}
	return line
}
