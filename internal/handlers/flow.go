package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/agentchat/internal/models"
	"github.com/google/uuid"
)

// ErrEmptyInput is returned when an empty or whitespace-only message is submitted.
var ErrEmptyInput = errors.New("message is empty")

// SystemAgent authors the synthetic messages that report local failures in the timeline.
const SystemAgent = "system"

// Syncer runs an immediate synchronization of the active session.
type Syncer interface {
	Tick(ctx context.Context)
}

// FlowConfig holds the collaborators of a Flow.
type FlowConfig struct {
	UserID    string
	Creator   SessionCreator
	Router    TurnRouter
	Syncer    Syncer
	View      *View
	Notifier  Notifier
	Navigator Navigator
	// InitialState is the state of sessions created by the flow.
	InitialState map[string]any
}

// Flow owns the input of a conversation view and the lifecycle of a submission: the optimistic message, the
// session creation, the turn submission, and what happens after it.
type Flow struct {
	cfg FlowConfig
	now func() time.Time

	mu        sync.Mutex
	input     string
	sessionID string
	creating  *sessionCall

	logger *slog.Logger
}

// sessionCall is an in-flight session creation shared by concurrent submissions.
type sessionCall struct {
	done chan struct{}
	id   string
	err  error
}

// NewFlow creates a Flow with empty input and no session.
func NewFlow(cfg FlowConfig, logger *slog.Logger) *Flow {
	return &Flow{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("module", "flow")),
	}
}

// SetInput replaces the input text.
func (f *Flow) SetInput(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = text
}

// Input returns the input text.
func (f *Flow) Input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input
}

// SessionID returns the session the flow submits to, or an empty string when none exists yet.
func (f *Flow) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *Flow) setSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = sessionID
}

// Submit sends the current input as the next turn. The user message appears in the view immediately as
// pending. When the flow has no session yet it creates one and navigates to it; otherwise it triggers an
// immediate synchronization. On failure the user is notified, an error message is added to the timeline,
// the pending message stays, and the input is restored.
func (f *Flow) Submit(ctx context.Context) error {
	f.mu.Lock()
	text := f.input
	if strings.TrimSpace(text) == "" {
		f.mu.Unlock()
		return ErrEmptyInput
	}
	f.input = ""
	f.mu.Unlock()

	content := strings.TrimSpace(text)
	now := f.now()
	f.cfg.View.Apply(appendMessage(models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   content,
		Agent:     string(models.RoleUser),
		Status:    models.StatusPending,
		Timestamp: now,
		CreatedAt: now,
	}))

	sessionID, created, err := f.ensureSession(ctx)
	if err != nil {
		return f.fail(text, fmt.Errorf("failed to create session: %w", err))
	}

	res, err := f.cfg.Router.HandleRequest(ctx, sessionID, content, f.cfg.UserID)
	if err != nil {
		return f.fail(text, err)
	}
	if !res.Success {
		return f.fail(text, errors.New(res.Error))
	}

	if created {
		if err := f.cfg.Navigator.Navigate(ctx, sessionID); err != nil {
			f.logger.Error("Failed to navigate to new session",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
		}
		return nil
	}

	f.cfg.Syncer.Tick(ctx)
	return nil
}

// ensureSession returns the session to submit to, creating it when needed. Concurrent callers share one
// creation; only the caller that started it reports created.
func (f *Flow) ensureSession(ctx context.Context) (string, bool, error) {
	f.mu.Lock()
	if f.sessionID != "" {
		id := f.sessionID
		f.mu.Unlock()
		return id, false, nil
	}
	if call := f.creating; call != nil {
		f.mu.Unlock()
		select {
		case <-call.done:
			return call.id, false, call.err
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	call := &sessionCall{done: make(chan struct{})}
	f.creating = call
	f.mu.Unlock()

	session, err := f.cfg.Creator.CreateSession(ctx, f.cfg.UserID, f.cfg.InitialState)

	f.mu.Lock()
	if err == nil {
		f.sessionID = session.ID
	}
	f.creating = nil
	f.mu.Unlock()

	call.id, call.err = session.ID, err
	close(call.done)

	if err != nil {
		return "", false, err
	}
	f.logger.Info("Session created", slog.String("sessionID", session.ID))
	return session.ID, true, nil
}

func (f *Flow) fail(text string, err error) error {
	f.logger.Error("Submission failed", slog.String(errLoggerKey, err.Error()))

	if f.cfg.Notifier != nil {
		f.cfg.Notifier.Notify(fmt.Sprintf("Failed to send message: %v", err))
	}

	now := f.now()
	f.cfg.View.Apply(appendMessage(models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleModel,
		Content:   fmt.Sprintf("Error: %v", err),
		Agent:     SystemAgent,
		Status:    models.StatusError,
		Timestamp: now,
		CreatedAt: now,
	}))

	f.mu.Lock()
	if f.input == "" {
		f.input = text
	}
	f.mu.Unlock()

	return err
}
