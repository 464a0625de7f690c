package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/agentchat/internal/models"
	"github.com/MegaGrindStone/agentchat/internal/services"
	"github.com/MegaGrindStone/agentchat/internal/timeline"
)

// SyncConfig holds the settings of a synchronization controller.
type SyncConfig struct {
	UserID string
	// Interval defaults to services.DirectPollInterval.
	Interval time.Duration
	// PendingTTL defaults to timeline.DefaultPendingTTL.
	PendingTTL time.Duration
	Sources    timeline.SourcePolicy
}

// TickerFunc starts a ticker with interval d and returns its channel and a function stopping it.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

// SyncOption configures a Sync.
type SyncOption func(*Sync)

// WithTicker replaces the ticker used between ticks.
func WithTicker(f TickerFunc) SyncOption {
	return func(s *Sync) { s.newTicker = f }
}

// WithClock replaces the clock used for pending expiry.
func WithClock(now func() time.Time) SyncOption {
	return func(s *Sync) { s.now = now }
}

// Sync polls the active session and merges the server messages into the view. It is either idle or polling
// exactly one session with exactly one ticker. Errors never stop polling: a missing session is treated as
// the runtime lagging behind a fresh creation, anything else is logged and retried on the next tick.
type Sync struct {
	source EventSource
	view   *View
	cfg    SyncConfig

	newTicker TickerFunc
	now       func() time.Time

	// tickMu serializes ticks, so a timer tick and an immediate tick never interleave.
	tickMu sync.Mutex

	mu          sync.Mutex
	sessionID   string
	lastSession string
	cancel      context.CancelFunc
	done        chan struct{}

	logger *slog.Logger
}

// NewSync creates an idle Sync that merges snapshots from source into view.
func NewSync(source EventSource, view *View, cfg SyncConfig, logger *slog.Logger, opts ...SyncOption) *Sync {
	if cfg.Interval <= 0 {
		cfg.Interval = services.DirectPollInterval
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = timeline.DefaultPendingTTL
	}

	s := &Sync{
		source:    source,
		view:      view,
		cfg:       cfg,
		newTicker: realTicker,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "sync")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Start polls sessionID until Stop is called. The loop keeps the values of ctx but not its cancellation, so a
// caller scoped to one submission cannot end polling while Polling still reports it. The first tick runs
// immediately. Starting the session that is already being polled does nothing; starting another session stops
// the current loop first and clears the messages of the previous session from the view.
func (s *Sync) Start(ctx context.Context, sessionID string) {
	s.mu.Lock()
	if s.cancel != nil && s.sessionID == sessionID {
		s.mu.Unlock()
		return
	}

	prevCancel, prevDone := s.cancel, s.done
	switching := s.lastSession != "" && s.lastSession != sessionID

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.sessionID = sessionID
	s.lastSession = sessionID
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}
	if switching {
		s.view.Reset()
	}

	s.logger.Debug("Polling started",
		slog.String("sessionID", sessionID),
		slog.Duration("interval", s.cfg.Interval))
	go s.loop(loopCtx, sessionID, done)
}

// Stop stops polling and waits for the loop to exit. It is a no-op when idle.
func (s *Sync) Stop() {
	s.mu.Lock()
	cancel, done, sessionID := s.cancel, s.done, s.sessionID
	s.cancel, s.done, s.sessionID = nil, nil, ""
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Debug("Polling stopped", slog.String("sessionID", sessionID))
}

// forget drops the memory of the last polled session, so the next Start keeps the view as it is.
func (s *Sync) forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSession = ""
}

// Polling reports whether a loop is active, and for which session.
func (s *Sync) Polling() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.cancel != nil
}

// Tick synchronizes the active session right away, outside the timer. It does nothing when idle.
func (s *Sync) Tick(ctx context.Context) {
	sessionID, ok := s.Polling()
	if !ok {
		return
	}
	s.tick(ctx, sessionID)
}

func (s *Sync) loop(ctx context.Context, sessionID string, done chan struct{}) {
	defer close(done)

	ticks, stop := s.newTicker(s.cfg.Interval)
	defer stop()

	s.tick(ctx, sessionID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			s.tick(ctx, sessionID)
		}
	}
}

func (s *Sync) tick(ctx context.Context, sessionID string) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	snapshot, err := s.source.SessionWithEvents(ctx, s.cfg.UserID, sessionID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			s.logger.Debug("Session not visible yet", slog.String("sessionID", sessionID))
			return
		}
		s.logger.Error("Failed to synchronize session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	server := timeline.Translate(snapshot.Session.Events, snapshot.Sources, s.cfg.Sources)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	// The session may have been switched while the fetch was in flight.
	if s.sessionID != sessionID {
		return
	}
	s.view.Apply(func(cur []models.Message) []models.Message {
		return timeline.ExpirePending(timeline.Merge(cur, server), now, s.cfg.PendingTTL)
	})
}
